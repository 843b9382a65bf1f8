// Package migrate copies queue state between store backends, typically
// from the JSON file store a device started with to the SQLite store.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/medinvest/medsync/internal/store"
)

// Result describes what was migrated.
type Result struct {
	Queue    int      // pending actions copied
	Replay   int      // mutation records copied
	Dead     int      // dead letters copied
	Warnings []string // non-fatal warnings
}

// Options controls migration behavior.
type Options struct {
	SourceKind string // "file" or "sqlite"
	SourcePath string // directory (file) or database file (sqlite)
	TargetKind string
	TargetPath string
	DryRun     bool // if true, report counts without writing
}

// Run copies all three areas from the source store to the target.
// Area failures degrade to warnings so a partial migration still
// reports what it could move. The target's previous contents are
// replaced.
func Run(ctx context.Context, opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SourcePath == "" || opts.TargetPath == "" {
		return nil, fmt.Errorf("migrate: source and target paths are required")
	}
	if opts.SourceKind == opts.TargetKind && opts.SourcePath == opts.TargetPath {
		return nil, fmt.Errorf("migrate: source and target are the same store")
	}
	if _, err := os.Stat(opts.SourcePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("migrate: source does not exist: %s", opts.SourcePath)
	}

	src, err := store.Open(opts.SourceKind, opts.SourcePath, logger)
	if err != nil {
		return nil, fmt.Errorf("migrate: open source: %w", err)
	}
	defer src.Close()

	var dst store.Store
	if !opts.DryRun {
		dst, err = store.Open(opts.TargetKind, opts.TargetPath, logger)
		if err != nil {
			return nil, fmt.Errorf("migrate: open target: %w", err)
		}
		defer dst.Close()
	}

	result := &Result{}

	if err := migrateQueue(ctx, src, dst, opts, result); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("queue migration: %v", err))
	}
	if err := migrateReplay(ctx, src, dst, opts, result); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("replay migration: %v", err))
	}
	if err := migrateDead(ctx, src, dst, opts, result); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("dead-letter migration: %v", err))
	}

	logger.Info("migration finished",
		"queue", result.Queue,
		"replay", result.Replay,
		"dead", result.Dead,
		"warnings", len(result.Warnings),
		"dryRun", opts.DryRun,
	)
	return result, nil
}

func migrateQueue(ctx context.Context, src, dst store.Store, opts Options, result *Result) error {
	actions, err := src.LoadQueue(ctx)
	if err != nil {
		return err
	}
	result.Queue = len(actions)
	if opts.DryRun {
		return nil
	}

	existing, err := dst.LoadQueue(ctx)
	if err == nil && len(existing) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("target queue had %d actions, replaced", len(existing)))
	}
	return dst.SaveQueue(ctx, actions)
}

func migrateReplay(ctx context.Context, src, dst store.Store, opts Options, result *Result) error {
	records, err := src.LoadReplay(ctx)
	if err != nil {
		return err
	}
	result.Replay = len(records)
	if opts.DryRun {
		return nil
	}

	existing, err := dst.LoadReplay(ctx)
	if err == nil && len(existing) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("target replay queue had %d records, replaced", len(existing)))
	}
	return dst.SaveReplay(ctx, records)
}

func migrateDead(ctx context.Context, src, dst store.Store, opts Options, result *Result) error {
	letters, err := src.LoadDead(ctx)
	if err != nil {
		return err
	}
	result.Dead = len(letters)
	if opts.DryRun {
		return nil
	}

	existing, err := dst.LoadDead(ctx)
	if err == nil && len(existing) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("target dead-letter journal had %d letters, replaced", len(existing)))
	}
	return dst.SaveDead(ctx, letters)
}
