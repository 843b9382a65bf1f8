package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/medinvest/medsync/internal/action"
)

// SQLiteStore keeps all three areas in one database. Each record is a
// JSON document column; position preserves list order across a reload.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite creates or opens the database at path.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// migrate creates tables on first run.
func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
			id       TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			record   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mutation_replay (
			id       TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			record   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id       TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			record   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_position ON offline_queue(position)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_position ON mutation_replay(position)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_position ON dead_letter(position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadQueue(ctx context.Context) ([]action.QueuedAction, error) {
	var actions []action.QueuedAction
	s.loadArea(ctx, "offline_queue", func(raw []byte) bool {
		var a action.QueuedAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return false
		}
		actions = append(actions, a)
		return true
	})
	return actions, nil
}

func (s *SQLiteStore) SaveQueue(ctx context.Context, actions []action.QueuedAction) error {
	return s.saveArea(ctx, "offline_queue", len(actions), func(i int) (string, interface{}) {
		return actions[i].ID, actions[i]
	})
}

func (s *SQLiteStore) LoadReplay(ctx context.Context) ([]action.MutationRecord, error) {
	var records []action.MutationRecord
	s.loadArea(ctx, "mutation_replay", func(raw []byte) bool {
		var r action.MutationRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return false
		}
		records = append(records, r)
		return true
	})
	return records, nil
}

func (s *SQLiteStore) SaveReplay(ctx context.Context, records []action.MutationRecord) error {
	return s.saveArea(ctx, "mutation_replay", len(records), func(i int) (string, interface{}) {
		return records[i].ID, records[i]
	})
}

func (s *SQLiteStore) LoadDead(ctx context.Context) ([]DeadLetter, error) {
	var letters []DeadLetter
	s.loadArea(ctx, "dead_letter", func(raw []byte) bool {
		var d DeadLetter
		if err := json.Unmarshal(raw, &d); err != nil {
			return false
		}
		letters = append(letters, d)
		return true
	})
	return letters, nil
}

func (s *SQLiteStore) SaveDead(ctx context.Context, letters []DeadLetter) error {
	return s.saveArea(ctx, "dead_letter", len(letters), func(i int) (string, interface{}) {
		return letters[i].Action.ID, letters[i]
	})
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// loadArea streams records in position order into decode. Rows that
// fail to decode are skipped with a warning, matching the file
// backend's corrupt-data tolerance.
func (s *SQLiteStore) loadArea(ctx context.Context, table string, decode func([]byte) bool) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT record FROM %s ORDER BY position`, table))
	if err != nil {
		s.logger.Warn("query failed, starting empty", "table", table, "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			s.logger.Warn("scan failed", "table", table, "error", err)
			continue
		}
		if !decode([]byte(raw)) {
			s.logger.Warn("corrupt record skipped", "table", table)
		}
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("row iteration failed", "table", table, "error", err)
	}
}

// saveArea replaces a whole area inside one transaction.
func (s *SQLiteStore) saveArea(ctx context.Context, table string, n int, record func(int) (string, interface{})) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("store: clear %s: %w", table, err)
	}

	for i := 0; i < n; i++ {
		id, rec := record(i)
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: marshal %s record: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s(id, position, record) VALUES(?, ?, ?)`, table),
			id, i, string(raw),
		); err != nil {
			return fmt.Errorf("store: insert %s: %w", table, err)
		}
	}
	return tx.Commit()
}
