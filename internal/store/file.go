package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/medinvest/medsync/internal/action"
)

const (
	queueFile  = "queue.json"
	replayFile = "replay.json"
	deadFile   = "deadletter.json"
)

// FileStore keeps each area as one indented JSON document under dir.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFile creates or opens a file store rooted at dir.
func NewFile(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger.With("component", "store")}, nil
}

func (f *FileStore) LoadQueue(ctx context.Context) ([]action.QueuedAction, error) {
	var actions []action.QueuedAction
	f.load(queueFile, &actions)
	return actions, nil
}

func (f *FileStore) SaveQueue(ctx context.Context, actions []action.QueuedAction) error {
	if actions == nil {
		actions = []action.QueuedAction{}
	}
	return f.save(queueFile, actions)
}

func (f *FileStore) LoadReplay(ctx context.Context) ([]action.MutationRecord, error) {
	var records []action.MutationRecord
	f.load(replayFile, &records)
	return records, nil
}

func (f *FileStore) SaveReplay(ctx context.Context, records []action.MutationRecord) error {
	if records == nil {
		records = []action.MutationRecord{}
	}
	return f.save(replayFile, records)
}

func (f *FileStore) LoadDead(ctx context.Context) ([]DeadLetter, error) {
	var letters []DeadLetter
	f.load(deadFile, &letters)
	return letters, nil
}

func (f *FileStore) SaveDead(ctx context.Context, letters []DeadLetter) error {
	if letters == nil {
		letters = []DeadLetter{}
	}
	return f.save(deadFile, letters)
}

func (f *FileStore) Close() error { return nil }

// load reads one area into out. Missing files are an empty area;
// unparseable files are logged and treated as empty so a corrupt write
// never wedges the client at startup.
func (f *FileStore) load(name string, out interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("read failed, starting empty", "file", name, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		f.logger.Warn("corrupt data, starting empty", "file", name, "error", err)
	}
}

// save replaces one area. The document is written to a temp file and
// renamed so a failed write leaves the previous state on disk.
func (f *FileStore) save(name string, in interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: replace %s: %w", name, err)
	}
	return nil
}
