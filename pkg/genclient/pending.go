package genclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PendingVersion is the record layout written by this package.
const PendingVersion = 1

var ErrUnsupportedVersion = errors.New("genclient: unsupported pending record version")

// PendingTask is the single-slot record of the task awaiting a terminal
// state. It is written once at submission, read once at startup and cleared
// once the task finishes.
type PendingTask struct {
	Version        int      `json:"version"`
	TaskID         string   `json:"pendingTaskId"`
	UploadedImages []string `json:"pendingUploadedImages"`
	Prompt         string   `json:"pendingPrompt"`
	Size           string   `json:"pendingSize"`
}

// PendingStore persists at most one PendingTask. Load returns nil, nil when
// the slot is empty.
type PendingStore interface {
	Load() (*PendingTask, error)
	Save(PendingTask) error
	Clear() error
}

// FilePendingStore keeps the record as JSON in one file.
type FilePendingStore struct {
	path string
}

func NewFilePendingStore(path string) *FilePendingStore {
	return &FilePendingStore{path: path}
}

func (s *FilePendingStore) Load() (*PendingTask, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec PendingTask
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("genclient: decode pending record: %w", err)
	}
	if rec.Version != PendingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)
	}
	if rec.TaskID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (s *FilePendingStore) Save(rec PendingTask) error {
	rec.Version = PendingVersion
	if rec.UploadedImages == nil {
		rec.UploadedImages = []string{}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, raw)
}

func (s *FilePendingStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryPendingStore is a PendingStore for tests and short-lived processes.
type MemoryPendingStore struct {
	mu  sync.Mutex
	rec *PendingTask
}

func (m *MemoryPendingStore) Load() (*PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	cp := *m.rec
	cp.UploadedImages = append([]string(nil), m.rec.UploadedImages...)
	return &cp, nil
}

func (m *MemoryPendingStore) Save(rec PendingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Version = PendingVersion
	rec.UploadedImages = append([]string(nil), rec.UploadedImages...)
	m.rec = &rec
	return nil
}

func (m *MemoryPendingStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// writeFileAtomic replaces path via a temp file in the same directory so a
// crash never leaves a half-written record.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var (
	_ PendingStore = (*FilePendingStore)(nil)
	_ PendingStore = (*MemoryPendingStore)(nil)
)
