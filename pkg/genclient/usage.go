package genclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// FreeMaxCredits is the anonymous allowance per visitor.
const FreeMaxCredits = 3

// UsageCounter is the anonymous usage counter kept in the client state dir.
// It only grows: failed generations are not given back.
type UsageCounter struct {
	mu   sync.Mutex
	path string
}

type usageFile struct {
	VisitorID string `json:"visitorId"`
	Used      int    `json:"used"`
}

func NewUsageCounter(path string) *UsageCounter {
	return &UsageCounter{path: path}
}

// VisitorID returns the persisted visitor id, minting one on first use.
func (u *UsageCounter) VisitorID() (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	st, err := u.load()
	if err != nil {
		return "", err
	}
	return st.VisitorID, nil
}

func (u *UsageCounter) Used() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	st, err := u.load()
	if err != nil {
		return 0, err
	}
	return st.Used, nil
}

// Allowed reports whether another anonymous submission may be attempted.
func (u *UsageCounter) Allowed() (bool, error) {
	used, err := u.Used()
	if err != nil {
		return false, err
	}
	return used < FreeMaxCredits, nil
}

// Increment counts one submission and returns the new count, capped at
// FreeMaxCredits.
func (u *UsageCounter) Increment() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	st, err := u.load()
	if err != nil {
		return 0, err
	}
	if st.Used < FreeMaxCredits {
		st.Used++
	}
	if err := u.save(st); err != nil {
		return 0, err
	}
	return st.Used, nil
}

func (u *UsageCounter) load() (usageFile, error) {
	var st usageFile
	raw, err := os.ReadFile(u.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return st, err
	default:
		if err := json.Unmarshal(raw, &st); err != nil {
			return st, fmt.Errorf("genclient: decode usage file: %w", err)
		}
	}
	if st.VisitorID == "" {
		st.VisitorID = uuid.NewString()
		if err := u.save(st); err != nil {
			return st, err
		}
	}
	if st.Used < 0 {
		st.Used = 0
	}
	return st, nil
}

func (u *UsageCounter) save(st usageFile) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(u.path, raw)
}
