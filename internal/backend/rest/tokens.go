package rest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"foliochat/internal/app/session"
)

// TokenStore keeps the session between runs. Save(nil) forgets it.
type TokenStore interface {
	Load() (*session.Session, error)
	Save(s *session.Session) error
}

// MemoryTokenStore keeps the session for the life of the process.
type MemoryTokenStore struct {
	mu sync.Mutex
	s  *session.Session
}

func (m *MemoryTokenStore) Load() (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s == nil {
		return nil, nil
	}
	s := *m.s
	return &s, nil
}

func (m *MemoryTokenStore) Save(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s == nil {
		m.s = nil
		return nil
	}
	cp := *s
	m.s = &cp
	return nil
}

// FileTokenStore keeps the session in a JSON file readable only by the current user.
type FileTokenStore struct {
	Path string
}

func (f FileTokenStore) Load() (*session.Session, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if s.AccessToken == "" {
		return nil, nil
	}
	return &s, nil
}

func (f FileTokenStore) Save(s *session.Session) error {
	if s == nil {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
