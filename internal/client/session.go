package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Session is the client-side credential state for one signed-in identity.
// It is written on login and refresh, read on every call, and cleared on
// logout or an irrecoverable refresh failure.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IdentityID   string `json:"identity_id"`
}

// Cache persists the active session on the device.
type Cache interface {
	Load() (Session, bool, error)
	Save(Session) error
	Clear() error
}

// MemoryCache keeps the session in process memory. Used in tests and for
// short-lived tooling.
type MemoryCache struct {
	mu      sync.Mutex
	session Session
	ok      bool
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{} }

func (c *MemoryCache) Load() (Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.ok, nil
}

func (c *MemoryCache) Save(s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.ok = true
	return nil
}

func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = Session{}
	c.ok = false
	return nil
}

// FileCache stores the session as JSON with owner-only permissions.
type FileCache struct {
	mu   sync.Mutex
	path string
}

func NewFileCache(path string) (*FileCache, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{path: path}, nil
}

func (c *FileCache) Load() (Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session cache: %w", err)
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (c *FileCache) Save(s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}

func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
