package modmail

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *RuntimeSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*RuntimeSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *RuntimeSnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone, err := cloneSnapshot(state)
	if err != nil {
		return err
	}
	b.snapshot = clone
	return nil
}

// JSONFileStateBackend stores the snapshot as one JSON document. Writes go to
// a temp file that is renamed into place while holding Path+".lock".
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) lockPath() string {
	return b.Path + ".lock"
}

func (b *JSONFileStateBackend) ensureDir() error {
	dir := filepath.Dir(b.Path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (b *JSONFileStateBackend) Load() (*RuntimeSnapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	if err := b.ensureDir(); err != nil {
		return nil, err
	}
	var snapshot *RuntimeSnapshot
	err := withFileLock(b.lockPath(), func() error {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		var loaded RuntimeSnapshot
		if err := json.Unmarshal(data, &loaded); err != nil {
			return err
		}
		loaded.normalize()
		snapshot = &loaded
		return nil
	})
	return snapshot, err
}

func (b *JSONFileStateBackend) Save(state *RuntimeSnapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := b.ensureDir(); err != nil {
		return err
	}
	return withFileLock(b.lockPath(), func() error {
		tmp := b.Path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, b.Path)
	})
}
