package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStateBackend keeps the snapshot in one JSON file, written atomically
// through a sibling temp file.
type FileStateBackend struct {
	path string
}

func NewFileStateBackend(path string) (*FileStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state file path is empty")
	}
	return &FileStateBackend{path: path}, nil
}

func (b *FileStateBackend) Load() (*persistedState, error) {
	payload, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", b.path, err)
	}
	return &state, nil
}

func (b *FileStateBackend) Save(state *persistedState) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *FileStateBackend) Close() error {
	return nil
}

var _ StateBackend = (*FileStateBackend)(nil)
