package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsonx "switchboard/internal/shared/json"
)

const recordExt = ".json"

// RecordDir stores one JSON document per key under a single directory.
// Every write replaces the whole document atomically.
type RecordDir[V any] struct {
	root string
	perm os.FileMode
}

// NewRecordDir creates the directory if needed. perm defaults to 0o600.
func NewRecordDir[V any](root string, perm os.FileMode) (*RecordDir[V], error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("record dir root is required")
	}
	if perm == 0 {
		perm = 0o600
	}
	if err := EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create record dir %s: %w", root, err)
	}
	return &RecordDir[V]{root: root, perm: perm}, nil
}

// Root returns the backing directory.
func (d *RecordDir[V]) Root() string { return d.root }

// Path returns the file path for key.
func (d *RecordDir[V]) Path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, key+recordExt), nil
}

// Write persists value under key, replacing any previous document.
func (d *RecordDir[V]) Write(key string, value V) error {
	path, err := d.Path(key)
	if err != nil {
		return err
	}
	data, err := MarshalJSONIndent(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	return AtomicWrite(path, data, d.perm)
}

// Read loads the document for key. The bool is false when no document exists.
func (d *RecordDir[V]) Read(key string) (V, bool, error) {
	var value V
	path, err := d.Path(key)
	if err != nil {
		return value, false, err
	}
	data, err := ReadFileOrEmpty(path)
	if err != nil {
		return value, false, err
	}
	if data == nil {
		return value, false, nil
	}
	if err := jsonx.Unmarshal(data, &value); err != nil {
		return value, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes the document for key. Missing documents are not an error.
func (d *RecordDir[V]) Delete(key string) error {
	path, err := d.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Move relocates the document for key into destRoot, keeping its file name.
func (d *RecordDir[V]) Move(key, destRoot string) error {
	path, err := d.Path(key)
	if err != nil {
		return err
	}
	if err := EnsureDir(destRoot); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(destRoot, filepath.Base(path)))
}

// Keys lists stored keys in lexical order. Temporary files are skipped.
func (d *RecordDir[V]) Keys() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func validateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("record key is required")
	case strings.ContainsAny(key, `/\`), key == "." || key == "..", strings.HasPrefix(key, "."):
		return fmt.Errorf("invalid record key %q", key)
	}
	return nil
}
