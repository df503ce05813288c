// Package store holds document content. The manifest tracks versions; this
// package only moves bytes.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown document ids
var ErrNotFound = errors.New("store: document not found")

// Sibling is a losing version kept next to a conflicted document until an
// operator resolves it
type Sibling struct {
	From string
	Data []byte
}

// Store is the content backend the sync engine reads and writes
type Store interface {
	Get(docID string) ([]byte, error)
	Put(docID string, data []byte) error
	Delete(docID string) error
	List() ([]string, error)

	PutSibling(docID, from string, data []byte) error
	Siblings(docID string) ([]Sibling, error)
	DropSiblings(docID string) error
}

// FileStore keeps each document as one file under a root directory.
// Document ids are hex encoded in filenames so arbitrary ids stay
// filesystem-safe.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates the backing directories under root
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{docsDir(root), siblingsDir(root)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func docsDir(root string) string     { return filepath.Join(root, "docs") }
func siblingsDir(root string) string { return filepath.Join(root, "siblings") }

func encodeID(docID string) string { return hex.EncodeToString([]byte(docID)) }

func decodeID(name string) (string, error) {
	raw, err := hex.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (fs *FileStore) docPath(docID string) string {
	return filepath.Join(docsDir(fs.root), encodeID(docID))
}

// Get returns a document's content
func (fs *FileStore) Get(docID string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.docPath(docID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", docID, err)
	}
	return data, nil
}

// Put writes a document's content atomically
func (fs *FileStore) Put(docID string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeAtomic(fs.docPath(docID), data)
}

// Delete removes a document's content. Missing content is not an error so
// tombstone application stays idempotent.
func (fs *FileStore) Delete(docID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.docPath(docID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	return nil
}

// List returns all stored document ids, sorted
func (fs *FileStore) List() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(docsDir(fs.root))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := decodeID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutSibling keeps a losing version under the document's sibling directory
func (fs *FileStore) PutSibling(docID, from string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(siblingsDir(fs.root), encodeID(docID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create sibling directory: %w", err)
	}
	return writeAtomic(filepath.Join(dir, encodeID(from)), data)
}

// Siblings returns all kept versions for a document sorted by origin node
func (fs *FileStore) Siblings(docID string) ([]Sibling, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(siblingsDir(fs.root), encodeID(docID))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list siblings for %s: %w", docID, err)
	}

	var out []Sibling
	for _, e := range entries {
		from, err := decodeID(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read sibling %s/%s: %w", docID, from, err)
		}
		out = append(out, Sibling{From: from, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

// DropSiblings removes all kept versions for a document
func (fs *FileStore) DropSiblings(docID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(siblingsDir(fs.root), encodeID(docID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("drop siblings for %s: %w", docID, err)
	}
	return nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial document
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
