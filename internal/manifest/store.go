package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one document's manifest record. ContentHash is authoritative for
// "same content": two entries with equal hashes are the same document bytes
// regardless of how their vectors differ. Deleted entries are tombstones and
// are never removed from the store. Conflicted locks the document against
// automatic resolution until the external layer resolves it.
type Entry struct {
	DocID       string    `json:"doc_id"`
	Vector      Vector    `json:"vector"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
	Critical    bool      `json:"critical,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	MergeText   bool      `json:"merge_text,omitempty"`
	Conflicted  bool      `json:"conflicted,omitempty"`

	// SiblingVectors holds, per origin node, the version vector of each
	// kept conflict sibling. Resolution merges them into the entry's
	// vector so the resolved version dominates every input.
	SiblingVectors map[string]Vector `json:"sibling_vectors,omitempty"`
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	out := e
	out.Vector = e.Vector.Clone()
	if e.SiblingVectors != nil {
		out.SiblingVectors = make(map[string]Vector, len(e.SiblingVectors))
		for node, v := range e.SiblingVectors {
			out.SiblingVectors[node] = v.Clone()
		}
	}
	return out
}

// HashBytes returns the hex sha256 digest of content bytes
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store holds the local node's manifest, safe for concurrent use.
// When created with a path it persists as a single JSON file, the same way
// the value caches are kept on disk.
type Store struct {
	nodeID string
	path   string

	mu      sync.RWMutex
	entries map[string]Entry
}

// storeFile is the on-disk format
type storeFile struct {
	Version int     `json:"version"`
	NodeID  string  `json:"node_id"`
	Entries []Entry `json:"entries"`
}

const storeFileVersion = 1

// NewStore creates a manifest store for the given node. An empty path keeps
// the store in memory only.
func NewStore(nodeID, path string) *Store {
	return &Store{
		nodeID:  nodeID,
		path:    path,
		entries: make(map[string]Entry),
	}
}

// NodeID returns the owning node's id
func (s *Store) NodeID() string {
	return s.nodeID
}

// Load reads the manifest from disk. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read manifest: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry, len(file.Entries))
	for _, e := range file.Entries {
		s.entries[e.DocID] = e
	}
	return nil
}

// Save writes the manifest to disk atomically
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	file := storeFile{
		Version: storeFileVersion,
		NodeID:  s.nodeID,
		Entries: make([]Entry, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		file.Entries = append(file.Entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].DocID < file.Entries[j].DocID
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Get returns the entry for a document
func (s *Store) Get(docID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[docID]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Put stores an entry, replacing any existing one
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.DocID] = e.Clone()
}

// List returns all entries sorted by document id, tombstones included
func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DocID < out[j].DocID
	})
	return out
}

// Len returns the number of entries, tombstones included
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// BumpLocal records a local edit: the entry's hash and timestamp are
// replaced and this node's own vector component is incremented. A document
// edited while offline simply accumulates bumps and syncs on the next
// successful session.
func (s *Store) BumpLocal(docID, contentHash string, at time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[docID]
	if !ok {
		e = Entry{DocID: docID, Vector: make(Vector)}
	}
	e.Vector = e.Vector.Clone()
	e.Vector.Increment(s.nodeID)
	e.ContentHash = contentHash
	e.UpdatedAt = at
	e.Deleted = false
	s.entries[docID] = e
	return e.Clone()
}

// Tombstone marks a document deleted with a local vector bump. The entry
// survives so the deletion cannot be resurrected by a stale peer.
func (s *Store) Tombstone(docID string, at time.Time) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[docID]
	if !ok {
		return Entry{}, false
	}
	e.Vector = e.Vector.Clone()
	e.Vector.Increment(s.nodeID)
	e.Deleted = true
	e.UpdatedAt = at
	s.entries[docID] = e
	return e.Clone(), true
}

// SetConflicted flips the manual-resolution lock on a document
func (s *Store) SetConflicted(docID string, conflicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[docID]; ok {
		e.Conflicted = conflicted
		s.entries[docID] = e
	}
}

// RecordSibling locks a document for manual resolution and remembers the
// sibling version's vector so the eventual resolution can dominate it
func (s *Store) RecordSibling(docID, from string, v Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[docID]
	if !ok {
		return
	}
	e = e.Clone()
	if e.SiblingVectors == nil {
		e.SiblingVectors = make(map[string]Vector)
	}
	e.SiblingVectors[from] = v.Clone()
	e.Conflicted = true
	s.entries[docID] = e
}
