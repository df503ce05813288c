// Package registry tracks peers seen on the network and ages them out when
// their announcements stop.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSilenceTimeout is how long a peer may stay quiet before it is
	// evicted from the registry
	DefaultSilenceTimeout = 90 * time.Second

	// evictInterval is how often the eviction sweep runs
	evictInterval = 15 * time.Second
)

// NodeType distinguishes the two roles a node can announce
type NodeType string

const (
	NodeTypeHub  NodeType = "hub"
	NodeTypeDept NodeType = "dept"
)

// Node is one peer known to the registry
type Node struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     NodeType  `json:"type"`
	Addr     string    `json:"addr"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry is the authoritative set of live peers. Discovery backends feed
// it; the sync engine reads it.
type Registry struct {
	localID string
	timeout time.Duration

	mu    sync.RWMutex
	nodes map[string]Node

	cbMu         sync.RWMutex
	onDiscovered []func(Node)
	onLost       []func(Node)
}

// New creates a registry for the given local node id. Announcements from
// that id are ignored so a node never tracks itself. silenceTimeout <= 0
// uses the default.
func New(localID string, silenceTimeout time.Duration) *Registry {
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	return &Registry{
		localID: localID,
		timeout: silenceTimeout,
		nodes:   make(map[string]Node),
	}
}

// OnDiscovered registers a callback fired when a previously unknown peer
// appears. Callbacks run in their own goroutine.
func (r *Registry) OnDiscovered(fn func(Node)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onDiscovered = append(r.onDiscovered, fn)
}

// OnLost registers a callback fired when a peer is evicted for silence
func (r *Registry) OnLost(fn func(Node)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onLost = append(r.onLost, fn)
}

// Upsert records an announcement. New peers trigger the discovered
// callbacks; known peers just refresh their address and LastSeen.
func (r *Registry) Upsert(n Node) {
	if n.ID == "" || n.ID == r.localID {
		return
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}

	r.mu.Lock()
	prev, known := r.nodes[n.ID]
	if known {
		// Partial announcements (an inbound connection knows no sync
		// port) must not erase what discovery already learned.
		if n.Port == 0 {
			n.Port = prev.Port
		}
		if n.Name == "" {
			n.Name = prev.Name
		}
	}
	r.nodes[n.ID] = n
	r.mu.Unlock()

	if known {
		return
	}

	slog.Info("Peer discovered", "node", n.ID, "type", n.Type, "addr", n.Addr, "port", n.Port)

	r.cbMu.RLock()
	cbs := make([]func(Node), len(r.onDiscovered))
	copy(cbs, r.onDiscovered)
	r.cbMu.RUnlock()
	for _, fn := range cbs {
		go fn(n)
	}
}

// Touch refreshes a peer's LastSeen without changing anything else
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastSeen = time.Now()
		r.nodes[id] = n
	}
}

// Get returns a peer by id
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// List returns all known peers sorted by id
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Remove drops a peer immediately without firing the lost callbacks
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// Run sweeps for silent peers until ctx is cancelled
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictSilent(time.Now())
		}
	}
}

// evictSilent removes peers whose last announcement is older than the
// silence timeout and fires the lost callbacks for each
func (r *Registry) evictSilent(now time.Time) {
	r.mu.Lock()
	var lost []Node
	for id, n := range r.nodes {
		if now.Sub(n.LastSeen) > r.timeout {
			delete(r.nodes, id)
			lost = append(lost, n)
		}
	}
	r.mu.Unlock()

	if len(lost) == 0 {
		return
	}

	r.cbMu.RLock()
	cbs := make([]func(Node), len(r.onLost))
	copy(cbs, r.onLost)
	r.cbMu.RUnlock()

	for _, n := range lost {
		slog.Info("Peer lost", "node", n.ID, "last_seen", n.LastSeen)
		for _, fn := range cbs {
			go fn(n)
		}
	}
}
