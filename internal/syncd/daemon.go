package syncd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"trosync.dev/go/trosync/internal/auth"
	"trosync.dev/go/trosync/internal/manifest"
	"trosync.dev/go/trosync/internal/registry"
	"trosync.dev/go/trosync/internal/resolve"
	"trosync.dev/go/trosync/internal/retry"
	"trosync.dev/go/trosync/internal/store"
	"trosync.dev/go/trosync/internal/transfer"
)

const (
	// DefaultListenAddr is the sync listener address
	DefaultListenAddr = ":7946"

	// DefaultCacheBytes bounds the transfer payload cache
	DefaultCacheBytes = 64 << 20
)

// Options configures an Engine
type Options struct {
	NodeID   string
	NodeName string
	NodeType registry.NodeType

	ListenAddr string
	PSK        []byte

	Manifest *manifest.Store
	Store    store.Store

	TokenTTL time.Duration
	MaxSkew  time.Duration

	Retry        retry.Config
	CacheBytes   int64
	SyncInterval time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	RateLimit    *RateLimitConfig

	// SilenceTimeout ages quiet peers out of the registry
	SilenceTimeout time.Duration

	// PreTransfer runs after planning, before any document moves.
	// PostSettle runs after the round settles, with the final result.
	// Both are optional and called synchronously on the session goroutine.
	PreTransfer func(peer string, plan *resolve.Plan)
	PostSettle  func(peer string, res *Result)
}

// Engine ties the registry, auth, transfer, and resolution layers into the
// running daemon
type Engine struct {
	opts Options

	cert     tls.Certificate
	listener net.Listener

	auth     *auth.Manager
	registry *registry.Registry
	manifest *manifest.Store
	store    store.Store
	cache    *transfer.Cache
	limiter  *RateLimiter
	metrics  *Metrics
	bus      *EventBus

	mu      sync.Mutex
	syncing map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates opts and builds an engine
func New(opts Options) (*Engine, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("syncd: node id required")
	}
	if len(opts.PSK) == 0 {
		return nil, fmt.Errorf("syncd: pre-shared key required")
	}
	if opts.Manifest == nil || opts.Store == nil {
		return nil, fmt.Errorf("syncd: manifest and store required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.CacheBytes == 0 {
		opts.CacheBytes = DefaultCacheBytes
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}

	am, err := auth.NewManager(opts.PSK, opts.TokenTTL, opts.MaxSkew)
	if err != nil {
		return nil, err
	}

	return &Engine{
		opts:     opts,
		auth:     am,
		registry: registry.New(opts.NodeID, opts.SilenceTimeout),
		manifest: opts.Manifest,
		store:    opts.Store,
		cache:    transfer.NewCache(opts.CacheBytes),
		limiter:  NewRateLimiter(opts.RateLimit),
		metrics:  NewMetrics(),
		bus:      NewEventBus(),
		syncing:  make(map[string]bool),
	}, nil
}

// Registry exposes the peer registry for discovery backends
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Events exposes the daemon event bus
func (e *Engine) Events() *EventBus { return e.bus }

// Manifest exposes the local manifest store
func (e *Engine) Manifest() *manifest.Store { return e.manifest }

// Siblings returns the conflicting peer versions kept for a document
func (e *Engine) Siblings(docID string) ([]store.Sibling, error) {
	return e.store.Siblings(docID)
}

// Addr returns the bound listener address, valid after Start
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Start binds the listener and launches the background loops
func (e *Engine) Start(ctx context.Context) error {
	cert, err := newEphemeralCert(e.opts.NodeName)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	e.cert = cert

	listener, err := tls.Listen("tcp", e.opts.ListenAddr, serverTLSConfig(cert))
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.opts.ListenAddr, err)
	}
	e.listener = listener

	ctx, e.cancel = context.WithCancel(ctx)

	slog.Info("Sync engine started",
		"node", e.opts.NodeID, "type", e.opts.NodeType, "addr", listener.Addr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.acceptLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registry.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.auth.Run(ctx)
	}()

	if e.opts.SyncInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.autoSyncLoop(ctx)
		}()
	}

	// A new peer gets an immediate sync round rather than waiting for the
	// next tick.
	e.registry.OnDiscovered(func(n registry.Node) {
		if _, err := e.SyncPeer(ctx, n.ID); err != nil {
			slog.Warn("Initial sync with discovered peer failed", "peer", n.ID, "error", err)
		}
	})

	return nil
}

// Stop shuts the engine down and waits for the loops to finish
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	e.wg.Wait()

	if err := e.manifest.Save(); err != nil {
		slog.Error("Manifest save on shutdown failed", "error", err)
	}
	slog.Info("Sync engine stopped")
}

// autoSyncLoop periodically syncs with every known peer
func (e *Engine) autoSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range e.registry.List() {
				if _, err := e.SyncPeer(ctx, n.ID); err != nil {
					slog.Warn("Periodic sync failed", "peer", n.ID, "error", err)
				}
			}
		}
	}
}

// SyncPeer runs one full sync round against a known peer, with retry on
// transient failures. Only one round per peer runs at a time.
func (e *Engine) SyncPeer(ctx context.Context, nodeID string) (*Result, error) {
	peer, ok := e.registry.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", nodeID)
	}
	if peer.Port == 0 {
		return nil, fmt.Errorf("peer %s has not announced a sync port yet", nodeID)
	}

	e.mu.Lock()
	if e.syncing[nodeID] {
		e.mu.Unlock()
		return nil, fmt.Errorf("sync with %s already in progress", nodeID)
	}
	e.syncing[nodeID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.syncing, nodeID)
		e.mu.Unlock()
	}()

	e.metrics.SyncsStarted.Add(1)
	start := time.Now()

	var result *Result
	err := retry.Do(ctx, e.opts.Retry, "sync "+nodeID, func() error {
		session := e.newSession(peer)
		if err := session.run(ctx); err != nil {
			return err
		}
		result = &session.result
		return nil
	})
	if err != nil {
		e.metrics.SyncsFailed.Add(1)
		e.bus.Publish("sync.failed", map[string]any{"peer": nodeID, "error": err.Error()})
		return nil, err
	}

	e.metrics.SyncsCompleted.Add(1)
	e.metrics.RecordSyncLatency(time.Since(start))
	e.registry.Touch(nodeID)
	e.bus.Publish("sync.complete", result)
	return result, nil
}

// SyncAll syncs with every known peer and returns per-peer results
func (e *Engine) SyncAll(ctx context.Context) (map[string]*Result, map[string]error) {
	results := make(map[string]*Result)
	errs := make(map[string]error)
	for _, n := range e.registry.List() {
		res, err := e.SyncPeer(ctx, n.ID)
		if err != nil {
			errs[n.ID] = err
			continue
		}
		results[n.ID] = res
	}
	return results, errs
}

// PutDocument writes a local document and advances its version
func (e *Engine) PutDocument(docID string, data []byte, critical, mergeText bool) error {
	if err := e.store.Put(docID, data); err != nil {
		return err
	}

	entry := e.manifest.BumpLocal(docID, manifest.HashBytes(data), time.Now().UTC())
	entry.Critical = critical
	entry.MergeText = mergeText
	e.manifest.Put(entry)

	e.cache.InvalidateDoc(docID)
	e.bus.Publish("doc.updated", map[string]any{"doc": docID})
	return e.manifest.Save()
}

// GetDocument reads a local document with its manifest entry
func (e *Engine) GetDocument(docID string) ([]byte, manifest.Entry, error) {
	entry, ok := e.manifest.Get(docID)
	if !ok || entry.Deleted {
		return nil, manifest.Entry{}, fmt.Errorf("%w: %s", store.ErrNotFound, docID)
	}
	data, err := e.store.Get(docID)
	if err != nil {
		return nil, manifest.Entry{}, err
	}
	return data, entry, nil
}

// DeleteDocument tombstones a local document
func (e *Engine) DeleteDocument(docID string) error {
	if _, ok := e.manifest.Tombstone(docID, time.Now().UTC()); !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, docID)
	}
	if err := e.store.Delete(docID); err != nil {
		return err
	}
	e.cache.InvalidateDoc(docID)
	e.bus.Publish("doc.deleted", map[string]any{"doc": docID})
	return e.manifest.Save()
}

// ResolveConflict settles a locked document. choice is "local" to keep the
// local version, or the node id of a kept sibling to adopt that version.
// Either way the document gets a fresh dominant vector and unlocks.
func (e *Engine) ResolveConflict(docID, choice string) error {
	entry, ok := e.manifest.Get(docID)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, docID)
	}
	if !entry.Conflicted {
		return fmt.Errorf("document %s is not conflicted", docID)
	}

	var data []byte
	var err error
	if choice == "local" {
		data, err = e.store.Get(docID)
		if err != nil {
			return err
		}
	} else {
		siblings, err := e.store.Siblings(docID)
		if err != nil {
			return err
		}
		found := false
		for _, sib := range siblings {
			if sib.From == choice {
				data = sib.Data
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no sibling from %q for document %s", choice, docID)
		}
		if err := e.store.Put(docID, data); err != nil {
			return err
		}
	}

	entry.ContentHash = manifest.HashBytes(data)
	entry.UpdatedAt = time.Now().UTC()

	// The resolved vector must dominate every kept sibling, or the next
	// round would classify the resolution as just another concurrent edit.
	entry.Vector = entry.Vector.Clone()
	for _, v := range entry.SiblingVectors {
		entry.Vector = entry.Vector.Merge(v)
	}
	entry.Vector.Increment(e.opts.NodeID)
	entry.Conflicted = false
	entry.Deleted = false
	entry.SiblingVectors = nil
	e.manifest.Put(entry)

	if err = e.store.DropSiblings(docID); err != nil {
		return err
	}
	e.cache.InvalidateDoc(docID)

	slog.Info("Conflict resolved", "doc", docID, "choice", choice)
	e.bus.Publish("conflict.resolved", map[string]any{"doc": docID, "choice": choice})
	return e.manifest.Save()
}

// Conflicted lists documents locked for manual resolution
func (e *Engine) Conflicted() []manifest.Entry {
	var out []manifest.Entry
	for _, entry := range e.manifest.List() {
		if entry.Conflicted {
			out = append(out, entry)
		}
	}
	return out
}

// MetricsSnapshot returns a point-in-time metrics view
func (e *Engine) MetricsSnapshot() *Snapshot {
	return e.metrics.TakeSnapshot(func(s *Snapshot) {
		s.Gauges.KnownPeers = e.registry.Len()
		s.Gauges.LiveSessions = e.auth.Len()
		s.Gauges.ManifestDocs = e.manifest.Len()
		s.Gauges.CacheEntries = e.cache.Len()
		s.Gauges.CacheBytes = e.cache.Size()

		e.mu.Lock()
		s.Gauges.ActiveSyncs = len(e.syncing)
		e.mu.Unlock()
	})
}
