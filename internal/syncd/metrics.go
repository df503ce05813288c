package syncd

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational counters for the daemon
type Metrics struct {
	startTime time.Time

	MessagesReceived atomic.Int64
	MessagesSent     atomic.Int64
	BytesReceived    atomic.Int64
	BytesSent        atomic.Int64

	SyncsStarted    atomic.Int64
	SyncsCompleted  atomic.Int64
	SyncsFailed     atomic.Int64
	DocsPushed      atomic.Int64
	DocsPulled      atomic.Int64
	ConflictsFound  atomic.Int64
	MergesApplied   atomic.Int64
	TombstonesMoved atomic.Int64

	AuthFailures   atomic.Int64
	TLSHandshakes  atomic.Int64
	TLSFailures    atomic.Int64
	RateLimitDrops atomic.Int64
	ReplaysDropped atomic.Int64
	CacheHits      atomic.Int64
	CacheMisses    atomic.Int64

	msgMu       sync.RWMutex
	msgReceived map[string]int64
	msgSent     map[string]int64

	latencyMu   sync.Mutex
	syncLatency []time.Duration
	latencyIdx  int
}

const maxLatencySamples = 100

// NewMetrics creates a metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:   time.Now(),
		msgReceived: make(map[string]int64),
		msgSent:     make(map[string]int64),
		syncLatency: make([]time.Duration, maxLatencySamples),
	}
}

// RecordMessageReceived counts one inbound message
func (m *Metrics) RecordMessageReceived(msgType string, size int) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.msgMu.Lock()
	m.msgReceived[msgType]++
	m.msgMu.Unlock()
}

// RecordMessageSent counts one outbound message
func (m *Metrics) RecordMessageSent(msgType string, size int) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.msgMu.Lock()
	m.msgSent[msgType]++
	m.msgMu.Unlock()
}

// RecordSyncLatency records one full sync round duration
func (m *Metrics) RecordSyncLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.syncLatency[m.latencyIdx] = d
	m.latencyIdx = (m.latencyIdx + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot is a point-in-time view of all metrics
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System struct {
		GoVersion    string `json:"go_version"`
		NumGoroutine int    `json:"num_goroutine"`
	} `json:"system"`

	Counters struct {
		MessagesReceived int64 `json:"messages_received"`
		MessagesSent     int64 `json:"messages_sent"`
		BytesReceived    int64 `json:"bytes_received"`
		BytesSent        int64 `json:"bytes_sent"`
		SyncsStarted     int64 `json:"syncs_started"`
		SyncsCompleted   int64 `json:"syncs_completed"`
		SyncsFailed      int64 `json:"syncs_failed"`
		DocsPushed       int64 `json:"docs_pushed"`
		DocsPulled       int64 `json:"docs_pulled"`
		ConflictsFound   int64 `json:"conflicts_found"`
		MergesApplied    int64 `json:"merges_applied"`
		TombstonesMoved  int64 `json:"tombstones_moved"`
		AuthFailures     int64 `json:"auth_failures"`
		TLSHandshakes    int64 `json:"tls_handshakes"`
		TLSFailures      int64 `json:"tls_failures"`
		RateLimitDrops   int64 `json:"rate_limit_drops"`
		ReplaysDropped   int64 `json:"replays_dropped"`
		CacheHits        int64 `json:"cache_hits"`
		CacheMisses      int64 `json:"cache_misses"`
	} `json:"counters"`

	MessagesByType struct {
		Received map[string]int64 `json:"received"`
		Sent     map[string]int64 `json:"sent"`
	} `json:"messages_by_type"`

	Gauges struct {
		KnownPeers   int   `json:"known_peers"`
		LiveSessions int   `json:"live_sessions"`
		ManifestDocs int   `json:"manifest_docs"`
		CacheEntries int   `json:"cache_entries"`
		CacheBytes   int64 `json:"cache_bytes"`
		ActiveSyncs  int   `json:"active_syncs"`
	} `json:"gauges"`

	SyncAvgMs float64 `json:"sync_avg_ms"`
	SyncMaxMs float64 `json:"sync_max_ms"`
}

// TakeSnapshot builds a snapshot; the gauges callback fills in values owned
// by the engine
func (m *Metrics) TakeSnapshot(gauges func(*Snapshot)) *Snapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	snap := &Snapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
	}
	snap.System.GoVersion = runtime.Version()
	snap.System.NumGoroutine = runtime.NumGoroutine()

	c := &snap.Counters
	c.MessagesReceived = m.MessagesReceived.Load()
	c.MessagesSent = m.MessagesSent.Load()
	c.BytesReceived = m.BytesReceived.Load()
	c.BytesSent = m.BytesSent.Load()
	c.SyncsStarted = m.SyncsStarted.Load()
	c.SyncsCompleted = m.SyncsCompleted.Load()
	c.SyncsFailed = m.SyncsFailed.Load()
	c.DocsPushed = m.DocsPushed.Load()
	c.DocsPulled = m.DocsPulled.Load()
	c.ConflictsFound = m.ConflictsFound.Load()
	c.MergesApplied = m.MergesApplied.Load()
	c.TombstonesMoved = m.TombstonesMoved.Load()
	c.AuthFailures = m.AuthFailures.Load()
	c.TLSHandshakes = m.TLSHandshakes.Load()
	c.TLSFailures = m.TLSFailures.Load()
	c.RateLimitDrops = m.RateLimitDrops.Load()
	c.ReplaysDropped = m.ReplaysDropped.Load()
	c.CacheHits = m.CacheHits.Load()
	c.CacheMisses = m.CacheMisses.Load()

	m.msgMu.RLock()
	snap.MessagesByType.Received = make(map[string]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		snap.MessagesByType.Received[k] = v
	}
	snap.MessagesByType.Sent = make(map[string]int64, len(m.msgSent))
	for k, v := range m.msgSent {
		snap.MessagesByType.Sent[k] = v
	}
	m.msgMu.RUnlock()

	m.latencyMu.Lock()
	var total, max time.Duration
	var n int
	for _, d := range m.syncLatency {
		if d > 0 {
			total += d
			n++
			if d > max {
				max = d
			}
		}
	}
	m.latencyMu.Unlock()
	if n > 0 {
		snap.SyncAvgMs = float64((total / time.Duration(n)).Microseconds()) / 1000
		snap.SyncMaxMs = float64(max.Microseconds()) / 1000
	}

	if gauges != nil {
		gauges(snap)
	}
	return snap
}
