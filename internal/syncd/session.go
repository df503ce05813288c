// Package syncd is the synchronization daemon: it listens for peers,
// initiates sync rounds against discovered nodes, and applies the
// deterministic resolution plan on both ends.
package syncd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"trosync.dev/go/trosync/internal/auth"
	"trosync.dev/go/trosync/internal/manifest"
	"trosync.dev/go/trosync/internal/protocol"
	"trosync.dev/go/trosync/internal/registry"
	"trosync.dev/go/trosync/internal/resolve"
	"trosync.dev/go/trosync/internal/retry"
	"trosync.dev/go/trosync/internal/transfer"
)

// State tracks where a sync session is in its lifecycle
type State int

const (
	StateIdle State = iota
	StateDiscovered
	StateAuthenticating
	StateManifestExchange
	StatePlanning
	StateTransferring
	StateSettling
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovered:
		return "discovered"
	case StateAuthenticating:
		return "authenticating"
	case StateManifestExchange:
		return "manifest_exchange"
	case StatePlanning:
		return "planning"
	case StateTransferring:
		return "transferring"
	case StateSettling:
		return "settling"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// DefaultBatchSize caps documents per transfer batch
	DefaultBatchSize = 100

	// DefaultBatchTimeout bounds one batch round trip
	DefaultBatchTimeout = 60 * time.Second

	dialTimeout = 15 * time.Second
)

// Result summarizes one completed sync round
type Result struct {
	Peer        string        `json:"peer"`
	Pushed      int           `json:"pushed"`
	Pulled      int           `json:"pulled"`
	Merged      int           `json:"merged"`
	Conflicts   int           `json:"conflicts"`
	NotModified int           `json:"not_modified"`
	Duration    time.Duration `json:"duration"`
}

// syncSession is the initiating side of one sync round
type syncSession struct {
	engine *Engine
	peer   registry.Node

	conn   net.Conn
	framer *protocol.Framer
	replay *protocol.ReplayWindow

	// key is the pre-shared key during the handshake, then the derived
	// session key for everything after AUTH_RESPONSE
	key   []byte
	token string

	state  State
	result Result

	// remote is the peer's manifest as exchanged this round. The protocol
	// is client driven: the responder never plans, so any entry we resolve
	// to a vector the responder does not hold must be echoed back.
	remote map[string]manifest.Entry
	echo   []manifest.Entry
}

func (e *Engine) newSession(peer registry.Node) *syncSession {
	return &syncSession{
		engine: e,
		peer:   peer,
		replay: protocol.NewReplayWindow(time.Hour),
		key:    e.opts.PSK,
		state:  StateDiscovered,
		result: Result{Peer: peer.ID},
	}
}

func (s *syncSession) setState(next State) {
	s.state = next
	s.engine.bus.Publish("sync.state", map[string]any{
		"peer":  s.peer.ID,
		"state": next.String(),
	})
}

// run performs one full sync round against the peer
func (s *syncSession) run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		s.result.Duration = time.Since(start)
		if s.conn != nil {
			s.conn.Close()
		}
		if err != nil {
			s.setState(StateError)
		} else {
			s.setState(StateIdle)
		}
	}()

	if err := s.dial(ctx); err != nil {
		return err
	}
	if err := s.handshake(); err != nil {
		return err
	}

	s.setState(StateManifestExchange)
	remote, err := s.exchangeManifests()
	if err != nil {
		return err
	}
	s.remote = make(map[string]manifest.Entry, len(remote))
	for _, e := range remote {
		s.remote[e.DocID] = e
	}

	s.setState(StatePlanning)
	local := s.engine.manifest.List()
	plan := resolve.BuildPlan(s.engine.opts.NodeID, s.peer.ID, local, remote)
	if hook := s.engine.opts.PreTransfer; hook != nil {
		hook(s.peer.ID, &plan)
	}

	s.setState(StateTransferring)
	if err := s.applyAligns(plan.Aligns); err != nil {
		return err
	}
	if err := s.pullAll(plan.Pulls); err != nil {
		return err
	}
	if err := s.pushAll(plan.Pushes); err != nil {
		return err
	}
	if err := s.mergeAll(plan.Merges); err != nil {
		return err
	}
	if err := s.conflictAll(plan.Conflicts); err != nil {
		return err
	}
	if err := s.echoResolved(); err != nil {
		return err
	}

	s.setState(StateSettling)
	if err := s.engine.manifest.Save(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := s.sendComplete(); err != nil {
		return err
	}
	s.result.Duration = time.Since(start)
	if hook := s.engine.opts.PostSettle; hook != nil {
		hook(s.peer.ID, &s.result)
	}

	slog.Info("Sync round complete",
		"peer", s.peer.ID,
		"pushed", s.result.Pushed,
		"pulled", s.result.Pulled,
		"merged", s.result.Merged,
		"conflicts", s.result.Conflicts,
		"duration", s.result.Duration.Round(time.Millisecond),
	)
	return nil
}

func (s *syncSession) dial(ctx context.Context) error {
	addr := net.JoinHostPort(s.peer.Addr, fmt.Sprintf("%d", s.peer.Port))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    clientTLSConfig(s.engine.cert),
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.engine.metrics.TLSFailures.Add(1)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	s.engine.metrics.TLSHandshakes.Add(1)

	s.conn = conn
	s.framer = protocol.NewFramer(conn, conn)
	return nil
}

// handshake runs the three-step challenge-response and switches to the
// derived session key
func (s *syncSession) handshake() error {
	s.setState(StateAuthenticating)
	s.conn.SetDeadline(time.Now().Add(s.engine.opts.BatchTimeout))
	defer s.conn.SetDeadline(time.Time{})

	env, err := s.recv(protocol.MsgAuthChallenge)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	var challenge protocol.AuthChallenge
	if err := env.ParsePayload(&challenge); err != nil {
		return fmt.Errorf("parse challenge: %w", err)
	}

	if err := s.engine.auth.CheckSkew(challenge.ServerTime, time.Now()); err != nil {
		return retry.Permanent(err)
	}

	clientNonce, err := auth.NewNonce()
	if err != nil {
		return err
	}
	serverNonce := string(challenge.Nonce)

	req := protocol.AuthRequest{
		NodeID:     s.engine.opts.NodeID,
		NodeType:   string(s.engine.opts.NodeType),
		NodeName:   s.engine.opts.NodeName,
		Nonce:      []byte(clientNonce),
		Proof:      []byte(auth.Proof(s.engine.opts.PSK, serverNonce, clientNonce, s.engine.opts.NodeID)),
		ClientTime: time.Now().UTC(),
	}
	if err := s.send(protocol.MsgAuthRequest, req); err != nil {
		return err
	}

	env, err = s.recv(protocol.MsgAuthResponse)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	var resp protocol.AuthResponse
	if err := env.ParsePayload(&resp); err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}
	if resp.Code != "" {
		s.engine.metrics.AuthFailures.Add(1)
		return retry.Permanent(fmt.Errorf("authentication rejected: %s: %s", resp.Code, resp.Reason))
	}

	key, err := auth.DeriveKey(s.engine.opts.PSK, serverNonce, clientNonce)
	if err != nil {
		return err
	}
	s.key = key
	s.token = resp.Token

	slog.Debug("Authenticated with peer", "peer", s.peer.ID, "expires_at", resp.ExpiresAt)
	return nil
}

// exchangeManifests sends our manifest and returns the peer's
func (s *syncSession) exchangeManifests() ([]manifest.Entry, error) {
	req := protocol.SyncRequest{
		Token:     s.token,
		Documents: manifestToWire(s.engine.manifest.List()),
	}
	if err := s.send(protocol.MsgSyncRequest, req); err != nil {
		return nil, err
	}

	env, err := s.recv(protocol.MsgSyncData)
	if err != nil {
		return nil, fmt.Errorf("read manifest response: %w", err)
	}
	var data protocol.SyncData
	if err := env.ParsePayload(&data); err != nil {
		return nil, fmt.Errorf("parse manifest response: %w", err)
	}

	entries := make([]manifest.Entry, 0, len(data.Documents))
	for _, doc := range data.Documents {
		entries = append(entries, payloadToEntry(doc))
	}
	return entries, nil
}

// applyAligns converges local vectors for documents whose content already
// matches the peer's
func (s *syncSession) applyAligns(aligns []manifest.Entry) error {
	for _, e := range aligns {
		s.engine.manifest.Put(e)
		s.markEcho(e)
	}
	return nil
}

// markEcho queues a resolved entry for sending back when its vector is
// news to the peer
func (s *syncSession) markEcho(e manifest.Entry) {
	if r, ok := s.remote[e.DocID]; ok && manifest.Compare(e.Vector, r.Vector) == manifest.Equal {
		return
	}
	s.echo = append(s.echo, e)
}

// pullAll fetches remote content for the pull side of the plan in batches
func (s *syncSession) pullAll(pulls []resolve.Transfer) error {
	if len(pulls) == 0 {
		return nil
	}

	batches := splitBatches(len(pulls), s.engine.opts.BatchSize)
	for i := 0; i < batches; i++ {
		batch := sliceBatch(pulls, i, s.engine.opts.BatchSize)
		if err := s.pullBatch(batch, i+1, batches); err != nil {
			return fmt.Errorf("pull batch %d/%d: %w", i+1, batches, err)
		}
	}
	return nil
}

func (s *syncSession) pullBatch(batch []resolve.Transfer, num, total int) error {
	s.conn.SetDeadline(time.Now().Add(s.engine.opts.BatchTimeout))
	defer s.conn.SetDeadline(time.Time{})

	want := make([]protocol.WantDoc, 0, len(batch))
	byID := make(map[string]resolve.Transfer, len(batch))
	for _, tr := range batch {
		byID[tr.DocID] = tr
		w := protocol.WantDoc{ID: tr.DocID, Hash: tr.Entry.ContentHash}
		// Tombstones move no bytes; skip the content request entirely.
		if tr.Entry.Deleted {
			s.applyPull(tr, nil)
			continue
		}
		if local, ok := s.engine.manifest.Get(tr.DocID); ok {
			w.Have = local.ContentHash
		}
		want = append(want, w)
	}
	if len(want) == 0 {
		return nil
	}

	req := protocol.SyncRequest{Token: s.token, Want: want, Batch: num, Batches: total}
	if err := s.send(protocol.MsgSyncRequest, req); err != nil {
		return err
	}

	env, err := s.recv(protocol.MsgSyncData)
	if err != nil {
		return err
	}
	var data protocol.SyncData
	if err := env.ParsePayload(&data); err != nil {
		return fmt.Errorf("parse sync data: %w", err)
	}

	applied := 0
	for _, doc := range data.Documents {
		tr, ok := byID[doc.ID]
		if !ok {
			slog.Warn("Unrequested document in batch, skipping", "peer", s.peer.ID, "doc", doc.ID)
			continue
		}
		content, err := transfer.Decode(doc.Data, doc.Encoding, tr.Entry.ContentHash)
		if err != nil {
			return retry.Permanent(fmt.Errorf("document %s: %w", doc.ID, err))
		}
		if err := s.applyPull(tr, content); err != nil {
			return err
		}
		applied++
	}

	// NotModified: the peer confirmed our bytes already match; install the
	// resolved entry without moving content.
	for _, id := range data.NotModified {
		tr, ok := byID[id]
		if !ok {
			continue
		}
		if err := s.applyPull(tr, nil); err != nil {
			return err
		}
		s.result.NotModified++
		s.engine.metrics.CacheHits.Add(1)
	}

	ack := protocol.SyncAck{Token: s.token, Batch: num, Applied: applied}
	return s.send(protocol.MsgSyncAck, ack)
}

// applyPull installs one pulled document locally. content nil means the
// bytes are already present (tombstone or not-modified).
func (s *syncSession) applyPull(tr resolve.Transfer, content []byte) error {
	if tr.Entry.Deleted {
		if err := s.engine.store.Delete(tr.DocID); err != nil {
			return fmt.Errorf("apply tombstone %s: %w", tr.DocID, err)
		}
		s.engine.metrics.TombstonesMoved.Add(1)
	} else if content != nil {
		if err := s.engine.store.Put(tr.DocID, content); err != nil {
			return fmt.Errorf("store document %s: %w", tr.DocID, err)
		}
	}

	s.engine.cache.InvalidateDoc(tr.DocID)
	s.engine.manifest.Put(tr.Entry)
	s.markEcho(tr.Entry)
	s.engine.metrics.DocsPulled.Add(1)
	s.result.Pulled++

	s.engine.bus.Publish("doc.pulled", map[string]any{
		"doc": tr.DocID, "peer": s.peer.ID, "reason": tr.Reason,
	})
	return nil
}

// pushAll sends the push side of the plan in batches
func (s *syncSession) pushAll(pushes []resolve.Transfer) error {
	if len(pushes) == 0 {
		return nil
	}

	batches := splitBatches(len(pushes), s.engine.opts.BatchSize)
	for i := 0; i < batches; i++ {
		batch := sliceBatch(pushes, i, s.engine.opts.BatchSize)
		if err := s.pushBatch(batch, i+1, batches); err != nil {
			return fmt.Errorf("push batch %d/%d: %w", i+1, batches, err)
		}
	}
	return nil
}

func (s *syncSession) pushBatch(batch []resolve.Transfer, num, total int) error {
	s.conn.SetDeadline(time.Now().Add(s.engine.opts.BatchTimeout))
	defer s.conn.SetDeadline(time.Time{})

	docs := make([]protocol.DocPayload, 0, len(batch))
	for _, tr := range batch {
		doc, err := s.engine.buildPayload(tr.Entry)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		// The push also resolves our own entry (LWW merges vectors).
		s.engine.manifest.Put(tr.Entry)
	}

	data := protocol.SyncData{Token: s.token, Documents: docs, Batch: num, Batches: total}
	if err := s.send(protocol.MsgSyncData, data); err != nil {
		return err
	}

	env, err := s.recv(protocol.MsgSyncAck)
	if err != nil {
		return err
	}
	var ack protocol.SyncAck
	if err := env.ParsePayload(&ack); err != nil {
		return fmt.Errorf("parse ack: %w", err)
	}
	if ack.Code != "" {
		return retry.Permanent(fmt.Errorf("peer rejected batch: %s: %s", ack.Code, ack.Reason))
	}

	s.engine.metrics.DocsPushed.Add(int64(len(docs)))
	s.result.Pushed += len(docs)
	return nil
}

// mergeAll fetches remote content for merge candidates, merges, and pushes
// the result. A failed merge falls back to the manual conflict path.
func (s *syncSession) mergeAll(merges []resolve.TextMerge) error {
	for _, m := range merges {
		if err := s.mergeOne(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncSession) mergeOne(m resolve.TextMerge) error {
	remoteData, err := s.fetchOne(m.DocID, m.Remote.ContentHash)
	if err != nil {
		return err
	}
	localData, err := s.engine.store.Get(m.DocID)
	if err != nil {
		return fmt.Errorf("read local %s: %w", m.DocID, err)
	}

	merged, mergeErr := resolve.MergeText(localData, remoteData)
	if mergeErr != nil {
		slog.Warn("Text merge failed, falling back to manual conflict",
			"doc", m.DocID, "error", mergeErr)
		return s.applyConflict(resolve.Conflict{DocID: m.DocID, Local: m.Local, Remote: m.Remote}, remoteData)
	}

	entry := m.Entry
	entry.ContentHash = manifest.HashBytes(merged)
	entry.UpdatedAt = time.Now().UTC()

	if err := s.engine.store.Put(m.DocID, merged); err != nil {
		return fmt.Errorf("store merged %s: %w", m.DocID, err)
	}
	s.engine.cache.InvalidateDoc(m.DocID)
	s.engine.manifest.Put(entry)

	// Ship the merged revision so the peer converges in the same round.
	doc, err := s.engine.buildPayload(entry)
	if err != nil {
		return err
	}
	if err := s.send(protocol.MsgSyncData, protocol.SyncData{Token: s.token, Documents: []protocol.DocPayload{doc}, Batch: 1, Batches: 1}); err != nil {
		return err
	}
	if _, err := s.recv(protocol.MsgSyncAck); err != nil {
		return err
	}

	s.engine.metrics.MergesApplied.Add(1)
	s.result.Merged++
	s.engine.bus.Publish("doc.merged", map[string]any{"doc": m.DocID, "peer": s.peer.ID})
	return nil
}

// conflictAll parks critical concurrent edits for manual resolution
func (s *syncSession) conflictAll(conflicts []resolve.Conflict) error {
	for _, c := range conflicts {
		remoteData, err := s.fetchOne(c.DocID, c.Remote.ContentHash)
		if err != nil {
			return err
		}
		if err := s.applyConflict(c, remoteData); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncSession) applyConflict(c resolve.Conflict, remoteData []byte) error {
	if err := s.engine.store.PutSibling(c.DocID, s.peer.ID, remoteData); err != nil {
		return fmt.Errorf("keep sibling %s: %w", c.DocID, err)
	}
	s.engine.manifest.RecordSibling(c.DocID, s.peer.ID, c.Remote.Vector)
	s.engine.metrics.ConflictsFound.Add(1)
	s.result.Conflicts++

	slog.Warn("Conflict requires manual resolution", "doc", c.DocID, "peer", s.peer.ID)
	s.engine.bus.Publish("sync.conflict", map[string]any{
		"doc":         c.DocID,
		"peer":        s.peer.ID,
		"local_hash":  c.Local.ContentHash,
		"remote_hash": c.Remote.ContentHash,
	})
	return nil
}

// echoResolved ships the entries this round resolved on the peer's behalf
// so both manifests converge without waiting for the peer's own next round
func (s *syncSession) echoResolved() error {
	if len(s.echo) == 0 {
		return nil
	}

	batches := splitBatches(len(s.echo), s.engine.opts.BatchSize)
	for i := 0; i < batches; i++ {
		batch := sliceBatch(s.echo, i, s.engine.opts.BatchSize)
		if err := s.echoBatch(batch, i+1, batches); err != nil {
			return fmt.Errorf("echo batch %d/%d: %w", i+1, batches, err)
		}
	}
	return nil
}

func (s *syncSession) echoBatch(batch []manifest.Entry, num, total int) error {
	s.conn.SetDeadline(time.Now().Add(s.engine.opts.BatchTimeout))
	defer s.conn.SetDeadline(time.Time{})

	docs := make([]protocol.DocPayload, 0, len(batch))
	for _, entry := range batch {
		doc, err := s.engine.buildPayload(entry)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	data := protocol.SyncData{Token: s.token, Documents: docs, Batch: num, Batches: total}
	if err := s.send(protocol.MsgSyncData, data); err != nil {
		return err
	}

	env, err := s.recv(protocol.MsgSyncAck)
	if err != nil {
		return err
	}
	var ack protocol.SyncAck
	if err := env.ParsePayload(&ack); err != nil {
		return fmt.Errorf("parse ack: %w", err)
	}
	if ack.Code != "" {
		return retry.Permanent(fmt.Errorf("peer rejected resolution: %s: %s", ack.Code, ack.Reason))
	}
	return nil
}

// fetchOne pulls a single document's raw content from the peer
func (s *syncSession) fetchOne(docID, wantHash string) ([]byte, error) {
	s.conn.SetDeadline(time.Now().Add(s.engine.opts.BatchTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req := protocol.SyncRequest{
		Token: s.token,
		Want:  []protocol.WantDoc{{ID: docID, Hash: wantHash}},
		Batch: 1, Batches: 1,
	}
	if err := s.send(protocol.MsgSyncRequest, req); err != nil {
		return nil, err
	}

	env, err := s.recv(protocol.MsgSyncData)
	if err != nil {
		return nil, err
	}
	var data protocol.SyncData
	if err := env.ParsePayload(&data); err != nil {
		return nil, fmt.Errorf("parse sync data: %w", err)
	}
	if len(data.Documents) != 1 || data.Documents[0].ID != docID {
		return nil, retry.Permanent(fmt.Errorf("peer did not return document %s", docID))
	}

	content, err := transfer.Decode(data.Documents[0].Data, data.Documents[0].Encoding, wantHash)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("document %s: %w", docID, err))
	}

	if err := s.send(protocol.MsgSyncAck, protocol.SyncAck{Token: s.token, Batch: 1, Applied: 1}); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *syncSession) sendComplete() error {
	return s.send(protocol.MsgSyncComplete, protocol.SyncComplete{
		Token:     s.token,
		Pushed:    s.result.Pushed,
		Pulled:    s.result.Pulled,
		Conflicts: s.result.Conflicts,
	})
}

// send writes one signed envelope
func (s *syncSession) send(msgType protocol.MessageType, payload any) error {
	src := protocol.Source{NodeID: s.engine.opts.NodeID, NodeName: s.engine.opts.NodeName}
	if err := s.framer.Send(msgType, src, payload, s.key); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	s.engine.metrics.RecordMessageSent(string(msgType), 0)
	return nil
}

// recv reads one envelope, enforces signature, freshness, and replay
// checks, and requires the expected type. A peer-reported error becomes a
// permanent (non-retryable) error.
func (s *syncSession) recv(want protocol.MessageType) (*protocol.Envelope, error) {
	env, size, err := s.framer.ReadEnvelopeWithSize()
	if err != nil {
		return nil, err
	}
	s.engine.metrics.RecordMessageReceived(string(env.Type), size)

	if err := env.Verify(s.key); err != nil {
		return nil, retry.Permanent(fmt.Errorf("message from %s: %w", s.peer.ID, err))
	}
	if env.Expired(time.Now(), protocol.MessageTTL) {
		s.engine.metrics.ReplaysDropped.Add(1)
		return nil, retry.Permanent(fmt.Errorf("stale message from %s", s.peer.ID))
	}
	if s.replay.Observe(env.MessageID) {
		s.engine.metrics.ReplaysDropped.Add(1)
		return nil, retry.Permanent(fmt.Errorf("replayed message from %s", s.peer.ID))
	}

	if env.Type == protocol.MsgError {
		var ep protocol.ErrorPayload
		env.ParsePayload(&ep)
		return nil, retry.Permanent(fmt.Errorf("peer error: %s: %s", ep.Code, ep.Reason))
	}
	if env.Type != want {
		return nil, retry.Permanent(fmt.Errorf("unexpected message %s, want %s", env.Type, want))
	}
	return env, nil
}

// buildPayload encodes a document for transfer, using the payload cache
func (e *Engine) buildPayload(entry manifest.Entry) (protocol.DocPayload, error) {
	doc := protocol.DocPayload{
		ID:        entry.DocID,
		Hash:      entry.ContentHash,
		Vector:    entry.Vector,
		UpdatedAt: entry.UpdatedAt,
		Critical:  entry.Critical,
		Deleted:   entry.Deleted,
		MergeText: entry.MergeText,
	}
	if entry.Deleted {
		return doc, nil
	}

	if data, encoding, ok := e.cache.Get(entry.DocID, entry.ContentHash); ok {
		e.metrics.CacheHits.Add(1)
		doc.Data, doc.Encoding = data, encoding
		return doc, nil
	}
	e.metrics.CacheMisses.Add(1)

	content, err := e.store.Get(entry.DocID)
	if err != nil {
		return doc, fmt.Errorf("read document %s: %w", entry.DocID, err)
	}
	payload, encoding, err := transfer.Encode(content)
	if err != nil {
		return doc, err
	}
	e.cache.Put(entry.DocID, entry.ContentHash, payload, encoding)
	doc.Data, doc.Encoding = payload, encoding
	return doc, nil
}

// manifestToWire converts manifest entries to their wire form
func manifestToWire(entries []manifest.Entry) []protocol.ManifestDoc {
	out := make([]protocol.ManifestDoc, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.ManifestDoc{
			ID:          e.DocID,
			Vector:      e.Vector,
			VersionHash: e.ContentHash,
			UpdatedAt:   e.UpdatedAt,
			Critical:    e.Critical,
			Deleted:     e.Deleted,
			MergeText:   e.MergeText,
		})
	}
	return out
}

// payloadToEntry converts a wire document back to a manifest entry
func payloadToEntry(doc protocol.DocPayload) manifest.Entry {
	return manifest.Entry{
		DocID:       doc.ID,
		Vector:      doc.Vector,
		ContentHash: doc.Hash,
		UpdatedAt:   doc.UpdatedAt,
		Critical:    doc.Critical,
		Deleted:     doc.Deleted,
		MergeText:   doc.MergeText,
	}
}

// splitBatches returns how many batches of size are needed for n documents
func splitBatches(n, size int) int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return (n + size - 1) / size
}

// sliceBatch returns the i-th batch of size from items
func sliceBatch[T any](items []T, i, size int) []T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	lo := i * size
	hi := lo + size
	if hi > len(items) {
		hi = len(items)
	}
	return items[lo:hi]
}
