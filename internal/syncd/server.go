package syncd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"trosync.dev/go/trosync/internal/auth"
	"trosync.dev/go/trosync/internal/manifest"
	"trosync.dev/go/trosync/internal/protocol"
	"trosync.dev/go/trosync/internal/registry"
	"trosync.dev/go/trosync/internal/transfer"
)

const handshakeTimeout = 30 * time.Second

// acceptLoop accepts inbound sync connections until the listener closes
func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Error("Accept error", "error", err)
				continue
			}
		}
		go e.handleConn(ctx, conn)
	}
}

// peerConn is the responder side of one authenticated connection
type peerConn struct {
	engine  *Engine
	conn    net.Conn
	framer  *protocol.Framer
	replay  *protocol.ReplayWindow
	session *auth.Session

	// key starts as the pre-shared key and becomes the session key once
	// the handshake completes
	key []byte
}

func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		slog.Warn("Connection is not TLS", "addr", remote)
		e.metrics.TLSFailures.Add(1)
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "addr", remote, "error", err)
		e.metrics.TLSFailures.Add(1)
		return
	}
	e.metrics.TLSHandshakes.Add(1)

	pc := &peerConn{
		engine: e,
		conn:   conn,
		framer: protocol.NewFramer(conn, conn),
		replay: protocol.NewReplayWindow(time.Hour),
		key:    e.opts.PSK,
	}

	if err := pc.handshake(); err != nil {
		e.metrics.AuthFailures.Add(1)
		slog.Warn("Handshake failed", "addr", remote, "error", err)
		return
	}
	conn.SetDeadline(time.Time{})

	slog.Info("Peer session open", "node", pc.session.NodeID, "addr", remote)
	e.bus.Publish("peer.session", map[string]any{
		"node": pc.session.NodeID, "addr": remote,
	})

	pc.serve(ctx)
}

// handshake challenges the connecting peer and establishes a session
func (pc *peerConn) handshake() error {
	serverNonce, err := auth.NewNonce()
	if err != nil {
		return err
	}

	challenge := protocol.AuthChallenge{
		Nonce:      []byte(serverNonce),
		ServerTime: time.Now().UTC(),
	}
	if err := pc.send(protocol.MsgAuthChallenge, challenge); err != nil {
		return err
	}

	env, err := pc.recv()
	if err != nil {
		return err
	}
	if env.Type != protocol.MsgAuthRequest {
		pc.sendError(protocol.CodeAuthRequired, "authentication required")
		return fmt.Errorf("expected %s, got %s", protocol.MsgAuthRequest, env.Type)
	}

	var req protocol.AuthRequest
	if err := env.ParsePayload(&req); err != nil {
		return fmt.Errorf("parse auth request: %w", err)
	}

	if err := pc.engine.auth.CheckSkew(req.ClientTime, time.Now()); err != nil {
		pc.reject(protocol.CodeClockSkew, err.Error())
		return err
	}

	clientNonce := string(req.Nonce)
	if err := pc.engine.auth.VerifyProof(serverNonce, clientNonce, req.NodeID, string(req.Proof)); err != nil {
		pc.reject(protocol.CodeAccessDenied, "challenge proof mismatch")
		return fmt.Errorf("peer %s: %w", req.NodeID, err)
	}

	session, err := pc.engine.auth.Establish(req.NodeID, registry.NodeType(req.NodeType), serverNonce, clientNonce)
	if err != nil {
		return err
	}
	pc.session = session

	resp := protocol.AuthResponse{Token: session.Token, ExpiresAt: session.ExpiresAt}
	if err := pc.send(protocol.MsgAuthResponse, resp); err != nil {
		return err
	}

	// Everything after this point is signed with the session key.
	pc.key = session.Key

	// An inbound connection proves the peer is alive even if its
	// announcements are not reaching us.
	pc.engine.registry.Upsert(registry.Node{
		ID:       req.NodeID,
		Name:     req.NodeName,
		Type:     registry.NodeType(req.NodeType),
		Addr:     hostOnly(pc.conn.RemoteAddr().String()),
		LastSeen: time.Now(),
	})
	return nil
}

// serve dispatches messages for the life of the connection
func (pc *peerConn) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := pc.recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Peer connection closed", "node", pc.session.NodeID, "error", err)
			}
			return
		}

		if err := pc.dispatch(env); err != nil {
			slog.Warn("Request failed", "node", pc.session.NodeID, "type", env.Type, "error", err)
			return
		}
	}
}

func (pc *peerConn) dispatch(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgSyncRequest:
		var req protocol.SyncRequest
		if err := env.ParsePayload(&req); err != nil {
			pc.sendError(protocol.CodeInvalidRequest, "malformed sync request")
			return err
		}
		if err := pc.checkToken(req.Token); err != nil {
			return err
		}
		if len(req.Want) > 0 {
			return pc.handleWant(req)
		}
		return pc.handleManifest(req)

	case protocol.MsgSyncData:
		var data protocol.SyncData
		if err := env.ParsePayload(&data); err != nil {
			pc.sendError(protocol.CodeInvalidRequest, "malformed sync data")
			return err
		}
		if err := pc.checkToken(data.Token); err != nil {
			return err
		}
		return pc.handlePush(data)

	case protocol.MsgSyncAck:
		// Client acknowledgement of a served batch; nothing to do.
		return nil

	case protocol.MsgSyncComplete:
		var done protocol.SyncComplete
		if err := env.ParsePayload(&done); err != nil {
			return err
		}
		if err := pc.engine.manifest.Save(); err != nil {
			return fmt.Errorf("save manifest: %w", err)
		}
		pc.engine.metrics.SyncsCompleted.Add(1)
		slog.Info("Peer finished sync round",
			"node", pc.session.NodeID,
			"pushed", done.Pushed, "pulled", done.Pulled, "conflicts", done.Conflicts)
		pc.engine.bus.Publish("sync.peer_complete", map[string]any{
			"node": pc.session.NodeID, "pushed": done.Pushed, "pulled": done.Pulled,
		})
		return nil

	case protocol.MsgHeartbeat:
		pc.engine.registry.Touch(pc.session.NodeID)
		return pc.send(protocol.MsgHeartbeat, protocol.Heartbeat{Token: pc.session.Token})

	default:
		pc.sendError(protocol.CodeInvalidRequest, fmt.Sprintf("unexpected message %s", env.Type))
		return fmt.Errorf("unexpected message %s", env.Type)
	}
}

// handleManifest answers a manifest exchange with our full manifest
func (pc *peerConn) handleManifest(req protocol.SyncRequest) error {
	pc.engine.metrics.SyncsStarted.Add(1)

	entries := pc.engine.manifest.List()
	docs := make([]protocol.DocPayload, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, protocol.DocPayload{
			ID:        e.DocID,
			Hash:      e.ContentHash,
			Vector:    e.Vector,
			UpdatedAt: e.UpdatedAt,
			Critical:  e.Critical,
			Deleted:   e.Deleted,
			MergeText: e.MergeText,
		})
	}

	slog.Debug("Manifest exchange",
		"node", pc.session.NodeID, "theirs", len(req.Documents), "ours", len(docs))

	return pc.send(protocol.MsgSyncData, protocol.SyncData{
		Token:     pc.session.Token,
		Documents: docs,
	})
}

// handleWant serves a batch of document contents
func (pc *peerConn) handleWant(req protocol.SyncRequest) error {
	resp := protocol.SyncData{
		Token:   pc.session.Token,
		Batch:   req.Batch,
		Batches: req.Batches,
	}

	for _, w := range req.Want {
		entry, ok := pc.engine.manifest.Get(w.ID)
		if !ok || entry.ContentHash != w.Hash {
			// The requested revision is gone; skip it and let the peer
			// pick it up next round.
			slog.Debug("Requested revision unavailable", "doc", w.ID, "hash", w.Hash)
			continue
		}
		if w.Have != "" && w.Have == entry.ContentHash {
			resp.NotModified = append(resp.NotModified, w.ID)
			continue
		}
		doc, err := pc.engine.buildPayload(entry)
		if err != nil {
			slog.Warn("Cannot serve document", "doc", w.ID, "error", err)
			continue
		}
		resp.Documents = append(resp.Documents, doc)
	}

	return pc.send(protocol.MsgSyncData, resp)
}

// handlePush applies a batch of documents the peer resolved in our
// direction
func (pc *peerConn) handlePush(data protocol.SyncData) error {
	applied := 0
	for _, doc := range data.Documents {
		if err := pc.applyDoc(doc); err != nil {
			slog.Warn("Failed to apply pushed document",
				"node", pc.session.NodeID, "doc", doc.ID, "error", err)
			return pc.send(protocol.MsgSyncAck, protocol.SyncAck{
				Token:  pc.session.Token,
				Batch:  data.Batch,
				Code:   protocol.CodeInvalidRequest,
				Reason: fmt.Sprintf("document %s: %v", doc.ID, err),
			})
		}
		applied++
	}

	return pc.send(protocol.MsgSyncAck, protocol.SyncAck{
		Token:   pc.session.Token,
		Batch:   data.Batch,
		Applied: applied,
	})
}

// applyDoc installs one pushed document
func (pc *peerConn) applyDoc(doc protocol.DocPayload) error {
	entry := payloadToEntry(doc)

	if local, ok := pc.engine.manifest.Get(doc.ID); ok {
		// A locked document never accepts automatic writes.
		if local.Conflicted {
			return fmt.Errorf("document is locked pending manual resolution")
		}
		// Reject regressions: an incoming entry must not be causally
		// behind what we already hold.
		if manifest.Compare(entry.Vector, local.Vector) == manifest.Dominated {
			return fmt.Errorf("stale vector %v behind local %v", entry.Vector, local.Vector)
		}
	}

	if doc.Deleted {
		if err := pc.engine.store.Delete(doc.ID); err != nil {
			return err
		}
		pc.engine.metrics.TombstonesMoved.Add(1)
	} else {
		content, err := transfer.Decode(doc.Data, doc.Encoding, doc.Hash)
		if err != nil {
			return err
		}
		if err := pc.engine.store.Put(doc.ID, content); err != nil {
			return err
		}
	}

	pc.engine.cache.InvalidateDoc(doc.ID)
	pc.engine.manifest.Put(entry)
	pc.engine.metrics.DocsPulled.Add(1)

	pc.engine.bus.Publish("doc.received", map[string]any{
		"doc": doc.ID, "peer": pc.session.NodeID,
	})
	return nil
}

// checkToken validates the session token carried in a request
func (pc *peerConn) checkToken(token string) error {
	if token != pc.session.Token {
		pc.sendError(protocol.CodeInvalidToken, "unknown session token")
		return fmt.Errorf("token mismatch from %s", pc.session.NodeID)
	}
	if _, err := pc.engine.auth.Validate(token); err != nil {
		pc.sendError(protocol.CodeInvalidToken, "session expired")
		return err
	}
	return nil
}

// recv reads and validates one envelope
func (pc *peerConn) recv() (*protocol.Envelope, error) {
	env, size, err := pc.framer.ReadEnvelopeWithSize()
	if err != nil {
		return nil, err
	}
	pc.engine.metrics.RecordMessageReceived(string(env.Type), size)

	nodeID := "unauthenticated"
	if pc.session != nil {
		nodeID = pc.session.NodeID
	}

	if err := pc.engine.limiter.Allow(nodeID, env.Type, size); err != nil {
		pc.engine.metrics.RateLimitDrops.Add(1)
		pc.sendError(protocol.CodeRateLimited, err.Error())
		return nil, err
	}
	if err := env.Verify(pc.key); err != nil {
		return nil, fmt.Errorf("message from %s: %w", nodeID, err)
	}
	if env.Expired(time.Now(), protocol.MessageTTL) {
		pc.engine.metrics.ReplaysDropped.Add(1)
		return nil, fmt.Errorf("stale message from %s", nodeID)
	}
	if pc.replay.Observe(env.MessageID) {
		pc.engine.metrics.ReplaysDropped.Add(1)
		return nil, fmt.Errorf("replayed message from %s", nodeID)
	}
	return env, nil
}

func (pc *peerConn) send(msgType protocol.MessageType, payload any) error {
	src := protocol.Source{NodeID: pc.engine.opts.NodeID, NodeName: pc.engine.opts.NodeName}
	if err := pc.framer.Send(msgType, src, payload, pc.key); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	pc.engine.metrics.RecordMessageSent(string(msgType), 0)
	return nil
}

func (pc *peerConn) sendError(code protocol.ErrorCode, reason string) {
	pc.send(protocol.MsgError, protocol.ErrorPayload{Code: code, Reason: reason})
}

// reject answers a failed handshake with a coded AUTH_RESPONSE
func (pc *peerConn) reject(code protocol.ErrorCode, reason string) {
	pc.send(protocol.MsgAuthResponse, protocol.AuthResponse{Code: code, Reason: reason})
}

// hostOnly strips the port from an address
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
