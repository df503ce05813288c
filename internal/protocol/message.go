package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Version information
const (
	ProtocolVersion    = "1.0.0"
	MinProtocolVersion = "1.0.0"
)

// MessageTTL is how long an envelope stays acceptable after it was created.
// Anything older is treated as a possible replay and dropped.
const MessageTTL = 60 * time.Second

// MessageType identifies the type of a sync protocol message
type MessageType string

const (
	MsgAuthChallenge MessageType = "AUTH_CHALLENGE"
	MsgAuthRequest   MessageType = "AUTH_REQUEST"
	MsgAuthResponse  MessageType = "AUTH_RESPONSE"
	MsgSyncRequest   MessageType = "SYNC_REQUEST"
	MsgSyncData      MessageType = "SYNC_DATA"
	MsgSyncAck       MessageType = "SYNC_ACK"
	MsgSyncComplete  MessageType = "SYNC_COMPLETE"
	MsgHeartbeat     MessageType = "HEARTBEAT"
	MsgError         MessageType = "ERROR"
)

// ErrorCode classifies protocol-level failures
type ErrorCode string

const (
	CodeAuthRequired   ErrorCode = "AUTH_REQUIRED"
	CodeInvalidToken   ErrorCode = "INVALID_TOKEN"
	CodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeClockSkew      ErrorCode = "CLOCK_SKEW"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
)

// Source identifies the sending node
type Source struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name,omitempty"`
}

// Envelope is the signed wrapper around every TCP message.
// The signature is an HMAC-SHA256 over all fields except itself, keyed by
// the current session key (or the pre-shared key before a session exists).
type Envelope struct {
	Version   string          `json:"version"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    Source          `json:"source"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature,omitempty"`
}

// NewEnvelope creates an envelope with the given payload
func NewEnvelope(msgType MessageType, src Source, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version:   ProtocolVersion,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    src,
		Type:      msgType,
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the envelope payload
func (e *Envelope) ParsePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// SigningData returns the canonical bytes covered by the signature.
// Every variable-length field is length-prefixed so field boundaries
// cannot be shifted.
func (e *Envelope) SigningData() []byte {
	var buf bytes.Buffer

	writeField := func(s string) {
		binary.Write(&buf, binary.BigEndian, uint32(len(s)))
		buf.WriteString(s)
	}

	writeField(e.Version)
	writeField(e.MessageID)
	binary.Write(&buf, binary.BigEndian, e.Timestamp.UnixNano())
	writeField(e.Source.NodeID)
	writeField(e.Source.NodeName)
	writeField(string(e.Type))
	buf.Write(e.Payload)

	return buf.Bytes()
}

// Sign computes the HMAC signature with the given key
func (e *Envelope) Sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.SigningData())
	e.Signature = mac.Sum(nil)
}

// Verify checks the HMAC signature against the given key
func (e *Envelope) Verify(key []byte) error {
	if len(e.Signature) == 0 {
		return errors.New("message not signed")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(e.SigningData())
	if !hmac.Equal(e.Signature, mac.Sum(nil)) {
		return errors.New("invalid message signature")
	}

	return nil
}

// Expired reports whether the envelope is older than ttl relative to now
func (e *Envelope) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) > ttl
}

// AuthChallenge is sent by the accepting side as the first message of the
// handshake. ServerTime lets the client detect clock skew before proceeding.
type AuthChallenge struct {
	Nonce      []byte    `json:"nonce"`
	ServerTime time.Time `json:"server_time"`
}

// AuthRequest carries the client's proof of the shared secret
type AuthRequest struct {
	NodeID     string    `json:"node_id"`
	NodeType   string    `json:"node_type"`
	NodeName   string    `json:"node_name,omitempty"`
	Nonce      []byte    `json:"nonce"`
	Proof      []byte    `json:"proof"`
	ClientTime time.Time `json:"client_time"`
}

// AuthResponse completes the handshake with a session token, or a failure
type AuthResponse struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// ManifestDoc is one document's manifest entry on the wire
type ManifestDoc struct {
	ID          string            `json:"id"`
	Vector      map[string]uint64 `json:"vector"`
	VersionHash string            `json:"version_hash"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Critical    bool              `json:"critical,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
	MergeText   bool              `json:"merge_text,omitempty"`
}

// WantDoc requests one document's content by hash. Have carries the hash the
// requester already holds so the responder can short-circuit the transfer
// (If-None-Match semantics).
type WantDoc struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	Have string `json:"have,omitempty"`
}

// SyncRequest either opens a manifest exchange (Documents set) or requests a
// batch of document contents (Want set).
type SyncRequest struct {
	Token     string        `json:"token"`
	Documents []ManifestDoc `json:"documents,omitempty"`
	Want      []WantDoc     `json:"want,omitempty"`
	Batch     int           `json:"batch,omitempty"`
	Batches   int           `json:"batches,omitempty"`
}

// DocPayload is one document with its resolved manifest entry
type DocPayload struct {
	ID        string            `json:"id"`
	Hash      string            `json:"hash"`
	Vector    map[string]uint64 `json:"vector"`
	UpdatedAt time.Time         `json:"updated_at"`
	Critical  bool              `json:"critical,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
	MergeText bool              `json:"merge_text,omitempty"`
	Encoding  string            `json:"encoding,omitempty"`
	Data      []byte            `json:"data,omitempty"`
}

// SyncData carries a batch of documents. NotModified lists requested ids the
// requester already holds the exact bytes for.
type SyncData struct {
	Token       string       `json:"token"`
	Documents   []DocPayload `json:"documents,omitempty"`
	NotModified []string     `json:"not_modified,omitempty"`
	Batch       int          `json:"batch,omitempty"`
	Batches     int          `json:"batches,omitempty"`
}

// SyncAck acknowledges a SyncData batch
type SyncAck struct {
	Token   string    `json:"token"`
	Batch   int       `json:"batch,omitempty"`
	Applied int       `json:"applied"`
	Code    ErrorCode `json:"code,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// SyncComplete closes out a sync round with a summary
type SyncComplete struct {
	Token     string `json:"token"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Conflicts int    `json:"conflicts"`
}

// Heartbeat keeps a settled session warm
type Heartbeat struct {
	Token string `json:"token,omitempty"`
}

// ErrorPayload reports a protocol-level failure to the peer
type ErrorPayload struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason"`
}
