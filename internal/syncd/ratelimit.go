package syncd

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"trosync.dev/go/trosync/internal/protocol"
)

// RateLimitConfig bounds inbound message rates
type RateLimitConfig struct {
	PeerMessagesPerSecond float64
	PeerBurst             int

	GlobalMessagesPerSecond float64
	GlobalBurst             int

	// Per-type limits in messages per minute
	TypeLimits map[protocol.MessageType]TypeLimit

	// Per-type size caps in bytes
	TypeSizeLimits map[protocol.MessageType]int
}

// TypeLimit is a per-minute limit with a burst allowance
type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns the daemon defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerMessagesPerSecond: 50,
		PeerBurst:             100,

		GlobalMessagesPerSecond: 500,
		GlobalBurst:             1000,

		TypeLimits: map[protocol.MessageType]TypeLimit{
			protocol.MsgHeartbeat:    {PerMinute: 120, Burst: 10},
			protocol.MsgAuthRequest:  {PerMinute: 10, Burst: 3},
			protocol.MsgSyncRequest:  {PerMinute: 60, Burst: 10},
			protocol.MsgSyncData:     {PerMinute: 120, Burst: 20},
			protocol.MsgSyncAck:      {PerMinute: 120, Burst: 20},
			protocol.MsgSyncComplete: {PerMinute: 30, Burst: 5},
		},

		TypeSizeLimits: map[protocol.MessageType]int{
			protocol.MsgAuthChallenge: 4096,
			protocol.MsgAuthRequest:   4096,
			protocol.MsgAuthResponse:  4096,
			protocol.MsgHeartbeat:     1024,
			protocol.MsgSyncRequest:   protocol.MaxMessageSize,
			protocol.MsgSyncData:      protocol.MaxMessageSize,
			protocol.MsgSyncAck:       4096,
			protocol.MsgSyncComplete:  4096,
			protocol.MsgError:         4096,
		},
	}
}

// RateLimiter enforces global, per-peer, and per-type inbound limits
type RateLimiter struct {
	config        *RateLimitConfig
	globalLimiter *rate.Limiter

	peerLimiters     sync.Map // node id -> *rate.Limiter
	peerTypeLimiters sync.Map // "node id:type" -> *rate.Limiter
}

// NewRateLimiter creates a limiter; nil config uses the defaults
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalMessagesPerSecond), config.GlobalBurst),
	}
}

// Allow checks whether one inbound message passes all limits
func (rl *RateLimiter) Allow(nodeID string, msgType protocol.MessageType, size int) error {
	if limit, ok := rl.config.TypeSizeLimits[msgType]; ok && size > limit {
		return fmt.Errorf("message size %d exceeds limit %d for %s", size, limit, msgType)
	}

	if !rl.globalLimiter.Allow() {
		return fmt.Errorf("global rate limit exceeded")
	}

	if !rl.peerLimiter(nodeID).Allow() {
		return fmt.Errorf("peer rate limit exceeded")
	}

	if tl := rl.typeLimiter(nodeID, msgType); tl != nil && !tl.Allow() {
		return fmt.Errorf("rate limit exceeded for %s", msgType)
	}
	return nil
}

func (rl *RateLimiter) peerLimiter(nodeID string) *rate.Limiter {
	if l, ok := rl.peerLimiters.Load(nodeID); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(rl.config.PeerMessagesPerSecond), rl.config.PeerBurst)
	rl.peerLimiters.Store(nodeID, l)
	return l
}

func (rl *RateLimiter) typeLimiter(nodeID string, msgType protocol.MessageType) *rate.Limiter {
	key := nodeID + ":" + string(msgType)
	if l, ok := rl.peerTypeLimiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	tl, ok := rl.config.TypeLimits[msgType]
	if !ok {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(float64(tl.PerMinute)/60.0), tl.Burst)
	rl.peerTypeLimiters.Store(key, l)
	return l
}

// RemovePeer drops a disconnected peer's limiters
func (rl *RateLimiter) RemovePeer(nodeID string) {
	rl.peerLimiters.Delete(nodeID)
	for msgType := range rl.config.TypeLimits {
		rl.peerTypeLimiters.Delete(nodeID + ":" + string(msgType))
	}
}
