// Package discovery announces this node on the LAN and listens for peers.
// The primary backend is UDP multicast with HMAC-signed announcement
// packets; an mDNS backend can run alongside it for networks where
// multicast group membership is unreliable.
package discovery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"trosync.dev/go/trosync/internal/registry"
)

const (
	// DefaultMulticastGroup is the announcement group address
	DefaultMulticastGroup = "239.255.255.250"

	// DefaultMulticastPort is the announcement UDP port
	DefaultMulticastPort = 1900

	// AnnounceInterval is the base interval between announcements. Each
	// cycle is jittered by up to twenty percent so nodes started together
	// do not announce in lockstep.
	AnnounceInterval = 30 * time.Second

	// MaxPacketSize bounds an announcement packet on the wire
	MaxPacketSize = 512

	packetTypeAnnounce = "ANNOUNCE"
)

// Packet is one announcement on the multicast group. Signature covers every
// other field and is keyed with the shared network secret, so nodes outside
// the trust domain cannot inject peers.
type Packet struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	NodeType  string `json:"node_type"`
	Port      int    `json:"port"`
	Signature string `json:"signature,omitempty"`
}

// signingData serializes the signed fields in a fixed order
func (p *Packet) signingData() []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d",
		p.Type, p.NodeID, p.NodeName, p.NodeType, p.Port))
}

// Sign computes the packet signature with the shared secret
func (p *Packet) Sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(p.signingData())
	p.Signature = hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the packet signature against the shared secret
func (p *Packet) Verify(key []byte) bool {
	want, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(p.signingData())
	return hmac.Equal(mac.Sum(nil), want)
}

// Config holds the multicast service settings
type Config struct {
	Group    string
	Port     int
	NodeID   string
	NodeName string
	NodeType registry.NodeType
	SyncPort int
	Secret   []byte
}

// Registry is the subset of the peer registry discovery needs
type Registry interface {
	Upsert(registry.Node)
	Touch(id string)
}

// Service runs the announce and listen loops over one multicast group
type Service struct {
	cfg Config
	reg Registry

	groupAddr *net.UDPAddr
}

// NewService validates cfg and prepares a multicast discovery service
func NewService(cfg Config, reg Registry) (*Service, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultMulticastGroup
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultMulticastPort
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("discovery: node id required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("discovery: shared secret required")
	}

	group := net.ParseIP(cfg.Group)
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("discovery: %q is not a multicast address", cfg.Group)
	}

	return &Service{
		cfg:       cfg,
		reg:       reg,
		groupAddr: &net.UDPAddr{IP: group, Port: cfg.Port},
	}, nil
}

// Run starts the announcer and listener and blocks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	conn, err := net.ListenMulticastUDP("udp4", nil, s.groupAddr)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", s.groupAddr, err)
	}

	slog.Info("Multicast discovery started",
		"group", s.cfg.Group, "port", s.cfg.Port, "node", s.cfg.NodeID)

	go s.announceLoop(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.listenLoop(ctx, conn)
	return nil
}

// announceLoop sends one announcement immediately, then on a jittered timer
func (s *Service) announceLoop(ctx context.Context) {
	s.announce()

	for {
		timer := time.NewTimer(jitter(AnnounceInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	pkt := Packet{
		Type:     packetTypeAnnounce,
		NodeID:   s.cfg.NodeID,
		NodeName: s.cfg.NodeName,
		NodeType: string(s.cfg.NodeType),
		Port:     s.cfg.SyncPort,
	}
	pkt.Sign(s.cfg.Secret)

	data, err := json.Marshal(&pkt)
	if err != nil {
		slog.Error("Marshal announcement failed", "error", err)
		return
	}
	if len(data) > MaxPacketSize {
		slog.Error("Announcement exceeds packet budget", "size", len(data))
		return
	}

	conn, err := net.DialUDP("udp4", nil, s.groupAddr)
	if err != nil {
		slog.Debug("Announcement send failed", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		slog.Debug("Announcement send failed", "error", err)
		return
	}
	slog.Debug("Announced", "node", s.cfg.NodeID, "port", s.cfg.SyncPort)
}

// listenLoop receives announcements until the connection is closed
func (s *Service) listenLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, MaxPacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Debug("Multicast read error", "error", err)
				continue
			}
		}
		s.handlePacket(buf[:n], src)
	}
}

// handlePacket validates one received announcement and updates the registry
func (s *Service) handlePacket(data []byte, src *net.UDPAddr) {
	var pkt Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		slog.Debug("Malformed announcement dropped", "src", src, "error", err)
		return
	}
	if pkt.Type != packetTypeAnnounce {
		return
	}
	// The group loops our own announcements back.
	if pkt.NodeID == s.cfg.NodeID {
		return
	}
	if !pkt.Verify(s.cfg.Secret) {
		slog.Warn("Announcement with bad signature dropped", "src", src, "node", pkt.NodeID)
		return
	}

	s.reg.Upsert(registry.Node{
		ID:       pkt.NodeID,
		Name:     pkt.NodeName,
		Type:     registry.NodeType(pkt.NodeType),
		Addr:     src.IP.String(),
		Port:     pkt.Port,
		LastSeen: time.Now(),
	})
}

// jitter spreads d by up to +/-20 percent
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	return time.Duration(int64(d) - spread + rand.Int63n(2*spread+1))
}
