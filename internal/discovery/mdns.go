package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"trosync.dev/go/trosync/internal/registry"
)

const (
	// MDNSServiceType is the mDNS service type advertised by sync nodes
	MDNSServiceType = "_trosync._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// MDNSBrowseInterval is how often to scan for peers
	MDNSBrowseInterval = 30 * time.Second
)

// MDNS advertises the local node over mDNS and browses for peers, feeding
// results into the same registry as the multicast backend. It is a fallback
// for networks that filter custom multicast groups but pass mDNS.
type MDNS struct {
	cfg Config
	reg Registry

	mu      sync.Mutex
	running bool
	server  *zeroconf.Server
	cancel  context.CancelFunc
}

// NewMDNS creates an mDNS discovery backend sharing the multicast config
func NewMDNS(cfg Config, reg Registry) *MDNS {
	return &MDNS{cfg: cfg, reg: reg}
}

// Start registers the service and begins browsing
func (m *MDNS) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if err := m.register(); err != nil {
		// Browsing still works without a registration.
		slog.Warn("mDNS registration failed", "error", err)
	}

	go m.browseLoop(ctx)
	return nil
}

// Stop shuts the backend down
func (m *MDNS) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	slog.Info("mDNS discovery stopped")
}

func (m *MDNS) register() error {
	txt := []string{
		"id=" + m.cfg.NodeID,
		"name=" + m.cfg.NodeName,
		"type=" + string(m.cfg.NodeType),
		"v=1",
	}

	instance := fmt.Sprintf("%s-%s", m.cfg.NodeID, sanitizedHostname())
	server, err := zeroconf.Register(instance, MDNSServiceType, MDNSDomain, m.cfg.SyncPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	slog.Info("mDNS service registered", "instance", instance, "port", m.cfg.SyncPort)
	return nil
}

func (m *MDNS) browseLoop(ctx context.Context) {
	m.browse(ctx)

	ticker := time.NewTicker(MDNSBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.browse(ctx)
		}
	}
}

func (m *MDNS) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("mDNS resolver failed", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	go func() {
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, MDNSServiceType, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse error", "error", err)
	}
	<-browseCtx.Done()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	var id, name, nodeType string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "id="):
			id = txt[3:]
		case strings.HasPrefix(txt, "name="):
			name = txt[5:]
		case strings.HasPrefix(txt, "type="):
			nodeType = txt[5:]
		}
	}
	if id == "" || id == m.cfg.NodeID {
		return
	}

	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}

	slog.Debug("mDNS entry", "node", id, "addr", host+":"+strconv.Itoa(entry.Port))

	m.reg.Upsert(registry.Node{
		ID:       id,
		Name:     name,
		Type:     registry.NodeType(nodeType),
		Addr:     host,
		Port:     entry.Port,
		LastSeen: time.Now(),
	})
}

// sanitizedHostname returns the hostname reduced to mDNS-safe characters
func sanitizedHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "trosync"
	}
	var b strings.Builder
	for _, c := range strings.ToLower(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "trosync"
	}
	return b.String()
}
