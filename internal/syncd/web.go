package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebServer exposes daemon status, metrics, and a live event feed over
// HTTP. It binds to a loopback address; it is an operator window, not a
// peer interface.
type WebServer struct {
	engine *Engine
	server *http.Server
}

// NewWebServer builds the HTTP surface over an engine
func NewWebServer(engine *Engine, addr string) *WebServer {
	ws := &WebServer{engine: engine}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ws.handleStatus)
	mux.HandleFunc("/metrics", ws.handleMetrics)
	mux.HandleFunc("/peers", ws.handlePeers)
	mux.HandleFunc("/conflicts", ws.handleConflicts)
	mux.HandleFunc("/events", ws.handleEvents)

	ws.server = &http.Server{Addr: addr, Handler: mux}
	return ws
}

// Start serves until ctx is cancelled
func (ws *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.server.Shutdown(shutdownCtx)
	}()

	slog.Info("Web interface listening", "addr", ws.server.Addr)
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Web server failed", "error", err)
	}
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"node_id":   ws.engine.opts.NodeID,
		"node_name": ws.engine.opts.NodeName,
		"node_type": ws.engine.opts.NodeType,
		"addr":      ws.engine.Addr().String(),
		"peers":     ws.engine.registry.Len(),
		"documents": ws.engine.manifest.Len(),
	})
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ws.engine.MetricsSnapshot())
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ws.engine.registry.List())
}

func (ws *WebServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ws.engine.Conflicted())
}

// handleEvents upgrades to a websocket and streams the event bus
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := ws.engine.bus.Subscribe()
	defer ws.engine.bus.Unsubscribe(events)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Drain client frames so pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Write response failed", "error", err)
	}
}
