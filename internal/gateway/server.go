// Package gateway is the client-facing WebSocket server. Each connection
// gets a reader goroutine (inbound subscribe/unsubscribe/ping commands) and
// a writer goroutine (bounded outbound queue with per-symbol tick
// coalescing at the configured frame rate). Subscriptions are acquired
// through the multiplexer; the broker link's health is relayed to every
// client as a connectionStatus message.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fxfeed/internal/catalog"
	"fxfeed/internal/config"
	"fxfeed/internal/mux"
)

// Gateway accepts WebSocket clients and wires them to the multiplexer.
type Gateway struct {
	cfg     config.GatewayConfig
	catalog *catalog.Catalog
	mux     *mux.Mux
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	clientsMu sync.Mutex
	clients   map[*client]bool
	stopping  bool
}

// New creates the gateway over the given catalog and multiplexer.
func New(cfg config.GatewayConfig, cat *catalog.Catalog, m *mux.Mux, logger *slog.Logger) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		catalog: cat,
		mux:     m,
		logger:  logger.With("component", "gateway"),
		clients: make(map[*client]bool),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins, r.Host)
		},
	}

	handler := http.NewServeMux()
	handler.HandleFunc(cfg.Path, g.handleWS)
	g.server = &http.Server{
		Addr:        cfg.BindAddress,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return g
}

// Start serves until Stop is called. Blocks.
func (g *Gateway) Start() error {
	g.logger.Info("gateway listening", "addr", g.cfg.BindAddress, "path", g.cfg.Path)
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every client with code 1001, then shuts the HTTP server down
// within the configured drain window. Each client is closed at once:
// messages still in its outbound queue are not written, and Stop does not
// wait for the writer goroutines.
func (g *Gateway) Stop(ctx context.Context) error {
	g.clientsMu.Lock()
	g.stopping = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	drainCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownDrain)
	defer cancel()
	return g.server.Shutdown(drainCtx)
}

// BrokerStatus relays broker link transitions to every connected client.
func (g *Gateway) BrokerStatus(up bool) {
	status := "down"
	if up {
		status = "up"
	}
	msg := connectionStatusMsg{Type: "connectionStatus", Broker: status}

	g.clientsMu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		go c.sendControl(msg)
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.clientsMu.Lock()
	stopping := g.stopping
	g.clientsMu.Unlock()
	if stopping {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(g, conn)
	g.clientsMu.Lock()
	g.clients[c] = true
	count := len(g.clients)
	g.clientsMu.Unlock()
	g.logger.Info("client connected", "remote", conn.RemoteAddr().String(), "count", count)

	go c.writePump()
	go c.readPump()
	go g.sendSymbolList(c)
}

// sendSymbolList pushes the catalog's symbol universe once after connect.
func (g *Gateway) sendSymbolList(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	listed, err := g.catalog.Listed(ctx)
	if err != nil {
		g.logger.Warn("symbol list unavailable", "error", err)
		c.sendControl(errorMsg{Type: "error", Code: "symbol_list_unavailable", Message: err.Error()})
		return
	}
	msg := symbolListMsg{Type: "symbolList", Symbols: make([]symbolInfo, 0, len(listed))}
	for _, s := range listed {
		msg.Symbols = append(msg.Symbols, symbolInfo{Name: s.Name, Digits: s.Digits, PipPosition: s.PipPosition})
	}
	c.sendControl(msg)
}

func (g *Gateway) removeClient(c *client) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	if g.clients[c] {
		delete(g.clients, c)
		g.logger.Info("client disconnected", "count", len(g.clients))
	}
}

// isOriginAllowed permits same-host and localhost origins by default, plus
// anything on the explicit allowlist. Browsers omit Origin for non-browser
// clients; those are allowed through.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) || a == "*" {
			return true
		}
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if strings.EqualFold(host, reqHost) {
		return true
	}
	bare := host
	if i := strings.Index(bare, ":"); i >= 0 {
		bare = bare[:i]
	}
	return bare == "localhost" || bare == "127.0.0.1"
}
