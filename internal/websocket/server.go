package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/usb1601-bridge/internal/hub"
	"github.com/yourusername/usb1601-bridge/internal/model"
)

const (
	// Path is the fixed stream endpoint
	Path = "/ws"

	writeWait      = 500 * time.Millisecond
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge serves local browser pages from any origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server accepts stream consumers and hands them to the hub
type Server struct {
	hub      *hub.Hub
	hello    []byte
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer creates a WebSocket server that greets every client with hello.
// When gatherer is non-nil its metrics are served on /metrics.
func NewServer(address string, h *hub.Hub, hello model.Hello, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	greeting, err := json.Marshal(hello)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		hub:   h,
		hello: greeting,
		server: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "websocket"),
	}

	mux.HandleFunc(Path, s.handleWebSocket)
	mux.HandleFunc(Path+"/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s, nil
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server listening", "addr", listener.Addr().String(), "path", Path)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Handler exposes the routes, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Stop closes the listener and aborts every open connection
func (s *Server) Stop() error {
	err := s.server.Close()
	s.hub.CloseAll()
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleWebSocket upgrades, greets and registers a consumer
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with 400
		s.logger.Debug("Rejected non-WebSocket request", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := &connPeer{conn: conn}
	if err := peer.Send(s.hello); err != nil {
		s.logger.Warn("Failed to send hello", "remote", r.RemoteAddr, "error", err)
		_ = peer.Close()
		return
	}

	client := &hub.Client{
		ID:   uuid.New().String(),
		Peer: peer,
	}
	if !s.hub.Register(client) {
		return
	}
	s.logger.Debug("WebSocket client accepted", "client_id", client.ID, "remote", r.RemoteAddr)

	go s.readPump(conn, client)
}

// readPump exists only to notice a peer-initiated close
func (s *Server) readPump(conn *websocket.Conn, client *hub.Client) {
	defer s.hub.Unregister(client.ID)

	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("WebSocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
	}
}

// connPeer serialises writes to one gorilla connection
type connPeer struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (p *connPeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Close aborts the underlying socket without a close handshake
func (p *connPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}
