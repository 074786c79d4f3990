package tcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/usb1601-bridge/internal/hub"
	"github.com/yourusername/usb1601-bridge/internal/model"
)

const (
	writeWait = 500 * time.Millisecond

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server is a plain TCP tap that streams the same messages as the WebSocket
// endpoint, one JSON object per line
type Server struct {
	address  string
	hub      *hub.Hub
	hello    []byte
	listener net.Listener
	logger   *slog.Logger
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new TCP tap instance
func NewServer(address string, h *hub.Hub, hello model.Hello, logger *slog.Logger) (*Server, error) {
	greeting, err := json.Marshal(hello)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		hub:     h,
		hello:   greeting,
		logger:  logger.With("component", "tcp"),
		quit:    make(chan struct{}),
	}, nil
}

// Start starts the TCP server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener

	s.logger.Info("TCP tap listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop stops accepting; open connections are aborted through the hub
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.quit) })
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// acceptConnections accepts incoming TCP connections, backing off on
// repeated accept errors
func (s *Server) acceptConnections() {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextAcceptDelay(delay)
			s.logger.Warn("Failed to accept connection", "error", err, "retry_in", delay)
			select {
			case <-s.quit:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		go s.handleConnection(conn)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

// handleConnection greets, registers, then drains input until the peer goes away
func (s *Server) handleConnection(conn net.Conn) {
	peer := &linePeer{conn: conn}
	if err := peer.Send(s.hello); err != nil {
		s.logger.Warn("Failed to send hello", "remote", conn.RemoteAddr().String(), "error", err)
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
	defer s.hub.Unregister(client.ID)

	// Input is never interpreted; reading only detects close
	if _, err := io.Copy(io.Discard, bufio.NewReader(conn)); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("TCP read error", "client_id", client.ID, "error", err)
	}
}

// linePeer writes newline-terminated frames to a raw connection
type linePeer struct {
	mu        sync.Mutex
	conn      net.Conn
	closeOnce sync.Once
}

func (p *linePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := p.conn.Write(frame)
	return err
}

func (p *linePeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}
