package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyServing means another daemon answers on the socket.
var ErrAlreadyServing = errors.New("ipc: socket already in use")

// Handler answers one request.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Client is one connected peer as the server sees it.
type Client struct {
	ID          string
	Name        string
	Version     string
	Peer        *PeerCredentials
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
	events  map[EventType]bool
	limiter *rateLimiter
}

// ServerConfig configures a Server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	MaxConnections int
	WriteTimeout   time.Duration
	Logger         *slog.Logger

	// RequestRate and RequestBurst bound each client's requests per
	// second. Zero means 50/s with bursts of 100.
	RequestRate  float64
	RequestBurst int

	// VerifyPeer rejects a connection when it returns false. Nil means
	// VerifyPeerIsCurrentUser.
	VerifyPeer func(net.Conn) (bool, error)
}

// Server serves the control socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	nextID  atomic.Uint32
	events  chan *Event
}

// NewServer creates a stopped server.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = defaultRequestRate
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = defaultRequestBurst
	}
	if cfg.VerifyPeer == nil {
		cfg.VerifyPeer = VerifyPeerIsCurrentUser
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "ipc"),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan *Event, 100),
	}
}

// Start listens on the socket. A stale socket file is removed; a live one
// yields ErrAlreadyServing.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("%w: %s", ErrAlreadyServing, path)
	}
	if err := CleanupSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = ln
	s.running.Store(true)

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", path)
	return nil
}

// Stop closes the listener and every connection and removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc goroutines did not exit in time")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribers. It never blocks; events are
// dropped when the queue is full.
func (s *Server) Broadcast(ev *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event queue full, dropping event", "type", ev.Type.String())
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		ok, err := s.cfg.VerifyPeer(conn)
		if err != nil && !errors.Is(err, ErrPeerUnsupported) {
			s.logger.Warn("peer credentials unavailable, rejecting", "error", err)
			conn.Close()
			continue
		}
		if err == nil && !ok {
			s.logger.Warn("rejecting connection from another user")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("too many clients, rejecting", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		c := &Client{
			ID:          fmt.Sprintf("client-%d", s.nextID.Add(1)),
			ConnectedAt: time.Now(),
			conn:        conn,
			limiter:     newRateLimiter(s.cfg.RequestRate, s.cfg.RequestBurst),
		}
		if cred, err := GetPeerCredentials(conn); err == nil {
			c.Peer = cred
		}
		s.clients[c.ID] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.ID)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.logger.Debug("client read failed", "client", c.ID, "error", err)
			}
			return
		}

		var resp *Message
		if c.limiter.Allow() {
			resp, err = s.process(c, msg)
		} else {
			s.logger.Debug("client over request budget", "client", c.ID, "type", msg.Header.Type)
			resp = NewErrorMessage(msg.Header.RequestID, CodeRateLimited, "rate limit exceeded")
		}
		if err != nil {
			resp = NewErrorMessage(msg.Header.RequestID, CodeInternal, err.Error())
		}
		if resp == nil {
			continue
		}
		if err := s.send(c, resp); err != nil {
			return
		}
	}
}

func (s *Server) process(c *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHello:
		var req HelloRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid hello"), nil
		}
		s.mu.Lock()
		c.Name, c.Version = req.ClientName, req.ClientVersion
		s.mu.Unlock()
		return NewResponse(MsgHelloAck, id, &HelloResponse{
			ServerVersion:   s.cfg.Version,
			ProtocolVersion: ProtocolVersion,
			ClientID:        c.ID,
		})
	case MsgSubscribe:
		var req SubscribeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid subscribe request"), nil
		}
		types := req.Events
		if len(types) == 0 {
			types = AllEvents
		}
		set := make(map[EventType]bool, len(types))
		for _, t := range types {
			set[t] = true
		}
		s.mu.Lock()
		c.events = set
		s.mu.Unlock()
		return NewResponse(MsgSubscribeResp, id, &SubscribeResponse{Events: types})
	case MsgUnsubscribe:
		s.mu.Lock()
		c.events = nil
		s.mu.Unlock()
		return NewMessage(MsgOK, id, nil), nil
	}

	if s.handler == nil {
		return NewErrorMessage(id, CodeUnknownType, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, c, msg)
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			payload, err := Encode(ev)
			if err != nil {
				s.logger.Warn("encode event", "error", err)
				continue
			}
			s.mu.RLock()
			var targets []*Client
			for _, c := range s.clients {
				if c.events[ev.Type] {
					targets = append(targets, c)
				}
			}
			s.mu.RUnlock()

			for _, c := range targets {
				msg := NewMessage(MsgEvent, 0, payload)
				if err := s.send(c, msg); err != nil {
					s.logger.Debug("event delivery failed", "client", c.ID, "error", err)
					c.conn.Close()
				}
			}
		}
	}
}

func (s *Server) send(c *Client, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(c.conn)
}

// CleanupSocket removes path if it is a socket. Anything else at path is
// an error.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether something accepts connections on path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
