package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// ClientConfig configures a Conn.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Conn is a client connection to the daemon.
type Conn struct {
	cfg  ClientConfig
	conn net.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	closed    bool

	events chan *Event
	done   chan struct{}

	ServerVersion string
	ClientID      string
}

// Dial connects and exchanges hellos.
func Dial(ctx context.Context, cfg ClientConfig) (*Conn, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, cfg.SocketPath)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &Conn{
		cfg:     cfg,
		conn:    nc,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var ack HelloResponse
	if err := c.call(ctx, MsgHello, &HelloRequest{
		ClientName:      cfg.ClientName,
		ClientVersion:   cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHelloAck, &ack); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	c.ServerVersion = ack.ServerVersion
	c.ClientID = ack.ClientID
	return c, nil
}

func isConnRefused(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) {
		var se *os.SyscallError
		if errors.As(op.Err, &se) {
			return se.Syscall == "connect"
		}
	}
	return false
}

// Close closes the connection. Events() is closed once the reader exits.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Events delivers pushed events after Subscribe.
func (c *Conn) Events() <-chan *Event {
	return c.events
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.failPending()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}
		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgEvent:
			var ev Event
			if err := Decode(msg.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			delete(c.pending, msg.Header.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Conn) write(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return m.Write(c.conn)
}

// roundTrip sends one request and waits for the reply.
func (c *Conn) roundTrip(ctx context.Context, t MessageType, payload any) (*Message, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.write(NewMessage(t, id, data)); err != nil {
		cleanup()
		return nil, fmt.Errorf("write %s: %w", t, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%s: %w", t, context.DeadlineExceeded)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// call sends a request and decodes a reply of type want into out.
func (c *Conn) call(ctx context.Context, t MessageType, payload any, want MessageType, out any) error {
	resp, err := c.roundTrip(ctx, t, payload)
	if err != nil {
		return err
	}
	switch resp.Header.Type {
	case want:
		if out == nil {
			return nil
		}
		return Decode(resp.Payload, out)
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	default:
		return fmt.Errorf("unexpected reply %s to %s", resp.Header.Type, t)
	}
}

// Ping checks that the daemon answers.
func (c *Conn) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status returns the engine status.
func (c *Conn) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, MsgStatus, nil, MsgStatusResp, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Conn) state(ctx context.Context, t MessageType) (string, error) {
	var st StateResponse
	if err := c.call(ctx, t, nil, MsgStateResp, &st); err != nil {
		return "", err
	}
	return st.State, nil
}

// Pause pauses expansion and returns the new state.
func (c *Conn) Pause(ctx context.Context) (string, error) { return c.state(ctx, MsgPause) }

// Resume resumes expansion and returns the new state.
func (c *Conn) Resume(ctx context.Context) (string, error) { return c.state(ctx, MsgResume) }

// Toggle flips between running and paused.
func (c *Conn) Toggle(ctx context.Context) (string, error) { return c.state(ctx, MsgToggle) }

// Reload rereads the mappings file.
func (c *Conn) Reload(ctx context.Context) (*ReloadResponse, error) {
	var r ReloadResponse
	if err := c.call(ctx, MsgReload, nil, MsgReloadResp, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// AddMapping adds or replaces a mapping.
func (c *Conn) AddMapping(ctx context.Context, key, value string) error {
	return c.call(ctx, MsgAddMapping, &MappingRequest{Key: key, Value: value}, MsgOK, nil)
}

// RemoveMapping deletes a mapping.
func (c *Conn) RemoveMapping(ctx context.Context, key string) error {
	return c.call(ctx, MsgRemoveMapping, &MappingRequest{Key: key}, MsgOK, nil)
}

// ListMappings returns the active table.
func (c *Conn) ListMappings(ctx context.Context) (*ListMappingsResponse, error) {
	var r ListMappingsResponse
	if err := c.call(ctx, MsgListMappings, nil, MsgListMappingsResp, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Stats returns counters and up to recent logged expansions.
func (c *Conn) Stats(ctx context.Context, recent int) (*StatsResponse, error) {
	var r StatsResponse
	if err := c.call(ctx, MsgStats, &StatsRequest{Recent: recent}, MsgStatsResp, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Subscribe starts event delivery on Events. No types means all.
func (c *Conn) Subscribe(ctx context.Context, types ...EventType) ([]EventType, error) {
	var r SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: types}, MsgSubscribeResp, &r); err != nil {
		return nil, err
	}
	return r.Events, nil
}

// Unsubscribe stops event delivery.
func (c *Conn) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgOK, nil)
}
