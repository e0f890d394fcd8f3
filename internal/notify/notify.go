// Package notify shows desktop notifications for expander status changes and
// errors through the freedesktop notification service.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

// Urgency levels of the freedesktop notification spec.
type Urgency byte

const (
	Low Urgency = iota
	Normal
	Critical
)

// DefaultErrorInterval is the minimum gap between two error notifications.
const DefaultErrorInterval = 5 * time.Second

// Sender delivers one notification.
type Sender interface {
	Send(summary, body string, urgency Urgency) error
	Close() error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(string, string, Urgency) error { return nil }
func (Nop) Close() error                       { return nil }

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = busName + ".Notify"
	expireMs   = int32(4000)
)

// DBus sends notifications over a private session bus connection. Each new
// notification replaces the previous one.
type DBus struct {
	appName string
	conn    *dbus.Conn
	obj     dbus.BusObject

	mu     sync.Mutex
	lastID uint32
}

// NewDBus connects to the session bus.
func NewDBus(appName string) (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBus{
		appName: appName,
		conn:    conn,
		obj:     conn.Object(busName, objectPath),
	}, nil
}

// Send calls org.freedesktop.Notifications.Notify.
func (d *DBus) Send(summary, body string, urgency Urgency) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(urgency))}
	call := d.obj.Call(notifyCall, 0,
		d.appName, d.lastID, "", summary, body, []string{}, hints, expireMs)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		d.lastID = id
	}
	return nil
}

// Close closes the bus connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

// Notifier filters and throttles what reaches the Sender.
type Notifier struct {
	sender   Sender
	logger   *slog.Logger
	enabled  atomic.Bool
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastError time.Time
}

// Options configure a Notifier.
type Options struct {
	AppName       string
	Enabled       bool
	ErrorInterval time.Duration
	Logger        *slog.Logger

	// Sender overrides the session bus. Tests set it.
	Sender Sender
	Now    func() time.Time
}

// New returns a Notifier. Without a reachable session bus it falls back to
// Nop and logs once.
func New(opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = DefaultErrorInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sender == nil {
		s, err := NewDBus(opts.AppName)
		if err != nil {
			opts.Logger.Info("desktop notifications unavailable", "error", err)
			opts.Sender = Nop{}
		} else {
			opts.Sender = s
		}
	}

	n := &Notifier{
		sender:   opts.Sender,
		logger:   opts.Logger.With("component", "notify"),
		interval: opts.ErrorInterval,
		now:      opts.Now,
	}
	n.enabled.Store(opts.Enabled)
	return n
}

// SetEnabled turns notifications on or off.
func (n *Notifier) SetEnabled(on bool) {
	n.enabled.Store(on)
}

// Enabled reports whether notifications are shown.
func (n *Notifier) Enabled() bool {
	return n.enabled.Load()
}

// Status announces a state change.
func (n *Notifier) Status(state string) {
	n.send("Key replacer", "Expansion "+state, Low)
}

// Error announces an error, at most once per interval.
func (n *Notifier) Error(err error) {
	if err == nil || !n.Enabled() {
		return
	}
	n.mu.Lock()
	now := n.now()
	if !n.lastError.IsZero() && now.Sub(n.lastError) < n.interval {
		n.mu.Unlock()
		return
	}
	n.lastError = now
	n.mu.Unlock()

	n.send("Key replacer error", err.Error(), Critical)
}

func (n *Notifier) send(summary, body string, u Urgency) {
	if !n.Enabled() {
		return
	}
	if err := n.sender.Send(summary, body, u); err != nil {
		n.logger.Debug("notification failed", "error", err)
	}
}

// Close releases the sender.
func (n *Notifier) Close() error {
	return n.sender.Close()
}
