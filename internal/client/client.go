// Package client implements the relay client core: connection management,
// protocol interpretation, the presence roster, and typing debounce. The
// presentation layer consumes it exclusively through Callbacks; all callback
// invocations are synchronous, and marshaling onto a UI thread is the
// caller's concern.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/protocol"
	"go.uber.org/zap"
)

// Status is the connection state surfaced to the presentation layer.
type Status string

const (
	StatusConnecting   Status = "Connecting…"
	StatusConnected    Status = "Connected"
	StatusDisconnected Status = "Disconnected"
	StatusFailed       Status = "Connection Failed"
)

const (
	// tickPeriod drives both the staleness sweep and the outbound countdown.
	tickPeriod = time.Second
	// typingStaleAfter is how long a remote typer may stay silent before the
	// sweep treats it as an implicit stop.
	typingStaleAfter = 3 * time.Second
	// typingCountdown is the outbound debounce window re-armed on each edit.
	typingCountdown = 2 * time.Second
)

// ErrNotConnected is returned by send operations on a disconnected client.
var ErrNotConnected = errors.New("not connected")

// User is one roster entry.
type User struct {
	Username string
	UID      string
}

// Callbacks is the narrow observer interface the core raises events through.
// Any nil member is skipped.
type Callbacks struct {
	OnMessage       func(env protocol.Envelope)
	OnStatusChanged func(status Status)
	OnError         func(title, message string)
	OnTypingChanged func(indicator string)
}

// Client drives one connection to the relay.
type Client struct {
	log    *zap.Logger
	cb     Callbacks
	typers *TypingTracker

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	username      string
	uid           string
	roster        map[string]string
	typingLocal   bool
	typingDeadline time.Time
	lastIndicator string
	cancel        context.CancelFunc

	wmu sync.Mutex

	dialTimeout time.Duration
	nowFn       func() time.Time
}

// New constructs a disconnected client.
func New(log *zap.Logger, cb Callbacks) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:         log,
		cb:          cb,
		typers:      NewTypingTracker(),
		roster:      make(map[string]string),
		dialTimeout: 5 * time.Second,
		nowFn:       time.Now,
	}
}

// Connect dials the relay, sends the Join handshake, and starts the read and
// tick loops. The authoritative uid arrives later in the echoed Join.
func (c *Client) Connect(username, host string, port int) error {
	if username == "" {
		return errors.New("username is required")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		c.emitStatus(StatusFailed)
		c.emitError("Connection Failed", err.Error())
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := protocol.Write(conn, protocol.NewJoin(username, "")); err != nil {
		_ = conn.Close()
		c.emitStatus(StatusFailed)
		c.emitError("Connection Failed", err.Error())
		return fmt.Errorf("send join: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.username = username
	c.uid = ""
	c.roster = make(map[string]string)
	c.typingLocal = false
	c.lastIndicator = ""
	c.cancel = cancel
	c.mu.Unlock()

	c.typers.Reset()

	go c.readLoop(ctx, conn)
	go c.tickLoop(ctx)

	c.emitStatus(StatusConnected)
	return nil
}

// Disconnect sends a graceful Leave and tears the connection down. Safe to
// call on an already-disconnected client.
func (c *Client) Disconnect() {
	c.teardown(true)
}

// SendMessage broadcasts text to everyone. A successful send immediately
// ends the local typing state with one StopTyping notice.
func (c *Client) SendMessage(text string) error {
	conn, username, uid, err := c.sendState()
	if err != nil {
		return err
	}
	if err := c.writeEnv(conn, protocol.NewMessage(username, text, uid)); err != nil {
		return err
	}
	c.stopTypingAfterSend(conn, username, uid)
	return nil
}

// SendPrivateMessage sends text to a single recipient.
func (c *Client) SendPrivateMessage(recipient, text string) error {
	conn, username, uid, err := c.sendState()
	if err != nil {
		return err
	}
	if err := c.writeEnv(conn, protocol.NewPrivateMessage(username, recipient, text, uid)); err != nil {
		return err
	}
	c.stopTypingAfterSend(conn, username, uid)
	return nil
}

// NotifyTypingEdge records an edit to the composed message. The first edge
// emits one Typing notice; every edge re-arms the countdown without stacking.
func (c *Client) NotifyTypingEdge() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	conn, username, uid := c.conn, c.username, c.uid
	first := !c.typingLocal
	c.typingLocal = true
	c.typingDeadline = c.nowFn().Add(typingCountdown)
	c.mu.Unlock()

	if first {
		if err := c.writeEnv(conn, protocol.NewTyping(username, uid)); err != nil {
			c.log.Warn("typing notice failed", zap.Error(err))
		}
	}
}

// Username reports the name used at connect time.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// UID reports the server-assigned session id, empty until the Join echo
// arrives.
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Users returns the current roster, sorted by username.
func (c *Client) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]User, 0, len(c.roster))
	for uid, name := range c.roster {
		out = append(out, User{Username: name, UID: uid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// TypingIndicator derives the presentation text for remote typers.
func (c *Client) TypingIndicator() string {
	return c.typers.Indicator()
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	for {
		// Same bound as the server, applied defensively.
		env, err := protocol.Decode(conn, protocol.MaxFrameBytes)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.emitError("Connection Lost", err.Error())
			}
			c.teardown(false)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindJoin:
		c.mu.Lock()
		if c.uid == "" && env.From == c.username {
			// First Join bearing our own name is the ack carrying the
			// server-assigned uid.
			c.uid = env.SenderUID
		}
		_, known := c.roster[env.SenderUID]
		if !known {
			c.roster[env.SenderUID] = env.From
		}
		c.mu.Unlock()
		if known {
			return
		}
		c.emitMessage(env)
	case protocol.KindLeave:
		c.mu.Lock()
		delete(c.roster, env.SenderUID)
		c.mu.Unlock()
		c.typers.Stop(env.From)
		c.refreshIndicator()
		c.emitMessage(env)
	case protocol.KindTyping:
		c.typers.Observe(env.From, c.nowFn())
		c.refreshIndicator()
	case protocol.KindStopTyping:
		c.typers.Stop(env.From)
		c.refreshIndicator()
	default:
		c.emitMessage(env)
	}
}

func (c *Client) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.onTick(c.nowFn())
		}
	}
}

// onTick sweeps stale remote typers and expires the outbound countdown. The
// deadline is a plain value recomputed on each edit; no per-keystroke timers.
func (c *Client) onTick(now time.Time) {
	if evicted := c.typers.Sweep(now, typingStaleAfter); len(evicted) > 0 {
		c.refreshIndicator()
	}

	c.mu.Lock()
	expired := c.connected && c.typingLocal && !now.Before(c.typingDeadline)
	conn, username, uid := c.conn, c.username, c.uid
	if expired {
		c.typingLocal = false
	}
	c.mu.Unlock()

	if expired {
		if err := c.writeEnv(conn, protocol.NewStopTyping(username, uid)); err != nil {
			c.log.Warn("stop-typing notice failed", zap.Error(err))
		}
	}
}

func (c *Client) sendState() (net.Conn, string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, "", "", ErrNotConnected
	}
	return c.conn, c.username, c.uid, nil
}

func (c *Client) stopTypingAfterSend(conn net.Conn, username, uid string) {
	c.mu.Lock()
	wasTyping := c.typingLocal
	c.typingLocal = false
	c.mu.Unlock()

	if wasTyping {
		if err := c.writeEnv(conn, protocol.NewStopTyping(username, uid)); err != nil {
			c.log.Warn("stop-typing notice failed", zap.Error(err))
		}
	}
}

// writeEnv serializes one frame; the mutex keeps concurrent senders (user
// actions, tick loop) from interleaving frames. A failed write tears the
// connection down.
func (c *Client) writeEnv(conn net.Conn, env protocol.Envelope) error {
	c.wmu.Lock()
	err := protocol.Write(conn, env)
	c.wmu.Unlock()
	if err != nil {
		c.emitError("Connection Lost", err.Error())
		c.teardown(false)
	}
	return err
}

func (c *Client) teardown(sendLeave bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	cancel := c.cancel
	username, uid := c.username, c.uid
	c.typingLocal = false
	c.mu.Unlock()

	if sendLeave {
		c.wmu.Lock()
		_ = protocol.Write(conn, protocol.NewLeave(username, uid))
		c.wmu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
	c.typers.Reset()
	c.refreshIndicator()
	c.emitStatus(StatusDisconnected)
}

func (c *Client) refreshIndicator() {
	indicator := c.typers.Indicator()

	c.mu.Lock()
	changed := indicator != c.lastIndicator
	c.lastIndicator = indicator
	c.mu.Unlock()

	if changed && c.cb.OnTypingChanged != nil {
		c.cb.OnTypingChanged(indicator)
	}
}

func (c *Client) emitMessage(env protocol.Envelope) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(env)
	}
}

func (c *Client) emitStatus(status Status) {
	if c.cb.OnStatusChanged != nil {
		c.cb.OnStatusChanged(status)
	}
}

func (c *Client) emitError(title, message string) {
	if c.cb.OnError != nil {
		c.cb.OnError(title, message)
	}
}
