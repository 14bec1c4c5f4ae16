package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"go.uber.org/zap"
)

// Error codes reported on the routing error counter.
const (
	codeFrame       = "FRAME_ERROR"
	codeHandshake   = "HANDSHAKE_FAILED"
	codeUnknownKind = "UNKNOWN_KIND"
	codeRoutingMiss = "ROUTING_MISS"
	codeTransport   = "TRANSPORT_ERROR"
)

var errHandshake = errors.New("handshake failed")

// RouterOptions configures observability and per-session limits.
type RouterOptions struct {
	Metrics       *relayMetrics
	MaxFrameBytes int
	SendBuffer    int
}

// Router owns connection lifecycle and envelope dispatch: handshake, read
// loop, broadcast fan-out, directed delivery, and disconnect notification.
// All fan-out runs on the dispatching session's read-loop goroutine against a
// registry snapshot.
type Router struct {
	log      *zap.Logger
	reg      registry.SessionRegistry
	metrics  *relayMetrics
	draining atomic.Bool

	maxFrameBytes int
	sendBuffer    int
}

// NewRouter wires the routing engine onto a session registry.
func NewRouter(log *zap.Logger, reg registry.SessionRegistry, opts RouterOptions) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = registry.NewInMemory()
	}
	r := &Router{
		log:           log,
		reg:           reg,
		metrics:       opts.Metrics,
		maxFrameBytes: opts.MaxFrameBytes,
		sendBuffer:    opts.SendBuffer,
	}
	if r.maxFrameBytes <= 0 {
		r.maxFrameBytes = protocol.MaxFrameBytes
	}
	if r.sendBuffer <= 0 {
		r.sendBuffer = 32
	}
	return r
}

// Registry exposes the live session set.
func (r *Router) Registry() registry.SessionRegistry { return r.reg }

// HandleConn runs one accepted transport to completion: join handshake,
// presence announcement, then the dispatch loop until leave, failure, or
// shutdown. Per-session errors stop here; they never reach the accept loop.
func (r *Router) HandleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(ctx, conn, r.log, r.sendBuffer)
	defer sess.close()

	// Unblock a pending read when the session context dies for any reason.
	context.AfterFunc(sess.ctx, func() { _ = conn.Close() })

	sess.setState(stateAwaitingJoin)
	if err := r.handshake(sess); err != nil {
		if !errors.Is(err, io.EOF) {
			r.log.Error("handshake failed",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			r.metrics.recordError(handshakeCode(err))
		}
		return
	}

	go sess.writeLoop()
	r.metrics.incSession()
	r.announceJoin(sess)
	r.readLoop(sess)
}

// handshake requires the first decoded frame to be a Join. On success the
// session gets a fresh uid, turns Active, and enters the registry. On any
// failure the session is torn down before it was ever registered.
func (r *Router) handshake(sess *session) error {
	env, err := protocol.Decode(sess.conn, r.maxFrameBytes)
	if err != nil {
		return err
	}
	if env.Kind != protocol.KindJoin {
		return fmt.Errorf("%w: first frame is %s, want join", errHandshake, env.Kind)
	}

	sess.uid = uuid.NewString()
	sess.username = env.From
	sess.joinedAt = time.Now()
	sess.setState(stateActive)

	if !r.reg.Register(sess) {
		return fmt.Errorf("%w: uid %s already registered", errHandshake, sess.uid)
	}
	return nil
}

// announceJoin converges every presence list. The joiner's own echo goes
// first so the first Join bearing its username carries its assigned uid,
// then the current roster, then the fan-out to everyone else.
func (r *Router) announceJoin(sess *session) {
	self := protocol.NewJoin(sess.username, sess.uid)
	if err := sess.Deliver(self); err != nil {
		r.log.Warn("join echo failed", zap.String("username", sess.username), zap.Error(err))
	}
	for _, peer := range r.reg.Snapshot() {
		if peer.UID() == sess.uid {
			continue
		}
		if err := sess.Deliver(protocol.NewJoin(peer.Username(), peer.UID())); err != nil {
			r.log.Warn("roster sync failed", zap.String("username", sess.username), zap.Error(err))
		}
	}
	r.broadcast(self, sess.uid)
	r.log.Info("user joined",
		zap.String("username", sess.username),
		zap.String("uid", sess.uid),
		zap.Int("online", r.reg.Len()))
}

func (r *Router) readLoop(sess *session) {
	for {
		if sess.ctx.Err() != nil {
			r.disconnect(sess)
			return
		}

		env, err := protocol.Decode(sess.conn, r.maxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), sess.ctx.Err() != nil:
				// Routine end of stream.
			case errors.Is(err, protocol.ErrUnknownKind):
				// Non-fatal: log with the offending username, drop the frame.
				r.log.Warn("unknown envelope kind",
					zap.String("username", sess.username),
					zap.Error(err))
				r.metrics.recordError(codeUnknownKind)
				continue
			case errors.Is(err, protocol.ErrFrameTooLarge),
				errors.Is(err, protocol.ErrBadLength),
				errors.Is(err, protocol.ErrMissingField):
				r.log.Error("invalid frame",
					zap.String("username", sess.username),
					zap.Error(err))
				r.metrics.recordError(codeFrame)
			default:
				r.log.Warn("session read failed",
					zap.String("username", sess.username),
					zap.Error(err))
				r.metrics.recordError(codeTransport)
			}
			r.disconnect(sess)
			return
		}

		start := time.Now()
		closed := r.dispatch(sess, env)
		r.metrics.observeDispatch(env.Kind.String(), time.Since(start))
		if closed {
			return
		}
	}
}

// dispatch routes one decoded envelope. The sender identity is always taken
// from the session, never trusted from the frame, so every routed envelope is
// attributable to exactly one joined sender.
func (r *Router) dispatch(sess *session, env protocol.Envelope) (closed bool) {
	r.metrics.recordFrame(env.Kind.String())
	env.From = sess.username
	env.SenderUID = sess.uid

	switch env.Kind {
	case protocol.KindMessage:
		// Sender included: it sees its own message echoed with the
		// server-assigned uid.
		r.broadcast(env, "")
	case protocol.KindPrivateMessage:
		r.routePrivate(sess, env)
	case protocol.KindTyping, protocol.KindStopTyping:
		// Pure relay, no state retained; senders never see their own notice.
		r.broadcast(env, sess.uid)
	case protocol.KindLeave:
		r.disconnect(sess)
		return true
	case protocol.KindJoin:
		r.log.Warn("duplicate join ignored", zap.String("username", sess.username))
	case protocol.KindSystem:
		// Server-originated only; never accepted as an inbound instruction.
		r.log.Warn("client-sent system envelope dropped", zap.String("username", sess.username))
	}
	return false
}

func (r *Router) routePrivate(sess *session, env protocol.Envelope) {
	recipient, ok := r.reg.Lookup(env.To)
	if !ok {
		r.metrics.recordError(codeRoutingMiss)
		r.log.Info("private message to offline user",
			zap.String("from", sess.username),
			zap.String("to", env.To))
		notice := protocol.NewSystem(fmt.Sprintf("User '%s' is not online", env.To))
		if err := sess.Deliver(notice); err != nil {
			r.log.Warn("routing-miss notice failed", zap.String("to", sess.username), zap.Error(err))
		}
		return
	}

	if err := recipient.Deliver(env); err != nil {
		r.metrics.recordDrop()
		r.log.Warn("private delivery failed",
			zap.String("from", sess.username),
			zap.String("to", env.To),
			zap.Error(err))
		return
	}
	// Echo the same envelope back to the sender as confirmation.
	if err := sess.Deliver(env); err != nil {
		r.log.Warn("private echo failed", zap.String("to", sess.username), zap.Error(err))
	}
}

// broadcast fans an envelope out to a snapshot of the live set, best effort.
// A failed delivery to one recipient is logged and counted, never allowed to
// abort delivery to the rest.
func (r *Router) broadcast(env protocol.Envelope, excludeUID string) {
	for _, peer := range r.reg.Snapshot() {
		if excludeUID != "" && peer.UID() == excludeUID {
			continue
		}
		if err := peer.Deliver(env); err != nil {
			r.metrics.recordDrop()
			r.log.Warn("fan-out delivery failed",
				zap.String("to", peer.Username()),
				zap.Error(err))
		}
	}
}

// disconnect runs the controlled unregister-and-close sequence. The registry
// removal is idempotent, so the graceful-leave and transport-failure paths
// can both land here; only the first one broadcasts the Leave notice.
func (r *Router) disconnect(sess *session) {
	removed := r.reg.Unregister(sess.uid)
	sess.close()
	if !removed {
		return
	}
	r.metrics.decSession()
	if !r.draining.Load() {
		r.broadcast(protocol.NewLeave(sess.username, sess.uid), sess.uid)
	}
	r.log.Info("user left",
		zap.String("username", sess.username),
		zap.String("uid", sess.uid),
		zap.Int("online", r.reg.Len()))
}

// shutdownSessions writes a final notice to every live session and closes
// them. Leave broadcasts are suppressed while draining.
func (r *Router) shutdownSessions(notice protocol.Envelope) {
	r.draining.Store(true)
	for _, peer := range r.reg.Snapshot() {
		sess, ok := peer.(*session)
		if !ok {
			continue
		}
		if err := sess.writeEnv(notice); err != nil {
			r.log.Warn("shutdown notice failed", zap.String("to", sess.username), zap.Error(err))
		}
		sess.close()
	}
}

func handshakeCode(err error) string {
	switch {
	case errors.Is(err, errHandshake):
		return codeHandshake
	case errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrBadLength),
		errors.Is(err, protocol.ErrMissingField),
		errors.Is(err, protocol.ErrUnknownKind):
		return codeFrame
	default:
		return codeTransport
	}
}
