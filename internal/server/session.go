package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-chat/parley/internal/protocol"
	"go.uber.org/zap"
)

// sessionState models the per-connection lifecycle.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAwaitingJoin
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingJoin:
		return "awaiting_join"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errSessionClosed = errors.New("session closed")

// session owns one accepted transport for its lifetime: a read loop decoding
// inbound frames and a writer draining the outbound queue. The two paths
// never block each other.
type session struct {
	uid      string
	username string
	conn     net.Conn
	log      *zap.Logger

	sendCh chan protocol.Envelope
	ctx    context.Context
	cancel context.CancelFunc

	wmu       sync.Mutex
	state     atomic.Int32
	joinedAt  time.Time
	closeOnce sync.Once
}

func newSession(parent context.Context, conn net.Conn, log *zap.Logger, sendBuffer int) *session {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		conn:   conn,
		log:    log,
		sendCh: make(chan protocol.Envelope, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.state.Store(int32(stateConnecting))
	return s
}

// UID returns the server-assigned session identifier.
func (s *session) UID() string { return s.uid }

// Username returns the name bound at join time.
func (s *session) Username() string { return s.username }

// Deliver queues an envelope for the session's writer. It never blocks: a
// closed session or a full queue yields an error the caller logs and moves on
// from, so one slow recipient cannot stall a fan-out.
func (s *session) Deliver(env protocol.Envelope) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case s.sendCh <- env:
		return nil
	default:
		return errors.New("session send buffer full")
	}
}

// writeEnv serializes one frame onto the transport. The mutex keeps the
// writer goroutine and the shutdown notice from interleaving frames.
func (s *session) writeEnv(env protocol.Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return protocol.Write(s.conn, env)
}

// writeLoop drains the outbound queue onto the transport. A write failure
// tears down only this session.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.sendCh:
			if err := s.writeEnv(env); err != nil {
				s.log.Warn("outbound send failed",
					zap.String("uid", s.uid),
					zap.String("username", s.username),
					zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

func (s *session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// close transitions Closing -> Closed and releases the transport exactly once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		s.cancel()
		_ = s.conn.Close()
		s.setState(stateClosed)
	})
}
