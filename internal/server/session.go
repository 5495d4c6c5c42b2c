package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalmerr/webpecker/internal/events"
)

// sessionWriteTimeout bounds a single frame write so a stalled client cannot
// block the delivery worker forever.
const sessionWriteTimeout = 5 * time.Second

var errSessionClosed = errors.New("session closed")

// Session is one connected control client. It is the pipeline's delivery
// channel for as long as the connection stays open.
type Session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	open    atomic.Bool
}

func newSession(conn *websocket.Conn) *Session {
	s := &Session{id: uuid.NewString(), conn: conn}
	s.open.Store(true)
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Open reports whether the connection is still usable.
func (s *Session) Open() bool { return s.open.Load() }

// Send writes payload as one text frame.
func (s *Session) Send(payload []byte) error {
	if !s.open.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// closeWith sends a close frame with code and reason, then closes the
// connection. Safe to call more than once.
func (s *Session) closeWith(code int, reason string) {
	if !s.open.Swap(false) {
		return
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// phaseSink routes call lifecycle phases of a session into the pipeline.
// It stays active while the session is open.
type phaseSink struct {
	pipeline *events.Pipeline
	session  *Session
}

func (p phaseSink) Push(e events.Event) { p.pipeline.Push(e) }

func (p phaseSink) Active() bool { return p.session.Open() }
