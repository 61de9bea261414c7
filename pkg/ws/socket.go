package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type role string

const (
	roleClient role = "client"
	rolePeer   role = "peer"
)

// socket is one WebSocket connection in either role. It owns the connection's
// notification stream: every event is emitted from the goroutine that runs the
// socket, in the order it happened.
type socket struct {
	id     string
	role   role
	corr   corrData
	events *stream
	logger *slog.Logger
	cfg    Config

	state atomic.Int32
	conn  atomic.Pointer[websocket.Conn]
	out   chan string

	// overflow is closed once the send queue has rejected a frame. The write
	// loop reports it and closes the socket.
	overflow     chan struct{}
	overflowOnce sync.Once

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	done        chan struct{}
	onTerminate func()
}

func newSocket(id string, r role, corr corrData, events *stream, cfg Config) *socket {
	return &socket{
		id:       id,
		role:     r,
		corr:     corr,
		events:   events,
		logger:   cfg.Logger.With("role", string(r), "id", id),
		cfg:      cfg,
		out:      make(chan string, cfg.SendBuffer),
		overflow: make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *socket) State() State {
	return State(s.state.Load())
}

func (s *socket) setState(st State) {
	s.state.Store(int32(st))
}

func (s *socket) emit(n Notification) {
	s.events.emit(n)
}

func (s *socket) emitError(err error) {
	if st := s.State(); st != StateClosed {
		s.setState(StateError)
	}

	n := s.corr.notification(EventError, s.id)
	n.Error = err.Error()
	s.emit(n)
}

// send queues a text frame without blocking. Frames queued before the socket
// opens are written once it does.
func (s *socket) send(msg string) error {
	select {
	case <-s.closing:
		return ErrConnectionClosed
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case s.out <- msg:
		return nil
	default:
		s.overflowOnce.Do(func() {
			s.logger.Warn("send queue overflow", "capacity", cap(s.out))
			close(s.overflow)
		})

		return nil
	}
}

// close requests a graceful shutdown. Only the first call has an effect.
func (s *socket) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason

		if s.State() != StateClosed {
			s.setState(StateClosing)
		}

		close(s.closing)
	})
}

func (s *socket) closeRequested() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// forceClose tears the transport down without a closing handshake.
func (s *socket) forceClose() {
	if conn := s.conn.Load(); conn != nil {
		_ = conn.Close()
	}
}

// run drives an open connection until it terminates.
func (s *socket) run(conn *websocket.Conn) {
	s.conn.Store(conn)

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	s.cfg.Metrics.opened(s.role)
	s.logger.Info("connection open", "remote_addr", conn.RemoteAddr())

	s.emit(s.corr.notification(EventOpen, s.id))

	go s.writeLoop(conn)

	err := s.readLoop(conn)

	_ = conn.Close()
	s.cfg.Metrics.closed(s.role)

	code, reason, remote := s.classify(err)
	s.logger.Info("connection closed", "code", code, "reason", reason, "remote", remote)

	s.terminate(code, reason, remote)
}

// abort terminates a socket whose connection never opened.
func (s *socket) abort(err error) {
	s.logger.Warn("connection failed", "error", err)
	s.emitError(err)
	s.terminate(CloseNeverConnected, err.Error(), false)
}

func (s *socket) terminate(code int, reason string, remote bool) {
	if s.onTerminate != nil {
		s.onTerminate()
	}

	s.setState(StateClosed)

	n := s.corr.notification(EventClose, s.id)
	n.Code = code
	n.Reason = reason
	n.Remote = remote
	s.emit(n)

	close(s.done)
	s.events.close()
}

func (s *socket) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch mt {
		case websocket.TextMessage:
			s.cfg.Metrics.received(s.role)

			n := s.corr.notification(EventMessage, s.id)
			n.Message = string(data)
			s.emit(n)

		case websocket.BinaryMessage:
			s.emitError(ErrBinaryUnsupported)
			s.close(websocket.CloseUnsupportedData, ErrBinaryUnsupported.Error())
		}
	}
}

func (s *socket) writeLoop(conn *websocket.Conn) {
	overflow := s.overflow

	for {
		select {
		case <-overflow:
			overflow = nil

			s.emitError(fmt.Errorf("send queue overflow after %d frames", cap(s.out)))
			s.close(websocket.CloseTryAgainLater, "send queue overflow")

		case msg := <-s.out:
			if err := s.write(conn, msg); err != nil {
				s.logger.Error("write error", "error", err)
				_ = conn.Close()

				return
			}

		case <-s.closing:
			s.flush(conn)

			closeMsg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("failed to write close frame", "error", err)
				_ = conn.Close()

				return
			}

			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.CloseGrace))

			return

		case <-s.done:
			return
		}
	}
}

// flush writes whatever was queued before close was requested.
func (s *socket) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-s.out:
			if err := s.write(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socket) write(conn *websocket.Conn, msg string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return err
	}

	s.cfg.Metrics.sent(s.role)

	return nil
}

// classify turns the error that ended the read loop into onClose fields.
// Transport failures that were not part of a closing handshake are also
// reported through onError.
func (s *socket) classify(err error) (code int, reason string, remote bool) {
	if s.closeRequested() {
		return s.closeCode, s.closeReason, false
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}

	s.emitError(err)

	return websocket.CloseAbnormalClosure, err.Error(), true
}
