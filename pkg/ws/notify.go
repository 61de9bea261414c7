package ws

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

type Event string

const (
	EventStart   Event = "onStart"
	EventOpen    Event = "onOpen"
	EventMessage Event = "onMessage"
	EventClose   Event = "onClose"
	EventError   Event = "onError"
)

// CloseNeverConnected is reported as the close code of a client connection
// whose opening handshake never completed.
const CloseNeverConnected = -1

// Notification is one controller-bound event. CorrData is a private copy of
// the correlation data of the connection or server that raised it.
type Notification struct {
	Event    Event           `json:"-"`
	CorrData json.RawMessage `json:"corrData,omitempty"`
	ID       string          `json:"id"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     int             `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Remote   bool            `json:"remote,omitempty"`
}

type notificationHeader struct {
	CorrData json.RawMessage `json:"corrData,omitempty"`
	ID       string          `json:"id"`
}

// MarshalJSON writes the fields of n's event only. Fields an event defines
// are always present, even when zero.
func (n Notification) MarshalJSON() ([]byte, error) {
	h := notificationHeader{CorrData: n.CorrData, ID: n.ID}

	switch n.Event {
	case EventMessage:
		return json.Marshal(struct {
			notificationHeader
			Message string `json:"message"`
		}{h, n.Message})

	case EventError:
		return json.Marshal(struct {
			notificationHeader
			Error string `json:"error"`
		}{h, n.Error})

	case EventClose:
		return json.Marshal(struct {
			notificationHeader
			Code   int    `json:"code"`
			Reason string `json:"reason"`
			Remote bool   `json:"remote"`
		}{h, n.Code, n.Reason, n.Remote})

	default:
		return json.Marshal(h)
	}
}

// Notifier is the controller's notification channel. Notify is called from
// one goroutine per connection; implementations must be safe for concurrent
// use and should not block indefinitely.
type Notifier interface {
	Notify(n Notification) error
}

type NotifierFunc func(n Notification) error

func (f NotifierFunc) Notify(n Notification) error { return f(n) }

// corrData is an immutable correlation context. Every notification receives
// its own copy.
type corrData struct {
	raw json.RawMessage
}

func newCorrData(raw json.RawMessage) corrData {
	return corrData{raw: bytes.Clone(raw)}
}

func (c corrData) notification(ev Event, id string) Notification {
	return Notification{
		Event:    ev,
		CorrData: bytes.Clone(c.raw),
		ID:       id,
	}
}

type dispatcher struct {
	notifier Notifier
	buffer   int
	logger   *slog.Logger
	metrics  *Metrics
}

func newDispatcher(n Notifier, cfg Config) *dispatcher {
	return &dispatcher{
		notifier: n,
		buffer:   cfg.EventBuffer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

func (d *dispatcher) deliver(n Notification) {
	d.metrics.notification(n.Event)

	if err := d.notifier.Notify(n); err != nil {
		d.logger.Warn("failed to deliver notification",
			"event", string(n.Event),
			"id", n.ID,
			"error", err,
		)
	}
}

// stream is the ordered notification queue of a single connection or server.
// A dedicated goroutine drains it, so streams of different connections never
// wait on each other.
type stream struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Notification
	done   chan struct{}
}

func (d *dispatcher) open() *stream {
	s := &stream{
		ch:   make(chan Notification, d.buffer),
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)

		for n := range s.ch {
			d.deliver(n)
		}
	}()

	return s
}

// emit queues n behind every notification emitted before it. Emitting on a
// closed stream is a no-op.
func (s *stream) emit(n Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	s.ch <- n

	return true
}

// close stops accepting notifications. Queued ones are still delivered.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

func (s *stream) drained() <-chan struct{} {
	return s.done
}
