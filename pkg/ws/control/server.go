package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws"
)

type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type ServerConfig struct {
	// MaxLineSize bounds a single request line.
	MaxLineSize int
	Logger      *slog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxLineSize: 1 << 20,
		Logger:      slog.Default(),
	}
}

// Server reads requests line by line, routes them to handlers and writes
// responses and notifications to a shared writer. Requests are handled in the
// order they arrive.
type Server struct {
	handlers map[string]Handler
	mu       sync.RWMutex
	cfg      ServerConfig
	logger   *slog.Logger
	writeMu  sync.Mutex
	enc      *json.Encoder
}

var _ ws.Notifier = (*Server)(nil)

func NewServer(w io.Writer, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultServerConfig().MaxLineSize
	}

	return &Server{
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   cfg.Logger,
		enc:      json.NewEncoder(w),
	}
}

// Handle registers handler for route. Like http.ServeMux it panics when the
// route is empty, the handler is nil or the route is already taken, since
// routes are fixed at startup.
func (s *Server) Handle(route string, handler Handler) {
	if route == "" {
		panic("control: empty route")
	}

	if handler == nil {
		panic("control: nil handler for route " + route)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[route]; exists {
		panic("control: multiple registrations for route " + route)
	}

	s.handlers[route] = handler
}

func (s *Server) lookup(route string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.handlers[route]
}

// Serve processes requests from r until it is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), s.cfg.MaxLineSize)

		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())

			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}

		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}

			s.processLine(ctx, line)
		}
	}
}

func (s *Server) processLine(ctx context.Context, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var msg Message

	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Error("failed to unmarshal request", "error", err)
		s.sendMessage(NewErrorResponse(0, fmt.Errorf("%w: %w", ErrBadRequest, err)))

		return
	}

	s.processRequest(ctx, &msg)
}

func (s *Server) processRequest(ctx context.Context, msg *Message) {
	handler := s.lookup(msg.Route)
	if handler == nil {
		s.sendError(msg.ID, fmt.Errorf("%w: %s", ErrRouteNotFound, msg.Route))
		return
	}

	result, err := handler(ctx, msg.Payload)
	if err != nil {
		s.sendError(msg.ID, err)
		return
	}

	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		s.sendError(msg.ID, err)
		return
	}

	s.sendMessage(resp)
}

// Notify writes n as a notification line.
func (s *Server) Notify(n ws.Notification) error {
	msg, err := NewNotification(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	return s.write(msg)
}

func (s *Server) sendError(requestID uint64, err error) {
	s.sendMessage(NewErrorResponse(requestID, err))
}

func (s *Server) sendMessage(msg *Message) {
	if err := s.write(msg); err != nil {
		s.logger.Error("failed to write message", "error", err)
	}
}

func (s *Server) write(msg *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.enc.Encode(msg)
}
