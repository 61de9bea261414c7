package ws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type BindRequest struct {
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	CorrData   json.RawMessage `json:"corrData,omitempty"`
	SSL        *SSLConfig      `json:"ssl,omitempty"`
	TCPNoDelay bool            `json:"tcpNoDelay,omitempty"`
}

// Server is the bound WebSocket endpoint. All peers share the correlation data
// given at bind time.
type Server struct {
	instance   string
	corr       corrData
	dispatcher *dispatcher
	events     *stream
	cfg        Config
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpSrv    *http.Server
	tlsConfig  *tls.Config
	tcpNoDelay bool
	peers      *Registry[*socket]

	mu       sync.Mutex
	addr     string
	state    State
	stopping bool
	stopCh   chan struct{}
	peerWG   sync.WaitGroup

	serveDone chan struct{}
	stopOnce  sync.Once
	onStop    func()
}

func newServer(req BindRequest, d *dispatcher, cfg Config) (*Server, error) {
	var tlsCfg *tls.Config
	if req.SSL != nil {
		var err error

		tlsCfg, err = BuildTLSConfig(*req.SSL, RoleServer)
		if err != nil {
			return nil, err
		}
	}

	host := req.Host
	if host == "" {
		host = "localhost"
	}

	instance := uuid.NewString()

	s := &Server{
		instance:   instance,
		corr:       newCorrData(req.CorrData),
		dispatcher: d,
		events:     d.open(),
		cfg:        cfg,
		logger:     cfg.Logger.With("role", "server", "instance", instance),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		tlsConfig:  tlsCfg,
		tcpNoDelay: req.TCPNoDelay,
		peers:      NewRegistry[*socket](),
		addr:       net.JoinHostPort(host, strconv.Itoa(req.Port)),
		state:      StateConnecting,
		stopCh:     make(chan struct{}),
		serveDone:  make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Handler: s,
		// A peer that never completes its upgrade request must not hold a
		// slot that Stop waits for.
		ReadHeaderTimeout: cfg.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	return s, nil
}

// Instance is a unique id for this binding, used in logs and health output.
func (s *Server) Instance() string {
	return s.instance
}

// Addr is the listening address once listening has begun, the requested
// address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Peers returns the ids of the currently open peers.
func (s *Server) Peers() []string {
	return s.peers.IDs()
}

func (s *Server) start() {
	go s.serve()
}

func (s *Server) serve() {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		s.logger.Error("failed to listen", "addr", s.Addr(), "error", err)
		s.emitError(err)
		close(s.serveDone)
		s.Stop(context.Background())

		return
	}

	ln = noDelayListener{Listener: ln, noDelay: s.tcpNoDelay}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = ln.Close()
		close(s.serveDone)

		return
	}

	s.addr = ln.Addr().String()
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("server listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)

	// Delivered before any peer can be accepted, so onStart always precedes
	// the first peer notification.
	s.dispatcher.deliver(s.corr.notification(EventStart, ln.Addr().String()))

	err = s.httpSrv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("serve error", "error", err)
		s.emitError(err)
	}

	close(s.serveDone)
}

func (s *Server) emitError(err error) {
	n := s.corr.notification(EventError, s.Addr())
	n.Error = err.Error()
	s.events.emit(n)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		http.Error(w, "server stopping", http.StatusServiceUnavailable)

		return
	}

	s.peerWG.Add(1)
	s.mu.Unlock()

	defer s.peerWG.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		s.emitError(err)

		return
	}

	id := conn.RemoteAddr().String()

	peer := newSocket(id, rolePeer, s.corr, s.dispatcher.open(), s.cfg)
	peer.onTerminate = func() { s.peers.CompareAndRemove(id, peer) }

	s.peers.Swap(id, peer)

	select {
	case <-s.stopCh:
		peer.close(websocket.CloseGoingAway, "server stopping")
	default:
	}

	peer.run(conn)
}

// broadcast queues msg on every open peer.
func (s *Server) broadcast(msg string) {
	for _, p := range s.peers.Snapshot() {
		s.deliver(p, msg)
	}
}

// sendTo resolves every id before queueing anything, so an unknown id means
// no peer receives msg.
func (s *Server) sendTo(ids []string, msg string) error {
	targets, err := s.peers.Resolve(ids)
	if err != nil {
		return err
	}

	for _, p := range targets {
		s.deliver(p, msg)
	}

	return nil
}

func (s *Server) deliver(p *socket, msg string) {
	if err := p.send(msg); err != nil {
		s.logger.Debug("dropping message for closing peer", "id", p.id, "error", err)
	}
}

// Stop closes the listener and every open peer. Peers that have not finished
// their closing handshake within the stop grace period are closed forcibly.
// Only the first call has an effect.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.stop(ctx)
	})
}

func (s *Server) stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
	defer cancel()

	s.mu.Lock()
	s.stopping = true
	if s.state != StateClosed {
		s.state = StateClosing
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("stopping server", "addr", s.Addr())

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("listener shutdown", "error", err)
	}

	<-s.serveDone

	var g errgroup.Group

	for _, p := range s.peers.Snapshot() {
		g.Go(func() error {
			p.close(websocket.CloseGoingAway, "server stopping")

			select {
			case <-p.done:
				return nil
			case <-ctx.Done():
				p.forceClose()
				<-p.done

				return ctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Warn("forced peer shutdown", "error", err)
	}

	s.peerWG.Wait()
	s.events.close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if s.onStop != nil {
		s.onStop()
	}

	s.logger.Info("server stopped")
}

type noDelayListener struct {
	net.Listener
	noDelay bool
}

func (l noDelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(l.noDelay)
	}

	return conn, nil
}
