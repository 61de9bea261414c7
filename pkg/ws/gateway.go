package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type SendRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// BroadcastRequest addresses every open peer when IDs is nil, and exactly the
// listed peers otherwise.
type BroadcastRequest struct {
	Message string   `json:"message"`
	IDs     []string `json:"ids"`
}

// Gateway is the command surface. Commands never block on network I/O; their
// outcomes are reported to the Notifier.
type Gateway struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *dispatcher
	clients    *Registry[*ClientConn]

	bindMu sync.Mutex
	server atomic.Pointer[Server]
}

func New(cfg Config, notifier Notifier) *Gateway {
	cfg = cfg.withDefaults()

	return &Gateway{
		cfg:        cfg,
		logger:     cfg.Logger,
		dispatcher: newDispatcher(notifier, cfg),
		clients:    NewRegistry[*ClientConn](),
	}
}

// Connect registers a client connection and starts its opening handshake. An
// active connection with the same id is closed and replaced.
func (g *Gateway) Connect(req ConnectRequest) error {
	c, err := newClientConn(req, g.dispatcher, g.cfg)
	if err != nil {
		return g.fault("connect", err)
	}

	c.onTerminate = func() { g.clients.CompareAndRemove(req.ID, c) }

	if prev, ok := g.clients.Swap(req.ID, c); ok {
		g.logger.Warn("replacing active connection", "id", req.ID)
		prev.Close()
	}

	go c.connect()

	return nil
}

// Bind starts the server. Binding while another server is bound fails with
// ErrConflict; Stop it first.
func (g *Gateway) Bind(req BindRequest) error {
	g.bindMu.Lock()
	defer g.bindMu.Unlock()

	if cur := g.server.Load(); cur != nil {
		return g.fault("bind", fmt.Errorf("%w: server already bound at %s", ErrConflict, cur.Addr()))
	}

	srv, err := newServer(req, g.dispatcher, g.cfg)
	if err != nil {
		return g.fault("bind", err)
	}

	srv.onStop = func() { g.server.CompareAndSwap(srv, nil) }

	g.server.Store(srv)
	srv.start()

	return nil
}

// Send delivers to the client connection with the given id, falling back to
// the bound server's peer of that id.
func (g *Gateway) Send(req SendRequest) error {
	if c, ok := g.clients.Get(req.ID); ok {
		if err := c.Send(req.Message); err != nil {
			g.logger.Debug("dropping message for closing connection", "id", req.ID, "error", err)
		}

		return nil
	}

	if srv := g.server.Load(); srv != nil {
		return g.fault("send", srv.sendTo([]string{req.ID}, req.Message))
	}

	return g.fault("send", fmt.Errorf("%w: no connection %q", ErrNotFound, req.ID))
}

func (g *Gateway) Broadcast(req BroadcastRequest) error {
	srv := g.server.Load()
	if srv == nil {
		return g.fault("broadcast", fmt.Errorf("%w: no server bound", ErrNotFound))
	}

	if req.IDs == nil {
		srv.broadcast(req.Message)
		return nil
	}

	return g.fault("broadcast", srv.sendTo(req.IDs, req.Message))
}

// Close removes the client connection from the registry and requests a
// graceful close. Unknown ids are ignored.
func (g *Gateway) Close(id string) {
	c, ok := g.clients.Remove(id)
	if !ok {
		g.logger.Debug("close for unknown connection", "id", id)
		return
	}

	c.Close()
}

// Stop stops the bound server, if any, and blocks until it has released its
// listener and peers.
func (g *Gateway) Stop(ctx context.Context) {
	srv := g.server.Load()
	if srv == nil {
		return
	}

	srv.Stop(ctx)
}

// Shutdown closes every client connection and stops the server, waiting for
// the client connections to terminate until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var eg errgroup.Group

	for _, id := range g.clients.IDs() {
		c, ok := g.clients.Remove(id)
		if !ok {
			continue
		}

		eg.Go(func() error {
			c.Close()

			select {
			case <-c.Done():
				return nil
			case <-ctx.Done():
				c.forceClose()
				return fmt.Errorf("client %q: %w", c.ID(), ctx.Err())
			}
		})
	}

	eg.Go(func() error {
		g.Stop(ctx)
		return nil
	})

	return eg.Wait()
}

// Server returns the bound server, or nil.
func (g *Gateway) Server() *Server {
	return g.server.Load()
}

// Clients returns the ids of the registered client connections.
func (g *Gateway) Clients() []string {
	return g.clients.IDs()
}

// Peers returns the ids of the bound server's open peers.
func (g *Gateway) Peers() []string {
	if srv := g.server.Load(); srv != nil {
		return srv.Peers()
	}

	return nil
}

func (g *Gateway) fault(cmd string, err error) error {
	if err == nil {
		return nil
	}

	g.cfg.Metrics.fault(cmd, FaultName(err))
	g.logger.Debug("command failed", "command", cmd, "error", err)

	return err
}
