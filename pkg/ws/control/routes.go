package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws"
)

const (
	RouteConnect   = "connect"
	RouteBind      = "bind"
	RouteSend      = "send"
	RouteBroadcast = "broadcast"
	RouteClose     = "close"
	RouteStop      = "stop"
	RouteStatus    = "status"
)

type CloseRequest struct {
	ID string `json:"id"`
}

type Status struct {
	Clients  []string `json:"clients"`
	Server   string   `json:"server,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Peers    []string `json:"peers,omitempty"`
}

// Register exposes the gateway's commands on s.
func Register(s *Server, gw *ws.Gateway) {
	s.Handle(RouteConnect, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req ws.ConnectRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}

		return nil, gw.Connect(req)
	})

	s.Handle(RouteBind, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req ws.BindRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}

		return nil, gw.Bind(req)
	})

	s.Handle(RouteSend, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req ws.SendRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}

		return nil, gw.Send(req)
	})

	s.Handle(RouteBroadcast, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req ws.BroadcastRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}

		return nil, gw.Broadcast(req)
	})

	s.Handle(RouteClose, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req CloseRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}

		gw.Close(req.ID)

		return nil, nil
	})

	s.Handle(RouteStop, func(ctx context.Context, _ json.RawMessage) (any, error) {
		gw.Stop(ctx)
		return nil, nil
	})

	s.Handle(RouteStatus, func(_ context.Context, _ json.RawMessage) (any, error) {
		return StatusOf(gw), nil
	})
}

func StatusOf(gw *ws.Gateway) Status {
	st := Status{Clients: gw.Clients()}

	if srv := gw.Server(); srv != nil {
		st.Server = srv.Addr()
		st.Instance = srv.Instance()
		st.Peers = srv.Peers()
	}

	return st
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrBadRequest)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	return nil
}
