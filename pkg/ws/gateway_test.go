package ws_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/wsgate/internal/testpki"
	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws"
)

const waitTimeout = 5 * time.Second

type recorder struct {
	ch chan ws.Notification

	mu      sync.Mutex
	seen    []ws.Notification
	pending []ws.Notification
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan ws.Notification, 1024)}
}

func (r *recorder) Notify(n ws.Notification) error {
	r.ch <- n
	return nil
}

// waitFor returns the first notification that satisfies match. Notifications
// skipped on the way stay available to later calls.
func (r *recorder) waitFor(t *testing.T, desc string, match func(ws.Notification) bool) ws.Notification {
	t.Helper()

	r.mu.Lock()
	for i, n := range r.pending {
		if match(n) {
			r.pending = slices.Delete(r.pending, i, i+1)
			r.mu.Unlock()

			return n
		}
	}
	r.mu.Unlock()

	timeout := time.After(waitTimeout)

	for {
		select {
		case n := <-r.ch:
			r.mu.Lock()
			r.seen = append(r.seen, n)
			matched := match(n)
			if !matched {
				r.pending = append(r.pending, n)
			}
			r.mu.Unlock()

			if matched {
				return n
			}

		case <-timeout:
			t.Fatalf("timed out waiting for %s", desc)
			return ws.Notification{}
		}
	}
}

func (r *recorder) wait(t *testing.T, ev ws.Event, id string) ws.Notification {
	t.Helper()

	return r.waitFor(t, string(ev)+" "+id, func(n ws.Notification) bool {
		return n.Event == ev && n.ID == id
	})
}

// events lists the consumed events of id in delivery order.
func (r *recorder) events(id string) []ws.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ws.Event

	for _, n := range r.seen {
		if n.ID == id {
			out = append(out, n.Event)
		}
	}

	return out
}

func (r *recorder) assertQuiet(t *testing.T) {
	t.Helper()

	select {
	case n := <-r.ch:
		t.Fatalf("unexpected notification %s for %q", n.Event, n.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func testConfig() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CloseGrace = time.Second
	cfg.StopGrace = time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	return cfg
}

func newGateway(t *testing.T, cfg ws.Config) (*ws.Gateway, *recorder) {
	t.Helper()

	rec := newRecorder()
	gw := ws.New(cfg, rec)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		_ = gw.Shutdown(ctx)
	})

	return gw, rec
}

// echoServer echoes every frame back with its original type.
func echoServer(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func bind(t *testing.T, gw *ws.Gateway, rec *recorder, req ws.BindRequest) string {
	t.Helper()

	req.Host = "127.0.0.1"
	require.NoError(t, gw.Bind(req))

	n := rec.waitFor(t, "onStart", func(n ws.Notification) bool { return n.Event == ws.EventStart })

	return n.ID
}

// dialPeer connects a raw client to the bound server and returns it with the
// peer id the gateway assigned.
func dialPeer(t *testing.T, rec *recorder, addr string) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	id := conn.LocalAddr().String()
	rec.wait(t, ws.EventOpen, id)

	return conn, id
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	return string(data)
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}

		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)

		return ce.Code
	}
}

func TestConnect_InvalidURI(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	for _, uri := range []string{"", "not a uri", "http://example.com", "ws://", "ws://%zz"} {
		err := gw.Connect(ws.ConnectRequest{ID: "bad", URI: uri})
		require.ErrorIs(t, err, ws.ErrInvalidURI, uri)
		assert.Equal(t, ws.FaultInvalidURI, ws.FaultName(err))
	}

	assert.Empty(t, gw.Clients())
	rec.assertQuiet(t)
}

func TestConnect_InvalidTLS(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	err := gw.Connect(ws.ConnectRequest{
		ID:  "secure",
		URI: "wss://localhost:1",
		SSL: &ws.SSLConfig{Protocol: "SSLv2"},
	})
	require.ErrorIs(t, err, ws.ErrTLSConfig)

	assert.Empty(t, gw.Clients())
	rec.assertQuiet(t)
}

func TestConnect_SendBeforeOpenIsQueued(t *testing.T) {
	url := echoServer(t)
	gw, rec := newGateway(t, testConfig())

	require.NoError(t, gw.Connect(ws.ConnectRequest{
		ID:       "a",
		URI:      url,
		CorrData: json.RawMessage(`{"k":1}`),
	}))
	require.NoError(t, gw.Send(ws.SendRequest{ID: "a", Message: "hello"}))

	open := rec.wait(t, ws.EventOpen, "a")
	assert.JSONEq(t, `{"k":1}`, string(open.CorrData))

	msg := rec.wait(t, ws.EventMessage, "a")
	assert.Equal(t, "hello", msg.Message)
	assert.JSONEq(t, `{"k":1}`, string(msg.CorrData))

	gw.Close("a")

	closed := rec.wait(t, ws.EventClose, "a")
	assert.Equal(t, websocket.CloseNormalClosure, closed.Code)
	assert.False(t, closed.Remote)

	assert.Equal(t, []ws.Event{ws.EventOpen, ws.EventMessage, ws.EventClose}, rec.events("a"))
	assert.Empty(t, gw.Clients())
}

func TestConnect_CorrelationDataIsolated(t *testing.T) {
	url := echoServer(t)
	gw, rec := newGateway(t, testConfig())

	corrA := []byte(`{"n":"a"}`)

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "a", URI: url, CorrData: corrA}))
	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "b", URI: url, CorrData: json.RawMessage(`{"n":"b"}`)}))

	// The gateway keeps its own copy of the request's correlation data.
	copy(corrA, `{"n":"X"}`)

	openA := rec.wait(t, ws.EventOpen, "a")
	assert.JSONEq(t, `{"n":"a"}`, string(openA.CorrData))

	// Mutating a delivered notification does not leak into later ones.
	copy(openA.CorrData, `{"n":"Y"}`)

	require.NoError(t, gw.Send(ws.SendRequest{ID: "a", Message: "to a"}))
	require.NoError(t, gw.Send(ws.SendRequest{ID: "b", Message: "to b"}))

	msgA := rec.wait(t, ws.EventMessage, "a")
	assert.Equal(t, "to a", msgA.Message)
	assert.JSONEq(t, `{"n":"a"}`, string(msgA.CorrData))

	msgB := rec.wait(t, ws.EventMessage, "b")
	assert.Equal(t, "to b", msgB.Message)
	assert.JSONEq(t, `{"n":"b"}`, string(msgB.CorrData))

	assert.Equal(t, []string{"a", "b"}, gw.Clients())
}

func TestConnect_ReplacesActiveID(t *testing.T) {
	url := echoServer(t)
	gw, rec := newGateway(t, testConfig())

	generation := func(n ws.Notification) string {
		var v struct {
			Gen string `json:"gen"`
		}
		_ = json.Unmarshal(n.CorrData, &v)

		return v.Gen
	}

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "a", URI: url, CorrData: json.RawMessage(`{"gen":"1"}`)}))
	rec.wait(t, ws.EventOpen, "a")

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "a", URI: url, CorrData: json.RawMessage(`{"gen":"2"}`)}))

	closed := rec.waitFor(t, "first connection closed", func(n ws.Notification) bool {
		return n.Event == ws.EventClose && generation(n) == "1"
	})
	assert.Equal(t, websocket.CloseNormalClosure, closed.Code)

	rec.waitFor(t, "second connection open", func(n ws.Notification) bool {
		return n.Event == ws.EventOpen && generation(n) == "2"
	})

	require.NoError(t, gw.Send(ws.SendRequest{ID: "a", Message: "ping"}))

	msg := rec.wait(t, ws.EventMessage, "a")
	assert.Equal(t, "2", generation(msg))
	assert.Equal(t, []string{"a"}, gw.Clients())
}

func TestConnect_DialFailure(t *testing.T) {
	gw, rec := newGateway(t, testConfig())
	port := freePort(t)

	require.NoError(t, gw.Connect(ws.ConnectRequest{
		ID:       "down",
		URI:      "ws://127.0.0.1:" + strconv.Itoa(port) + "/",
		CorrData: json.RawMessage(`"c"`),
	}))

	errN := rec.wait(t, ws.EventError, "down")
	assert.NotEmpty(t, errN.Error)
	assert.JSONEq(t, `"c"`, string(errN.CorrData))

	closed := rec.wait(t, ws.EventClose, "down")
	assert.Equal(t, ws.CloseNeverConnected, closed.Code)
	assert.False(t, closed.Remote)

	assert.Equal(t, []ws.Event{ws.EventError, ws.EventClose}, rec.events("down"))
	assert.Eventually(t, func() bool { return len(gw.Clients()) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestConnect_RemoteBinaryRejected(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	binary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(binary.Close)

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "bin", URI: "ws" + strings.TrimPrefix(binary.URL, "http")}))

	errN := rec.wait(t, ws.EventError, "bin")
	assert.Contains(t, errN.Error, "binary")

	closed := rec.wait(t, ws.EventClose, "bin")
	assert.Equal(t, websocket.CloseUnsupportedData, closed.Code)
	assert.False(t, closed.Remote)

	assert.Equal(t, []ws.Event{ws.EventOpen, ws.EventError, ws.EventClose}, rec.events("bin"))
}

func TestSend_QueueOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1

	gate := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate

		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	gw, rec := newGateway(t, cfg)

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "slow", URI: "ws" + strings.TrimPrefix(ts.URL, "http")}))

	// The handshake is held back, so the second frame finds the queue full.
	// Send still returns without blocking.
	require.NoError(t, gw.Send(ws.SendRequest{ID: "slow", Message: "1"}))
	require.NoError(t, gw.Send(ws.SendRequest{ID: "slow", Message: "2"}))
	require.NoError(t, gw.Send(ws.SendRequest{ID: "slow", Message: "3"}))

	close(gate)

	errN := rec.wait(t, ws.EventError, "slow")
	assert.Contains(t, errN.Error, "overflow")

	closed := rec.wait(t, ws.EventClose, "slow")
	assert.Equal(t, websocket.CloseTryAgainLater, closed.Code)
	assert.False(t, closed.Remote)

	assert.Equal(t, []ws.Event{ws.EventOpen, ws.EventError, ws.EventClose}, rec.events("slow"))
}

func TestSend_UnknownID(t *testing.T) {
	gw, _ := newGateway(t, testConfig())

	err := gw.Send(ws.SendRequest{ID: "nobody", Message: "x"})
	require.ErrorIs(t, err, ws.ErrNotFound)
	assert.Equal(t, ws.FaultNotFound, ws.FaultName(err))
}

func TestBroadcast_NoServer(t *testing.T) {
	gw, _ := newGateway(t, testConfig())

	err := gw.Broadcast(ws.BroadcastRequest{Message: "x"})
	require.ErrorIs(t, err, ws.ErrNotFound)
}

func TestClose_UnknownIDIsIgnored(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	gw.Close("nobody")
	rec.assertQuiet(t)
}

func TestBind_InvalidTLS(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	err := gw.Bind(ws.BindRequest{Host: "127.0.0.1", SSL: &ws.SSLConfig{}})
	require.ErrorIs(t, err, ws.ErrTLSConfig)

	assert.Nil(t, gw.Server())
	rec.assertQuiet(t)
}

func TestBind_Conflict(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	bind(t, gw, rec, ws.BindRequest{})

	err := gw.Bind(ws.BindRequest{Host: "127.0.0.1"})
	require.ErrorIs(t, err, ws.ErrConflict)
	assert.Equal(t, ws.FaultConflict, ws.FaultName(err))
}

func TestBind_ListenFailure(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	addr := ln.Addr().String()
	port := ln.Addr().(*net.TCPAddr).Port

	require.NoError(t, gw.Bind(ws.BindRequest{Host: "127.0.0.1", Port: port}))

	errN := rec.wait(t, ws.EventError, addr)
	assert.NotEmpty(t, errN.Error)

	assert.Eventually(t, func() bool { return gw.Server() == nil }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []ws.Event{ws.EventError}, rec.events(addr), "no onStart after a listen failure")
}

func TestServer_PeerLifecycle(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{CorrData: json.RawMessage(`{"srv":true}`)})
	require.NotNil(t, gw.Server())
	assert.Equal(t, addr, gw.Server().Addr())

	conn, peer := dialPeer(t, rec, addr)
	conn2, peer2 := dialPeer(t, rec, addr)
	assert.ElementsMatch(t, []string{peer, peer2}, gw.Peers())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))

	msg := rec.wait(t, ws.EventMessage, peer)
	assert.Equal(t, "hi", msg.Message)
	assert.JSONEq(t, `{"srv":true}`, string(msg.CorrData))

	// Send falls back to the server's peers.
	require.NoError(t, gw.Send(ws.SendRequest{ID: peer, Message: "direct"}))
	assert.Equal(t, "direct", readText(t, conn))

	require.NoError(t, gw.Broadcast(ws.BroadcastRequest{Message: "all"}))
	assert.Equal(t, "all", readText(t, conn))
	assert.Equal(t, "all", readText(t, conn2))

	// One unknown recipient among live peers means nobody receives the
	// broadcast. Frames are ordered, so the next frame each peer reads shows
	// whether "partial" slipped through.
	err := gw.Broadcast(ws.BroadcastRequest{Message: "partial", IDs: []string{peer, "10.9.9.9:1", peer2}})
	require.ErrorIs(t, err, ws.ErrNotFound)

	require.NoError(t, gw.Broadcast(ws.BroadcastRequest{Message: "after", IDs: []string{peer, peer}}))
	assert.Equal(t, "after", readText(t, conn))

	require.NoError(t, gw.Send(ws.SendRequest{ID: peer2, Message: "after2"}))
	assert.Equal(t, "after2", readText(t, conn2))

	require.NoError(t, gw.Broadcast(ws.BroadcastRequest{Message: "nobody", IDs: []string{}}))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		gw.Stop(ctx)
		close(stopped)
	}()

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn2))

	closed := rec.wait(t, ws.EventClose, peer)
	assert.Equal(t, websocket.CloseGoingAway, closed.Code)
	assert.False(t, closed.Remote)

	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("stop did not return")
	}

	assert.Nil(t, gw.Server())
	assert.Empty(t, gw.Peers())
	assert.Equal(t, []ws.Event{ws.EventOpen, ws.EventMessage, ws.EventClose}, rec.events(peer))
	rec.wait(t, ws.EventClose, peer2)

	// Stopping again is a no-op, and the gateway can bind anew.
	gw.Stop(ctx)
	bind(t, gw, rec, ws.BindRequest{})
}

func TestStop_UnresponsivePeer(t *testing.T) {
	cfg := testConfig()
	cfg.CloseGrace = 30 * time.Second
	cfg.StopGrace = 300 * time.Millisecond

	gw, rec := newGateway(t, cfg)

	addr := bind(t, gw, rec, ws.BindRequest{})

	// The raw client never reads, so it never answers the close frame.
	_, peer := dialPeer(t, rec, addr)

	start := time.Now()
	gw.Stop(context.Background())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, cfg.StopGrace)
	assert.Less(t, elapsed, cfg.StopGrace+2*time.Second, "stop must not wait for the close grace")

	closed := rec.wait(t, ws.EventClose, peer)
	assert.Equal(t, websocket.CloseGoingAway, closed.Code)
	assert.False(t, closed.Remote)

	assert.Nil(t, gw.Server())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err, "port must be released")
}

func TestServer_IncompleteUpgradeTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond

	gw, rec := newGateway(t, cfg)

	addr := bind(t, gw, rec, ws.BindRequest{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: "+addr+"\r\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))

	start := time.Now()
	_, err = io.ReadAll(conn)
	require.NoError(t, err, "server closes the connection")
	assert.Less(t, time.Since(start), waitTimeout/2)

	// Nothing holds the server open, so Stop returns promptly.
	start = time.Now()
	gw.Stop(context.Background())
	assert.Less(t, time.Since(start), cfg.StopGrace)
}

func TestServer_RemotePeerClose(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{})
	conn, peer := dialPeer(t, rec, addr)

	closeMsg := websocket.FormatCloseMessage(4000, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))

	closed := rec.wait(t, ws.EventClose, peer)
	assert.Equal(t, 4000, closed.Code)
	assert.Equal(t, "bye", closed.Reason)
	assert.True(t, closed.Remote)

	assert.Eventually(t, func() bool { return len(gw.Peers()) == 0 }, waitTimeout, 10*time.Millisecond)

	err := gw.Send(ws.SendRequest{ID: peer, Message: "gone"})
	require.ErrorIs(t, err, ws.ErrNotFound)
}

func TestServer_BinaryFrameRejected(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{})
	conn, peer := dialPeer(t, rec, addr)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))

	errN := rec.wait(t, ws.EventError, peer)
	assert.Contains(t, errN.Error, "binary")

	assert.Equal(t, websocket.CloseUnsupportedData, readCloseCode(t, conn))

	closed := rec.wait(t, ws.EventClose, peer)
	assert.Equal(t, websocket.CloseUnsupportedData, closed.Code)
}

func TestServer_ClientToOwnServer(t *testing.T) {
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{CorrData: json.RawMessage(`"server"`)})

	require.NoError(t, gw.Connect(ws.ConnectRequest{
		ID:         "loop",
		URI:        "ws://" + addr + "/",
		CorrData:   json.RawMessage(`"client"`),
		TCPNoDelay: true,
	}))
	rec.wait(t, ws.EventOpen, "loop")

	peerOpen := rec.waitFor(t, "peer onOpen", func(n ws.Notification) bool {
		return n.Event == ws.EventOpen && n.ID != "loop"
	})
	assert.JSONEq(t, `"server"`, string(peerOpen.CorrData))

	require.NoError(t, gw.Send(ws.SendRequest{ID: "loop", Message: "up"}))

	up := rec.wait(t, ws.EventMessage, peerOpen.ID)
	assert.Equal(t, "up", up.Message)

	require.NoError(t, gw.Broadcast(ws.BroadcastRequest{Message: "down"}))

	down := rec.wait(t, ws.EventMessage, "loop")
	assert.Equal(t, "down", down.Message)
	assert.JSONEq(t, `"client"`, string(down.CorrData))
}

func TestServer_TLS(t *testing.T) {
	pki := testpki.New(t)
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{
		SSL: &ws.SSLConfig{
			KeyStore:           pki.WritePKCS12(t, pki.Server),
			KeyStorePassword:   testpki.Password,
			TrustStoreFormat:   "PEM",
			TrustStore:         pki.WritePEMTrustStore(t),
		},
	})

	require.NoError(t, gw.Connect(ws.ConnectRequest{
		ID:  "secure",
		URI: "wss://" + addr + "/",
		SSL: &ws.SSLConfig{
			KeyStoreFormat:     "JKS",
			KeyStore:           pki.WriteJKS(t, pki.Client),
			KeyStorePassword:   testpki.Password,
			TrustStoreFormat:   "JKS",
			TrustStore:         pki.WriteJKSTrustStore(t),
			TrustStorePassword: testpki.Password,
		},
	}))
	rec.wait(t, ws.EventOpen, "secure")

	require.NoError(t, gw.Send(ws.SendRequest{ID: "secure", Message: "over tls"}))

	msg := rec.waitFor(t, "peer message", func(n ws.Notification) bool {
		return n.Event == ws.EventMessage && n.ID != "secure"
	})
	assert.Equal(t, "over tls", msg.Message)
}

func TestServer_TLSUntrustedServer(t *testing.T) {
	pki := testpki.New(t)
	other := testpki.New(t)
	gw, rec := newGateway(t, testConfig())

	addr := bind(t, gw, rec, ws.BindRequest{
		SSL: &ws.SSLConfig{
			KeyStoreFormat:   "PEM",
			KeyStore:         pki.WritePEM(t, pki.Server),
			TrustStoreFormat: "PEM",
			TrustStore:       pki.WritePEMTrustStore(t),
		},
	})

	require.NoError(t, gw.Connect(ws.ConnectRequest{
		ID:  "untrusted",
		URI: "wss://" + addr + "/",
		SSL: &ws.SSLConfig{
			TrustStoreFormat: "PEM",
			TrustStore:       other.WritePEMTrustStore(t),
		},
	}))

	rec.wait(t, ws.EventError, "untrusted")

	closed := rec.wait(t, ws.EventClose, "untrusted")
	assert.Equal(t, ws.CloseNeverConnected, closed.Code)
}

func TestShutdown(t *testing.T) {
	url := echoServer(t)
	gw, rec := newGateway(t, testConfig())

	bind(t, gw, rec, ws.BindRequest{})
	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "a", URI: url}))
	rec.wait(t, ws.EventOpen, "a")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, gw.Shutdown(ctx))

	rec.wait(t, ws.EventClose, "a")
	assert.Empty(t, gw.Clients())
	assert.Nil(t, gw.Server())
}

func TestMetrics(t *testing.T) {
	url := echoServer(t)
	reg := prometheus.NewRegistry()

	cfg := testConfig()
	cfg.Metrics = ws.NewMetrics(reg)

	gw, rec := newGateway(t, cfg)

	_ = gw.Send(ws.SendRequest{ID: "nobody"})
	_ = gw.Broadcast(ws.BroadcastRequest{})

	expected := `
# HELP wsgate_command_faults_total Command faults by command and fault name.
# TYPE wsgate_command_faults_total counter
wsgate_command_faults_total{command="broadcast",fault="NotFound"} 1
wsgate_command_faults_total{command="send",fault="NotFound"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "wsgate_command_faults_total"))

	require.NoError(t, gw.Connect(ws.ConnectRequest{ID: "a", URI: url}))
	require.NoError(t, gw.Send(ws.SendRequest{ID: "a", Message: "m"}))
	rec.wait(t, ws.EventMessage, "a")

	expected = `
# HELP wsgate_connections_open Open WebSocket connections by role.
# TYPE wsgate_connections_open gauge
wsgate_connections_open{role="client"} 1
# HELP wsgate_messages_received_total Text messages received by role.
# TYPE wsgate_messages_received_total counter
wsgate_messages_received_total{role="client"} 1
# HELP wsgate_messages_sent_total Text messages written by role.
# TYPE wsgate_messages_sent_total counter
wsgate_messages_sent_total{role="client"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wsgate_connections_open", "wsgate_messages_received_total", "wsgate_messages_sent_total"))
}
