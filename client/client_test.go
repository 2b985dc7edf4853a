// client_test.go — end-to-end client/server round trips over a real
// httptest.Server, in the teacher's integration-test style
// (tests/integration_echo_test.go: httptest.NewServer + real client).
package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/momentics/pollsocket/api"
	"github.com/momentics/pollsocket/server"
)

func newTestPair(t *testing.T, opts ...server.Option) (*server.SocketServer, *httptest.Server, *ClientSocket) {
	t.Helper()
	all := append([]server.Option{server.WithNoServer(), server.WithPath("/s")}, opts...)
	srv, err := server.New(all...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	c := New(DefaultConfig(hs.URL + "/s"))
	c.cfg.CloseOnProcessShutdown = false
	// Parked polls keep requests open until the session ends, and
	// hs.Close waits for them; close the client first (cleanups run
	// in reverse order) so its DELETE releases them.
	t.Cleanup(func() { c.Close(api.CloseNormal, "test done") })
	return srv, hs, c
}

func TestClient_HandshakeThenEcho(t *testing.T) {
	srv, _, c := newTestPair(t, server.WithMaxConnectionPoolSize(1))

	// The server echoes every client message back to its sender.
	srv.OnConnection = func(s *server.ServerSocket, _ *http.Request) {
		s.AddListener(api.ListenerFuncs{Message: func(data any) {
			s.Send(data)
		}})
	}

	var mu sync.Mutex
	var received []any
	msgCh := make(chan struct{}, 1)
	c.AddListener(api.ListenerFuncs{Message: func(data any) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
		select {
		case msgCh <- struct{}{}:
		default:
		}
	}})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != Open {
		t.Fatalf("state = %v; want Open", c.State())
	}

	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-msgCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the echoed message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "hello" {
		t.Errorf("received = %v; want [hello]", received)
	}
}

// serverSender is the subset of server.ServerSocket a test needs to
// push a message from the application side.
type serverSender interface {
	Send(message any)
}

func TestClient_ServerSendDeliversMessage(t *testing.T) {
	srv, _, c := newTestPair(t, server.WithMaxConnectionPoolSize(1))

	var connected sync.WaitGroup
	connected.Add(1)
	var sess serverSender
	srv.OnConnection = func(s *server.ServerSocket, _ *http.Request) {
		sess = s
		connected.Done()
	}

	msgCh := make(chan any, 1)
	c.AddListener(api.ListenerFuncs{Message: func(data any) {
		msgCh <- data
	}})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	connected.Wait()

	sess.Send("from-server")

	select {
	case got := <-msgCh:
		if got != "from-server" {
			t.Errorf("message = %v; want from-server", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server message")
	}
}

func TestClient_CloseSendsDeleteAndTransitionsClosed(t *testing.T) {
	_, _, c := newTestPair(t)

	closeCh := make(chan struct{}, 1)
	c.AddListener(api.ListenerFuncs{Close: func(code int, reason string) {
		closeCh <- struct{}{}
	}})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Close(1001, "done")

	select {
	case <-closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("close event never fired")
	}
	if c.State() != ClientClosed {
		t.Errorf("state = %v; want ClientClosed", c.State())
	}
}
