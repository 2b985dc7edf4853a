// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SocketServer is the HTTP-side dispatcher (spec §4.1, §4.4): method
// routing, handshake, and lifecycle. Grounded on the teacher's
// lowlevel/server/server.go (functional-options construction, an
// owned-vs-external *http.Server, and a RUNNING/CLOSING/CLOSED
// lifecycle), with the reactor/NUMA machinery stripped per DESIGN.md.

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/momentics/pollsocket/api"
	"github.com/momentics/pollsocket/internal/concurrency"
	"github.com/momentics/pollsocket/internal/session"
)

// LifecycleState is the server's own RUNNING/CLOSING/CLOSED state
// (distinct from a session's State), per spec §3's "Server" data model.
type LifecycleState int

const (
	Running LifecycleState = iota
	ServerClosing
	ServerClosed
)

// SocketServer dispatches HEAD/PATCH/DELETE on its configured path to
// session handshake/poll/close, and owns the process-wide registry.
type SocketServer struct {
	cfg       *Config
	scheduler api.Scheduler
	registry  *session.Registry[*ServerSocket]

	mu    sync.Mutex
	state LifecycleState

	// OnConnection, if set, runs once per handshake with the new
	// session and the originating request; the application typically
	// uses it to call AddListener on the session.
	OnConnection func(*ServerSocket, *http.Request)
	// OnError, if set, receives dispatcher-level errors (e.g. a
	// listener panicking is not caught here; this is for transport-
	// level anomalies the dispatcher itself observes).
	OnError func(error)

	httpServer *http.Server
	ownsServer bool
	listener   net.Listener
}

// New validates cfg, wires an (optionally owned) *http.Server, and
// returns a server not yet accepting connections until Start or the
// caller mounts Handler() itself (NoServer case).
func New(opts ...Option) (*SocketServer, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &SocketServer{
		cfg:       cfg,
		scheduler: concurrency.NewScheduler(),
		registry:  session.NewRegistry[*ServerSocket](16),
		state:     Running,
	}

	switch {
	case cfg.NoServer:
		// Caller mounts Handler() on their own mux/listener.
	case cfg.Server != nil:
		s.httpServer = cfg.Server
		s.ownsServer = false
	default:
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, s)
		s.httpServer = &http.Server{Addr: cfg.listenAddr(), Handler: mux}
		s.ownsServer = true
	}

	return s, nil
}

// Start begins accepting connections when the server owns its
// *http.Server (Port option); a no-op for the Server/NoServer cases,
// whose listener lifecycle belongs to the caller.
func (s *SocketServer) Start() error {
	if !s.ownsServer || s.httpServer == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.reportError(err)
		}
	}()
	return nil
}

func (s *SocketServer) reportError(err error) {
	if s.OnError != nil {
		s.OnError(err)
	} else {
		s.cfg.Logger.Printf("pollsocket: server error: %v", err)
	}
}

// Handler returns the http.Handler to mount under cfg.Path in the
// NoServer/external-Server configurations.
func (s *SocketServer) Handler() http.Handler { return s }

// State returns the server's own lifecycle state.
func (s *SocketServer) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServeHTTP implements spec §4.1: path/RUNNING gating, then method
// dispatch to handshake/poll/close.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		return
	}
	if s.State() != Running {
		return
	}

	switch r.Method {
	case http.MethodHead:
		s.handshake(w, r)
	case http.MethodPatch:
		s.poll(w, r)
	case http.MethodDelete:
		s.closeSession(w, r)
	default:
		// Left unhandled: nothing is written, so net/http completes
		// the request with an empty 200.
	}
}

func (s *SocketServer) handshake(w http.ResponseWriter, r *http.Request) {
	id, err := newSessionID()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sess := newServerSocket(id, s.cfg, s.scheduler, s.registry)
	s.registry.Set(id, sess)
	s.cfg.Logger.Printf("pollsocket: session %s handshake from %s", id, r.RemoteAddr)

	if s.OnConnection != nil {
		s.OnConnection(sess, r)
	}
	sess.emitOpen()

	h := w.Header()
	h.Set("Socket-Id", id)
	h.Set("Max-Pool-Size", strconv.Itoa(s.cfg.MaxConnectionPoolSize))
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func (s *SocketServer) poll(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("socket-id")
	if id == "" {
		http.Error(w, "Missing Socket-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.Get(id)
	if !ok {
		if !s.cfg.AllowClientIds {
			http.Error(w, "Invalid Socket-Id", http.StatusNotFound)
			return
		}
		sess = newServerSocket(id, s.cfg, s.scheduler, s.registry)
		s.registry.Set(id, sess)
		if s.OnConnection != nil {
			s.OnConnection(sess, r)
		}
		sess.emitOpen()
	}

	sess.Poll(w, r)
}

func (s *SocketServer) closeSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("socket-id")
	if id == "" {
		http.Error(w, "Missing Socket-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "Invalid Socket-Id", http.StatusNotFound)
		return
	}

	code, err := strconv.Atoi(r.Header.Get("close-code"))
	if err != nil {
		code = api.CloseNormal
	}
	reason := r.Header.Get("close-reason")

	s.cfg.Logger.Printf("pollsocket: session %s closed by peer: %d %s", id, code, reason)
	sess.CloseFromPeer(code, reason)
	w.WriteHeader(http.StatusOK)
}

// Close implements spec §4.4: RUNNING→CLOSING, terminate every live
// session, then (if the server owns its listener) wait for it to
// drain before settling CLOSED and invoking done.
func (s *SocketServer) Close(done func(error)) {
	s.mu.Lock()
	switch s.state {
	case ServerClosed:
		s.mu.Unlock()
		if done != nil {
			go done(api.ErrServerNotRunning)
		}
		return
	case ServerClosing:
		s.mu.Unlock()
		if done != nil {
			go done(nil)
		}
		return
	}
	s.state = ServerClosing
	s.mu.Unlock()

	s.registry.ForEach(func(_ string, sess *ServerSocket) {
		sess.terminate()
	})

	finish := func(err error) {
		s.mu.Lock()
		s.state = ServerClosed
		s.mu.Unlock()
		if done != nil {
			done(err)
		}
	}

	if !s.ownsServer || s.httpServer == nil {
		go finish(nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(ctx)
		finish(err)
	}()
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
