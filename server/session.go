// File: server/session.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ServerSocket is the per-accepted-client state machine (spec §4.2):
// outbound buffer, parked-response queue, flush timer, and lifecycle.
// Grounded on the teacher's internal/session/session.go shape
// (id/state/done-chan) generalized with the buffering/parking rules
// the teacher's WebSocket sessions have no analogue for.

package server

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	json "github.com/segmentio/encoding/json"

	"github.com/momentics/pollsocket/api"
	"github.com/momentics/pollsocket/internal/session"
	"github.com/momentics/pollsocket/pool"
)

// State is a session's position in the OPEN→CLOSING→CLOSED lifecycle
// (spec §3). Transitions are monotonic: it never moves backward.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// flushResult is handed to a parked waiter's channel to complete (or
// abort) the HTTP response it represents.
type flushResult struct {
	status  int
	headers map[string]string
	body    []byte
	abort   bool // true: destroy the transport without writing anything
}

// parkedWaiter is one HTTP handler goroutine blocked inside Poll,
// holding its response open as a reverse channel (spec's "parked
// response", §GLOSSARY).
type parkedWaiter struct {
	resultCh chan flushResult
}

var bodyPool = pool.NewBodyPool()

// ServerSocket is one logical client session.
type ServerSocket struct {
	id         string
	scheduler  api.Scheduler
	registry   *session.Registry[*ServerSocket]
	maxPool    int
	bufferTime time.Duration
	logger     *log.Logger

	mu           sync.Mutex
	state        State
	outbound     *queue.Queue
	parked       *queue.Queue
	flushTimer   api.Cancelable
	flushPending bool
	closeCode    int
	closeReason  string

	listenersMu sync.RWMutex
	listeners   []api.Listener

	closeOnce     sync.Once
	terminateOnce sync.Once
}

func newServerSocket(id string, cfg *Config, scheduler api.Scheduler, registry *session.Registry[*ServerSocket]) *ServerSocket {
	return &ServerSocket{
		id:         id,
		scheduler:  scheduler,
		registry:   registry,
		maxPool:    cfg.MaxConnectionPoolSize,
		bufferTime: cfg.BufferTime,
		logger:     cfg.Logger,
		state:      StateOpen,
		outbound:   queue.New(),
		parked:     queue.New(),
	}
}

// ID returns the session's identifier: 32 hex chars when issued by the
// handshake, or the client-supplied id verbatim under AllowClientIds.
func (s *ServerSocket) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *ServerSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddListener registers l to receive this session's message/close/error
// events (spec §9's capability-interface redesign of the event set).
func (s *ServerSocket) AddListener(l api.Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *ServerSocket) snapshotListeners() []api.Listener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	out := make([]api.Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *ServerSocket) emitOpen() {
	for _, l := range s.snapshotListeners() {
		l.OnOpen(s.id)
	}
}

func (s *ServerSocket) emitMessage(data any) {
	for _, l := range s.snapshotListeners() {
		l.OnMessage(data)
	}
}

// emitCloseOnce fires OnClose on every listener exactly once per
// socket (spec §5 ordering guarantee), regardless of which of
// Close/CloseFromPeer/terminate triggers it first.
func (s *ServerSocket) emitCloseOnce(code int, reason string) {
	s.closeOnce.Do(func() {
		for _, l := range s.snapshotListeners() {
			l.OnClose(code, reason)
		}
	})
}

// drainOutboundLocked snapshots and JSON-encodes the outbound buffer,
// clearing it, and must be called with s.mu held.
func (s *ServerSocket) drainOutboundLocked() []byte {
	n := s.outbound.Length()
	items := make([]any, n)
	for i := 0; i < n; i++ {
		items[i] = s.outbound.Get(i)
	}
	s.outbound = queue.New()
	data, err := json.Marshal(items)
	if err != nil {
		return []byte("[]")
	}
	return data
}

// Poll implements spec §4.2's poll(req, res): read the inbound
// message batch, then either flush immediately (CLOSING, or buffer
// non-empty with no pending timer) or park the response.
func (s *ServerSocket) Poll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		abortResponse(w)
		return
	}

	for _, item := range s.readInboundMessages(r) {
		s.emitMessage(item)
	}

	s.mu.Lock()
	if s.state == StateClosing {
		code, reason := s.closeCode, s.closeReason
		body := s.drainOutboundLocked()
		s.mu.Unlock()
		writeResponse(w, http.StatusGone, closeHeaders(code, reason), body)
		s.terminate()
		return
	}

	if s.outbound.Length() > 0 && !s.flushPending {
		body := s.drainOutboundLocked()
		s.mu.Unlock()
		writeResponse(w, http.StatusOK, nil, body)
		return
	}

	waiter := &parkedWaiter{resultCh: make(chan flushResult, 1)}
	s.parked.Add(waiter)
	var evicted *parkedWaiter
	if s.parked.Length() > s.maxPool {
		evicted = s.parked.Remove().(*parkedWaiter)
	}
	s.mu.Unlock()

	if evicted != nil {
		s.logger.Printf("pollsocket: session %s evicted oldest parked response (pool size %d)", s.id, s.maxPool)
		evicted.resultCh <- flushResult{status: http.StatusOK, body: []byte("[]")}
	}

	select {
	case res := <-waiter.resultCh:
		if res.abort {
			abortResponse(w)
			return
		}
		writeResponse(w, res.status, res.headers, res.body)
	case <-r.Context().Done():
		s.removeParked(waiter)
	}
}

// readInboundMessages implements poll step 2: a missing or malformed
// body is tolerated silently and yields no messages.
func (s *ServerSocket) readInboundMessages(r *http.Request) []any {
	buf := bodyPool.Get()
	defer pool.PutBody(bodyPool, buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		return nil
	}
	if buf.Len() == 0 {
		return nil
	}
	var items []any
	if err := json.Unmarshal(buf.Bytes(), &items); err != nil {
		return nil
	}
	return items
}

func (s *ServerSocket) removeParked(target *parkedWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.parked.Length()
	remaining := queue.New()
	for i := 0; i < n; i++ {
		w := s.parked.Remove().(*parkedWaiter)
		if w != target {
			remaining.Add(w)
		}
	}
	s.parked = remaining
}

// Send implements spec §4.2's send(message): append, and ensure a
// flush is scheduled (at most one pending at a time).
func (s *ServerSocket) Send(message any) {
	s.mu.Lock()
	s.outbound.Add(message)
	if s.flushPending {
		s.mu.Unlock()
		return
	}
	s.flushPending = true
	bufferTime := s.bufferTime
	s.mu.Unlock()

	c, err := s.scheduler.Schedule(bufferTime.Nanoseconds(), s.fireFlush)
	if err != nil {
		s.mu.Lock()
		s.flushPending = false
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.flushTimer = c
	s.mu.Unlock()
}

func (s *ServerSocket) fireFlush() {
	s.mu.Lock()
	s.flushTimer = nil
	s.flushPending = false
	if s.parked.Length() == 0 {
		// No parked response to deliver to; the buffer simply
		// accumulates until the next poll (spec §4.2 send rationale).
		s.mu.Unlock()
		return
	}
	waiter := s.parked.Remove().(*parkedWaiter)
	body := s.drainOutboundLocked()
	s.mu.Unlock()

	waiter.resultCh <- flushResult{status: http.StatusOK, body: body}
}

// Close implements spec §4.2's close(code, reason): graceful,
// application-initiated shutdown. No-op if already CLOSING/CLOSED.
func (s *ServerSocket) Close(code int, reason string) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeCode, s.closeReason = code, reason
	s.mu.Unlock()

	s.emitCloseOnce(code, reason)

	s.mu.Lock()
	var waiter *parkedWaiter
	if s.parked.Length() > 0 {
		waiter = s.parked.Remove().(*parkedWaiter)
	}
	body := s.drainOutboundLocked()
	s.mu.Unlock()

	if waiter != nil {
		waiter.resultCh <- flushResult{status: http.StatusGone, headers: closeHeaders(code, reason), body: body}
	}
	s.terminate()
}

// CloseFromPeer implements spec §4.1's DELETE handler: transition
// directly to CLOSED (skipping CLOSING), emit close locally, and
// terminate.
func (s *ServerSocket) CloseFromPeer(code int, reason string) {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if !already {
		s.emitCloseOnce(code, reason)
	}
	s.terminate()
}

// terminate implements spec §4.2's terminate(): unconditional
// teardown, idempotent regardless of entry path.
func (s *ServerSocket) terminate() {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == StateOpen
		s.state = StateClosed
		if s.flushTimer != nil {
			_ = s.scheduler.Cancel(s.flushTimer)
			s.flushTimer = nil
		}
		var remaining []*parkedWaiter
		for s.parked.Length() > 0 {
			remaining = append(remaining, s.parked.Remove().(*parkedWaiter))
		}
		s.mu.Unlock()

		s.registry.Delete(s.id)

		if wasOpen {
			s.emitCloseOnce(api.CloseNormal, "socket was terminated")
		}
		for _, w := range remaining {
			w.resultCh <- flushResult{abort: true}
		}
	})
}

func closeHeaders(code int, reason string) map[string]string {
	return map[string]string{
		"Close-Code":   strconv.Itoa(code),
		"Close-Reason": reason,
	}
}

func writeResponse(w http.ResponseWriter, status int, headers map[string]string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	for k, v := range headers {
		h.Set(k, v)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// abortResponse destroys the response transport without writing a
// body, mirroring spec's "destroy (abort) response" (§4.2 poll step 1,
// terminate step 4). Hijacking closes the underlying connection
// outright; when hijacking is unavailable (e.g. HTTP/2) the handler
// simply returns with nothing written.
func abortResponse(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
