// File: client/client.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ClientSocket drives the long-poll pool described in spec §4.5,
// grounded on the teacher's client/client.go connection-state-machine
// shape (CONNECTING/OPEN/CLOSING/CLOSED, a single listeners slice,
// retry-with-sleep on transport failure) and the design-notes
// redesign of the "unknown HTTP error" substring heuristic into a
// uniform retryable-transport-error rule (see DESIGN.md).

package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	json "github.com/segmentio/encoding/json"

	"github.com/momentics/pollsocket/api"
	"github.com/momentics/pollsocket/internal/concurrency"
)

// State is the client's lifecycle position (spec §3).
type State int

const (
	Connecting State = iota
	Open
	ClientClosing
	ClientClosed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case ClientClosing:
		return "CLOSING"
	case ClientClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientSocket is one client-side connection to a SocketServer.
type ClientSocket struct {
	cfg       *Config
	scheduler api.Scheduler

	mu            sync.Mutex
	state         State
	sessionID     string
	serverMaxPool int
	poolSize      int
	outbound      []any
	bufferSched   api.Cancelable

	listenersMu sync.RWMutex
	listeners   []api.Listener

	closeOnce sync.Once
}

// New constructs a ClientSocket in the CONNECTING state. Call Connect
// to perform the handshake and begin polling.
func New(cfg *Config) *ClientSocket {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &ClientSocket{
		cfg:       cfg,
		scheduler: concurrency.NewScheduler(),
		state:     Connecting,
	}
}

// AddListener registers l to receive open/message/close/error events.
func (c *ClientSocket) AddListener(l api.Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

func (c *ClientSocket) snapshotListeners() []api.Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]api.Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *ClientSocket) emitOpen() {
	for _, l := range c.snapshotListeners() {
		l.OnOpen(c.sessionID)
	}
}

func (c *ClientSocket) emitMessage(data any) {
	for _, l := range c.snapshotListeners() {
		l.OnMessage(data)
	}
}

func (c *ClientSocket) emitCloseOnce(code int, reason string) {
	c.closeOnce.Do(func() {
		for _, l := range c.snapshotListeners() {
			l.OnClose(code, reason)
		}
	})
}

func (c *ClientSocket) emitError(err error) {
	for _, l := range c.snapshotListeners() {
		l.OnError(err)
	}
}

// State returns the client's current lifecycle state.
func (c *ClientSocket) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id assigned at handshake, or "" before Connect
// completes.
func (c *ClientSocket) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BufferedAmount returns the number of messages currently queued for
// the next PATCH (spec §8 invariant 5).
func (c *ClientSocket) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// Connect performs the HEAD handshake (spec §4.5) and, on success,
// starts the pool-fill loop.
func (c *ClientSocket) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		reason := fmt.Sprintf("error while connecting: %v", err)
		c.closeFromServer(api.CloseProtocolError, reason)
		return errors.Wrap(err, "pollsocket: handshake request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := fmt.Sprintf("%d: %s", resp.StatusCode, resp.Status)
		c.closeFromServer(api.CloseProtocolError, reason)
		return errors.Errorf("pollsocket: handshake failed: %s", reason)
	}

	sessionID := resp.Header.Get("Socket-Id")
	maxPoolRaw := resp.Header.Get("Max-Pool-Size")
	if sessionID == "" || maxPoolRaw == "" {
		c.closeFromServer(api.CloseProtocolError, "server returned malformed data")
		return api.NewError(api.ErrCodeInvalidArgument, "server returned malformed data")
	}
	maxPool, err := strconv.Atoi(maxPoolRaw)
	if err != nil || maxPool < 1 {
		maxPool = 1
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.serverMaxPool = maxPool
	c.state = Open
	c.mu.Unlock()

	c.cfg.Logger.Printf("pollsocket: session %s connected (max pool %d)", sessionID, maxPool)
	c.emitOpen()

	if c.cfg.CloseOnProcessShutdown {
		c.installShutdownHook()
	}

	c.fillPool()
	return nil
}

func (c *ClientSocket) installShutdownHook() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			c.Close(api.CloseGoingAway, "process shutdown")
		}
	}()
}

func (c *ClientSocket) applyHeaders(req *http.Request) {
	for k, vs := range c.cfg.RequestHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// fillPool implements spec §4.5 "Pool fill": while OPEN and
// poolSize < min(serverMaxPool, clientMaxPool), start a new poll.
// poolSize is incremented before the poll goroutine is spawned (the
// §9 open question on avoiding a burst past the cap).
func (c *ClientSocket) fillPool() {
	for {
		c.mu.Lock()
		if c.state != Open {
			c.mu.Unlock()
			return
		}
		poolCap := c.serverMaxPool
		if c.cfg.MaxPoolSize < poolCap {
			poolCap = c.cfg.MaxPoolSize
		}
		if c.poolSize >= poolCap {
			c.mu.Unlock()
			return
		}
		c.poolSize++
		c.mu.Unlock()

		go c.pollOnce()
	}
}

// pollOnce implements spec §4.5 "Poll (PATCH)".
func (c *ClientSocket) pollOnce() {
	c.mu.Lock()
	snapshot := c.outbound
	c.outbound = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	body, err := json.Marshal(snapshot)
	if err != nil {
		body = []byte("[]")
	}

	req, err := http.NewRequest(http.MethodPatch, c.cfg.URL, bytes.NewReader(body))
	if err == nil {
		c.applyHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("socket-id", sessionID)
	}

	var resp *http.Response
	if err == nil {
		resp, err = c.cfg.HTTPClient.Do(req)
	}

	if err != nil {
		// A redesign of the source's substring-matched "unknown HTTP
		// error" heuristic (spec §9 design notes): every transport-
		// level error is treated uniformly as retryable. Abort
		// detection relies solely on the 404 signal below.
		c.restoreSnapshot(snapshot)
		d := retryBackoff.nextDelay()
		time.Sleep(d)
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		c.fillPool()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		c.closeFromServer(api.CloseNormal, "socket was closed by server")
		return

	case resp.StatusCode == http.StatusInternalServerError:
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		c.closeFromServer(api.CloseProtocolError, "internal server error")
		return

	case resp.StatusCode == http.StatusGone:
		c.deliverBody(resp.Body)
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		code, err := strconv.Atoi(resp.Header.Get("Close-Code"))
		if err != nil {
			code = api.CloseNormal
		}
		reason := resp.Header.Get("Close-Reason")
		c.closeFromServer(code, reason)
		return

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.deliverBody(resp.Body)
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		c.fillPool()
		return

	default:
		// Non-success status other than 404/410/500: the in-flight
		// snapshot is dropped rather than restored. Preserved for
		// behavioral fidelity with the source; see DESIGN.md.
		c.mu.Lock()
		c.poolSize--
		c.mu.Unlock()
		c.fillPool()
		return
	}
}

func (c *ClientSocket) deliverBody(r io.Reader) {
	data, err := io.ReadAll(r)
	if err != nil {
		return
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return
	}
	for _, item := range items {
		c.emitMessage(item)
	}
}

// restoreSnapshot re-prepends a failed poll's snapshot to the front
// of the outbound buffer, preserving order (spec §4.5 "Other
// transport error").
func (c *ClientSocket) restoreSnapshot(snapshot []any) {
	if len(snapshot) == 0 {
		return
	}
	c.mu.Lock()
	c.outbound = append(snapshot, c.outbound...)
	c.mu.Unlock()
}

// Send implements spec §4.5 send(data).
func (c *ClientSocket) Send(data any) error {
	c.mu.Lock()
	switch c.state {
	case Connecting:
		c.mu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, "send called before handshake completed")
	case ClientClosing, ClientClosed:
		c.mu.Unlock()
		return nil // silently dropped, spec §9 open question on this asymmetry
	}

	c.outbound = append(c.outbound, data)
	if c.bufferSched != nil {
		c.mu.Unlock()
		return nil
	}
	bufferTime := c.cfg.BufferTime
	c.mu.Unlock()

	sched, err := c.scheduler.Schedule(bufferTime.Nanoseconds(), c.flushSend)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.bufferSched = sched
	c.mu.Unlock()
	return nil
}

func (c *ClientSocket) flushSend() {
	c.mu.Lock()
	c.bufferSched = nil
	if c.state != Open {
		c.mu.Unlock()
		return
	}
	c.poolSize++
	c.mu.Unlock()

	go c.pollOnce()
}

// closeFromServer implements the client-side counterpart of a
// server-detected termination (404/410/500/handshake failure): no
// DELETE is sent, since the server already knows.
func (c *ClientSocket) closeFromServer(code int, reason string) {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientClosed
	sched := c.bufferSched
	c.bufferSched = nil
	c.mu.Unlock()

	if sched != nil {
		_ = c.scheduler.Cancel(sched)
	}
	c.cfg.Logger.Printf("pollsocket: session %s closed by server: %d %s", c.sessionID, code, reason)
	c.emitCloseOnce(code, reason)
}

// Close implements spec §4.5 close(code, reason): application- or
// shutdown-hook-initiated graceful close, with a DELETE round trip.
func (c *ClientSocket) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == ClientClosing || c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientClosing
	sessionID := c.sessionID
	sched := c.bufferSched
	c.bufferSched = nil
	c.mu.Unlock()

	if sched != nil {
		_ = c.scheduler.Cancel(sched)
	}

	c.cfg.Logger.Printf("pollsocket: session %s closing: %d %s", sessionID, code, reason)
	c.emitCloseOnce(code, reason)
	c.sendDeleteWithRetry(sessionID, code, reason)

	c.mu.Lock()
	c.state = ClientClosed
	c.mu.Unlock()
}

func (c *ClientSocket) sendDeleteWithRetry(sessionID string, code int, reason string) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodDelete, c.cfg.URL, nil)
		if err == nil {
			c.applyHeaders(req)
			req.Header.Set("socket-id", sessionID)
			req.Header.Set("close-code", strconv.Itoa(code))
			req.Header.Set("close-reason", reason)

			resp, doErr := c.cfg.HTTPClient.Do(req)
			if doErr == nil {
				resp.Body.Close()
				return
			}
			err = doErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(retryBackoff.nextDelay())
		} else {
			c.emitError(err)
		}
	}
}

// retryBackoff wraps a constant 1-second backoff (spec §5 "Client
// retry sleeps are fixed 1s; no exponential backoff") shared by every
// ClientSocket's transport-error retry path.
var retryBackoff = newConstantRetry(time.Second)

type constantRetry struct {
	b *backoff.ConstantBackOff
}

func newConstantRetry(d time.Duration) constantRetry {
	return constantRetry{b: backoff.NewConstantBackOff(d)}
}

func (r constantRetry) nextDelay() time.Duration {
	return r.b.NextBackOff()
}
