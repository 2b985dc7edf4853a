package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/momentics/pollsocket/api"
	"github.com/momentics/pollsocket/internal/concurrency"
	"github.com/momentics/pollsocket/internal/session"
)

func newTestSession(t *testing.T, maxPool int, bufferTime time.Duration) (*ServerSocket, *session.Registry[*ServerSocket]) {
	t.Helper()
	reg := session.NewRegistry[*ServerSocket](4)
	sched := concurrency.NewScheduler()
	cfg := DefaultConfig()
	cfg.NoServer = true
	cfg.MaxConnectionPoolSize = maxPool
	cfg.BufferTime = bufferTime
	sess := newServerSocket("deadbeef", cfg, sched, reg)
	reg.Set(sess.ID(), sess)
	return sess, reg
}

func doPoll(sess *ServerSocket, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/s", strings.NewReader(body))
	rec := httptest.NewRecorder()
	sess.Poll(rec, req)
	return rec
}

func TestSession_SendThenEmptyPollEchoes(t *testing.T) {
	sess, _ := newTestSession(t, 1, 0)
	sess.Send("a")

	// Whether the flush already fired or is still pending, Poll either
	// returns the buffer immediately (step 4) or parks until the
	// pending flush delivers it (step 5 + Send's timer callback).
	rec := doPoll(sess, "[]")
	if rec.Code != http.StatusOK {
		t.Fatalf("Poll status = %d; want 200", rec.Code)
	}
	if got, want := rec.Body.String(), `["a"]`; got != want {
		if diff := pretty.Compare(got, want); diff != "" {
			t.Errorf("Poll body mismatch (-got +want):\n%s", diff)
		}
	}
}

func TestSession_BufferedCoalescing(t *testing.T) {
	sess, _ := newTestSession(t, 1, 50*time.Millisecond)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doPoll(sess, "")
	}()
	time.Sleep(5 * time.Millisecond) // let the PATCH park before any send

	sess.Send(1)
	sess.Send(2)
	sess.Send(3)

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("Poll status = %d; want 200", rec.Code)
		}
		if got, want := rec.Body.String(), `[1,2,3]`; got != want {
			if diff := pretty.Compare(got, want); diff != "" {
				t.Errorf("Poll body mismatch (-got +want):\n%s", diff)
			}
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("flush never delivered within 200ms")
	}

	sess.mu.Lock()
	outboundLen := sess.outbound.Length()
	sess.mu.Unlock()
	if outboundLen != 0 {
		t.Errorf("outbound buffer length = %d after flush; want 0", outboundLen)
	}
}

func TestSession_PoolOverflowEvictsOldest(t *testing.T) {
	sess, _ := newTestSession(t, 2, time.Hour)

	done := make(chan *httptest.ResponseRecorder, 3)
	for i := 0; i < 3; i++ {
		go func() {
			done <- doPoll(sess, "")
		}()
		time.Sleep(10 * time.Millisecond) // preserve arrival order
	}

	// Only the evicted poll returns; the two newest stay parked, so
	// collect whatever completes within a short window.
	var results []*httptest.ResponseRecorder
	timeout := time.After(100 * time.Millisecond)
collect:
	for {
		select {
		case r := <-done:
			results = append(results, r)
		case <-timeout:
			break collect
		}
	}

	closedCount := 0
	for _, r := range results {
		if r.Code == http.StatusOK && r.Body.String() == "[]" {
			closedCount++
		}
	}
	if closedCount != 1 {
		t.Errorf("expected exactly 1 evicted response with body \"[]\"; got %d", closedCount)
	}

	sess.mu.Lock()
	parked := sess.parked.Length()
	sess.mu.Unlock()
	if parked != 2 {
		t.Errorf("parked count = %d; want 2", parked)
	}

	sess.terminate() // release the two parked polls
}

func TestSession_CloseFlushesParkedWith410(t *testing.T) {
	sess, reg := newTestSession(t, 1, time.Hour)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doPoll(sess, "")
	}()
	time.Sleep(20 * time.Millisecond)

	sess.mu.Lock()
	sess.outbound.Add("x")
	sess.mu.Unlock()

	sess.Close(1000, "done")

	rec := <-done
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d; want 410", rec.Code)
	}
	if got := rec.Header().Get("Close-Code"); got != "1000" {
		t.Errorf("Close-Code = %q; want 1000", got)
	}
	if _, ok := reg.Get(sess.ID()); ok {
		t.Error("session still present in registry after close")
	}
}

func TestSession_CloseFiresOnce(t *testing.T) {
	sess, _ := newTestSession(t, 1, 0)
	var closes int
	var mu sync.Mutex
	sess.AddListener(api.ListenerFuncs{Close: func(code int, reason string) {
		mu.Lock()
		closes++
		mu.Unlock()
	}})

	sess.Close(1000, "a")
	sess.Close(1001, "b")
	sess.terminate()

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Errorf("close fired %d times; want 1", closes)
	}
}
