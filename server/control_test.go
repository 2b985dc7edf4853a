package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSnapshot_ReflectsLiveSessions(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodHead, "/s", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
	}

	snap := s.Snapshot()
	if snap.SessionCount != 3 {
		t.Errorf("SessionCount = %d; want 3", snap.SessionCount)
	}
	if len(snap.SessionIDs) != 3 {
		t.Errorf("len(SessionIDs) = %d; want 3", len(snap.SessionIDs))
	}
	if snap.State != Running {
		t.Errorf("State = %v; want Running", snap.State)
	}
}

func TestSnapshot_ClientTrackingDisabledReportsNoSessions(t *testing.T) {
	s := newTestServer(t, WithClientTracking(false))

	req := httptest.NewRequest(http.MethodHead, "/s", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	snap := s.Snapshot()
	if snap.SessionCount != 0 {
		t.Errorf("SessionCount = %d; want 0 with ClientTracking disabled", snap.SessionCount)
	}
	if len(snap.SessionIDs) != 0 {
		t.Errorf("len(SessionIDs) = %d; want 0 with ClientTracking disabled", len(snap.SessionIDs))
	}
}
