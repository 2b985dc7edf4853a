// File: server/control.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Snapshot is a supplemented read-only control/debug probe (not part
// of the distilled wire protocol) grounded on the teacher's
// control/config.go accessor style and lowlevel/server/server.go's
// running-state exposure.

package server

import "golang.org/x/exp/maps"

// Snapshot is a point-in-time, read-only view of server state.
type Snapshot struct {
	State        LifecycleState
	SessionCount int
	SessionIDs   []string
	Config       Config
}

// Snapshot returns a copy of the server's current state. Safe to call
// concurrently with normal request handling. When cfg.ClientTracking
// is false, the session enumeration is left empty — the registry
// itself still tracks sessions internally (handshake/poll/close
// dispatch depend on it), but this probe reports none, matching
// ClientTracking's "don't expose the connected-client set" contract.
func (s *SocketServer) Snapshot() Snapshot {
	if !s.cfg.ClientTracking {
		return Snapshot{
			State:  s.State(),
			Config: *s.cfg,
		}
	}

	live := s.registry.Snapshot()
	ids := maps.Keys(live)

	return Snapshot{
		State:        s.State(),
		SessionCount: len(live),
		SessionIDs:   ids,
		Config:       *s.cfg,
	}
}
