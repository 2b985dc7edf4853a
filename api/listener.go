// Package api
// Author: momentics <momentics@gmail.com>
//
// Capability interface for the open/message/close/error event set
// (spec §9), generalized from the client driver's original
// connect/close/error callbacks so both peers can share one contract.

package api

// Listener receives lifecycle and data events from a session. Both
// server.ServerSocket and client.ClientSocket accept listeners
// through an AddListener method and invoke these callbacks
// synchronously, in the order spec.md §5 requires: OnOpen precedes
// every OnMessage, and OnClose fires at most once and is terminal.
type Listener interface {
	OnOpen(sessionID string)
	OnMessage(data any)
	OnClose(code int, reason string)
	OnError(err error)
}

// ListenerFuncs adapts plain functions to Listener; any field left nil
// is a no-op. Handy for tests and small programs that only care about
// one or two events (mirrors the teacher's ConnEventHandler usage
// pattern without forcing callers to implement every method).
type ListenerFuncs struct {
	Open    func(sessionID string)
	Message func(data any)
	Close   func(code int, reason string)
	Error   func(err error)
}

func (l ListenerFuncs) OnOpen(sessionID string) {
	if l.Open != nil {
		l.Open(sessionID)
	}
}

func (l ListenerFuncs) OnMessage(data any) {
	if l.Message != nil {
		l.Message(data)
	}
}

func (l ListenerFuncs) OnClose(code int, reason string) {
	if l.Close != nil {
		l.Close(code, reason)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}
