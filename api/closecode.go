// Package api
// Author: momentics <momentics@gmail.com>
//
// WebSocket-style close codes used by the close handshake (spec §6).

package api

const (
	// CloseNormal is the default close code when none is supplied or
	// the supplied close-code header fails to parse as an integer.
	CloseNormal = 1000
	// CloseGoingAway is used for the optional process-shutdown hook.
	CloseGoingAway = 1001
	// CloseProtocolError marks transport/protocol failures: a fatal
	// server signal (HTTP 500) or a handshake transport failure.
	CloseProtocolError = 1002
)
