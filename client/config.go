// File: client/config.go
// Package client implements the connection-pool driver half of the
// poll-socket transport (spec §4.5): handshake, pool fill, poll, send,
// and close.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"log"
	"net/http"
	"time"
)

// Config holds the client options from spec §6's
// `{ maxPoolSize=2, bufferTime=0, requestHeaders={}, closeOnGameClose=true }`.
type Config struct {
	// URL is the absolute handshake/poll/close endpoint.
	URL string
	// MaxPoolSize caps concurrent in-flight PATCH requests locally;
	// the effective cap is min(serverMaxPool, MaxPoolSize).
	MaxPoolSize int
	// BufferTime is the debounce window applied after the first
	// buffered send before a PATCH is issued.
	BufferTime time.Duration
	// RequestHeaders are applied to every HEAD/PATCH/DELETE request.
	RequestHeaders http.Header
	// CloseOnProcessShutdown registers a SIGINT/SIGTERM hook on Connect
	// that calls Close(1001, ...) (spec §4.5 "Optional behavior",
	// renamed from the source's closeOnGameClose per SPEC_FULL.md §12).
	CloseOnProcessShutdown bool
	// HTTPClient is the transport used for all requests; defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives connection lifecycle log lines (handshake,
	// close). Poll errors are not logged. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns spec §6's documented client defaults.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:                    url,
		MaxPoolSize:            2,
		BufferTime:             0,
		RequestHeaders:         make(http.Header),
		CloseOnProcessShutdown: true,
		HTTPClient:             http.DefaultClient,
		Logger:                 log.Default(),
	}
}
