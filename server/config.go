// File: server/config.go
// Package server implements the HTTP-side half of the poll-socket
// transport (spec §4.1–§4.4): the dispatcher, the per-session state
// machine, and the process-wide session registry.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Config holds the options from spec §6. Exactly one of Port, Server,
// or NoServer must be set; New returns a usage error otherwise.
type Config struct {
	// Port, if non-zero, tells New to create and own its own
	// net/http.Server listening on this port.
	Port int
	// Host is the bind address used together with Port. Empty binds
	// all interfaces.
	Host string
	// Server, if non-nil, is an externally owned *http.Server. New
	// neither changes its handler nor calls ListenAndServe on it; the
	// caller mounts Handler() on it.
	Server *http.Server
	// NoServer, if true, means the caller will mount Handler() onto
	// their own mux/listener and New creates no listener at all.
	NoServer bool

	// Path is the request path the socket protocol is served under.
	Path string
	// MaxConnectionPoolSize bounds parked responses per session and is
	// advertised to clients in the handshake's Max-Pool-Size header.
	MaxConnectionPoolSize int
	// BufferTime is the coalescing window, applied after the first
	// queued send, before a session flushes its outbound buffer.
	BufferTime time.Duration
	// AllowClientIds lets a PATCH with an unrecognized socket-id
	// create a new session under that id instead of 404ing.
	AllowClientIds bool
	// ClientTracking controls whether Snapshot exposes the connected
	// session set (SessionCount/SessionIDs). The registry itself always
	// tracks sessions internally regardless of this flag, since
	// handshake/poll/close dispatch depend on it.
	ClientTracking bool

	// ShutdownTimeout bounds how long Close waits for an owned
	// listener to drain before giving up (owned-listener case only).
	ShutdownTimeout time.Duration

	// Logger receives session lifecycle log lines (handshake, close,
	// parked-response eviction). Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns spec §6's documented defaults. Exactly one of
// Port/Server/NoServer must still be set by the caller before New.
func DefaultConfig() *Config {
	return &Config{
		Path:                  "/",
		MaxConnectionPoolSize: 2,
		BufferTime:            0,
		AllowClientIds:        false,
		ClientTracking:        true,
		ShutdownTimeout:       30 * time.Second,
		Logger:                log.Default(),
	}
}

// Option mutates a Config before it is passed to New, following the
// functional-options shape used throughout the teacher's lowlevel
// server package.
type Option func(*Config)

func WithPort(port int) Option   { return func(c *Config) { c.Port = port } }
func WithHost(host string) Option { return func(c *Config) { c.Host = host } }
func WithServer(s *http.Server) Option { return func(c *Config) { c.Server = s } }
func WithNoServer() Option { return func(c *Config) { c.NoServer = true } }
func WithPath(path string) Option { return func(c *Config) { c.Path = path } }
func WithMaxConnectionPoolSize(n int) Option {
	return func(c *Config) { c.MaxConnectionPoolSize = n }
}
func WithBufferTime(d time.Duration) Option { return func(c *Config) { c.BufferTime = d } }
func WithAllowClientIds(allow bool) Option  { return func(c *Config) { c.AllowClientIds = allow } }
func WithClientTracking(track bool) Option  { return func(c *Config) { c.ClientTracking = track } }
func WithLogger(l *log.Logger) Option       { return func(c *Config) { c.Logger = l } }

// ErrConfig is returned by New when Config violates spec §6's
// "exactly one of port/server/noServer" rule.
var ErrConfig = errors.New("server: config must set exactly one of Port, Server, or NoServer")

func (c *Config) validate() error {
	set := 0
	if c.Port != 0 {
		set++
	}
	if c.Server != nil {
		set++
	}
	if c.NoServer {
		set++
	}
	if set != 1 {
		return ErrConfig
	}
	if c.MaxConnectionPoolSize <= 0 {
		c.MaxConnectionPoolSize = 2
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

func (c *Config) listenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
