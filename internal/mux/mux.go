// Package mux wraps a single yamux session per Noise session:
// it opens substreams on demand, multiplexes them with per-substream flow
// control so back-pressure on one substream never stalls another, and
// aborts every open substream when the session closes.
package mux

import (
	"context"
	"fmt"

	yamux "github.com/libp2p/go-yamux/v4"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/noiseconn"
)

// Substream is a single logical stream over a Connection, bound to a named
// protocol id.
type Substream struct {
	*yamux.Stream
	protocol string
	onClose  func()
}

func (s *Substream) Protocol() string { return s.protocol }

// OnClose registers fn to run once, the first time Close is called. connmgr
// uses this to deregister a Substream from its per-peer LRU tracking list
// without connmgr
// needing to reach into yamux internals.
func (s *Substream) OnClose(fn func()) { s.onClose = fn }

// Close closes the underlying yamux stream and runs the registered onClose
// hook, if any.
func (s *Substream) Close() error {
	if s.onClose != nil {
		s.onClose()
		s.onClose = nil
	}
	return s.Stream.Close()
}

// Session multiplexes many Substreams over one noiseconn.Session.
type Session struct {
	ym        *yamux.Session
	initiator bool
}

// Config mirrors the yamux knobs the connection manager tunes: the accept
// backlog and whether yamux keepalive is enabled. Window sizes and the
// keepalive interval stay at yamux's defaults.
type Config struct {
	AcceptBacklog int
	KeepAlive     bool
}

func defaultYamuxConfig(cfg Config) *yamux.Config {
	c := yamux.DefaultConfig()
	if cfg.AcceptBacklog > 0 {
		c.AcceptBacklog = cfg.AcceptBacklog
	}
	c.EnableKeepAlive = cfg.KeepAlive
	return c
}

// NewInitiator wraps a noiseconn.Session as the yamux client side (the
// Noise initiator also opens the yamux client session; there is exactly one
// multiplexer per Noise session).
func NewInitiator(ns *noiseconn.Session, cfg Config) (*Session, error) {
	ym, err := yamux.Client(ns, defaultYamuxConfig(cfg), nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.HandshakeFailure, "mux: init yamux client", err)
	}
	return &Session{ym: ym, initiator: true}, nil
}

// NewResponder wraps a noiseconn.Session as the yamux server side.
func NewResponder(ns *noiseconn.Session, cfg Config) (*Session, error) {
	ym, err := yamux.Server(ns, defaultYamuxConfig(cfg), nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.HandshakeFailure, "mux: init yamux server", err)
	}
	return &Session{ym: ym, initiator: false}, nil
}

// OpenStream opens a new substream for the given protocol id. Flow control
// is per-substream: a stalled reader on one substream never
// blocks Open/Accept/Write on another, since yamux multiplexes frames over
// independent per-stream receive windows.
func (s *Session) OpenStream(ctx context.Context, protocol string) (*Substream, error) {
	st, err := s.ym.OpenStream(ctx)
	if err != nil {
		if s.ym.IsClosed() {
			return nil, cerr.New(cerr.ConnClosed, "mux: session closed")
		}
		return nil, fmt.Errorf("mux: open substream for %s: %w", protocol, err)
	}
	return &Substream{Stream: st, protocol: protocol}, nil
}

// AcceptStream blocks until a new inbound substream arrives or the session
// closes. yamux itself has no protocol-multiplexing concept, so an accepted
// Substream carries no protocol id; the caller tells substreams apart by the
// kind byte the opener writes first (see wire.SubstreamKind* and
// pkg/comms's handleSubstream).
func (s *Session) AcceptStream(ctx context.Context) (*Substream, error) {
	type result struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.ym.AcceptStream()
		ch <- result{st, err}
	}()
	select {
	case <-ctx.Done():
		return nil, cerr.Wrap(cerr.Cancelled, "mux: accept cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, cerr.New(cerr.ConnClosed, "mux: session closed")
		}
		return &Substream{Stream: r.st}, nil
	}
}

// NumStreams reports the live substream count, used by connmgr for its
// per-peer/global caps.
func (s *Session) NumStreams() int { return s.ym.NumStreams() }

// Close tears down the yamux session; all open substreams are aborted.
func (s *Session) Close() error { return s.ym.Close() }

func (s *Session) IsClosed() bool { return s.ym.IsClosed() }
