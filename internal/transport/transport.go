// Package transport implements the pluggable byte-stream layer:
// TCP, SOCKS5, Tor and an in-memory variant, all behind one Transport
// capability interface. Every variant must honour context cancellation
// mid-dial and report failures through the cerr typed-error enumeration.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	mafmt "github.com/multiformats/go-multiaddr-fmt"

	"synnergy-comms/internal/cerr"
)

// tcpPattern recognises any /ip4|ip6/tcp/<port> shape (DNS names are not
// matched), the family of
// addresses the TCP and SOCKS5/Tor-bypass transports can dial.
// Built with mafmt rather than a hand-rolled protocol walk so the shape is
// declared once and read the same way libp2p's own transports declare theirs.
var tcpPattern = mafmt.And(mafmt.IP, mafmt.Base(ma.P_TCP))

// MatchesTCP reports whether addr has the ip-over-tcp shape.
func MatchesTCP(addr ma.Multiaddr) bool { return tcpPattern.Matches(addr) }

// Stream is a bidirectional, ordered, reliable byte pipe with an async
// close. The deadline methods mirror net.Conn so upper layers
// (Noise, yamux) can bound stalled reads and writes; every built-in
// variant is backed by a net.Conn and inherits them directly.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// LocalAddr/RemoteAddr mirror net.Conn for logging and diagnostics.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts inbound Streams on a bound multiaddress.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Multiaddr() ma.Multiaddr
	Close() error
}

// Transport is the pluggable dial/listen capability. Additional transports
// compose at the edge without touching the core: anything that can parse a
// multiaddress and produce a Stream qualifies.
type Transport interface {
	// Name identifies the transport for logging/metrics ("tcp", "socks5", "tor", "memory").
	Name() string
	// CanDial reports whether this transport's protocol stack can parse addr.
	CanDial(addr ma.Multiaddr) bool
	Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error)
	Listen(addr ma.Multiaddr) (Listener, error)
}

// AddressNotSupported wraps the corresponding cerr kind for a dial/listen
// attempt against an address no configured transport recognises.
func AddressNotSupported(addr ma.Multiaddr) error {
	return cerr.New(cerr.AddressNotSupported, fmt.Sprintf("no transport can dial %s", addr))
}

// Registry dispatches a Multiaddr to the first Transport willing to dial
// it.
type Registry struct {
	transports []Transport
	// bypass holds destinations that must be dialled directly over TCP even
	// when a proxying transport (SOCKS5/Tor) is otherwise selected first.
	// Populated from the `proxy_bypass_addresses` config key.
	bypass    []ma.Multiaddr
	directTCP Transport
	// excluded rejects dials matching dial.excluded_dial_addresses
	// before any transport is consulted. Nil means nothing is excluded.
	excluded *AddressFilter
}

// NewRegistry builds a Registry trying transports in the given priority
// order. directTCP, if non-nil, handles addresses matched by bypass.
func NewRegistry(directTCP Transport, bypass []ma.Multiaddr, transports ...Transport) *Registry {
	return &Registry{transports: transports, bypass: bypass, directTCP: directTCP}
}

// SetExcluded installs the dial.excluded_dial_addresses filter.
func (r *Registry) SetExcluded(f *AddressFilter) { r.excluded = f }

func (r *Registry) isBypassed(addr ma.Multiaddr) bool {
	for _, b := range r.bypass {
		if b.Equal(addr) {
			return true
		}
	}
	return false
}

// Dial picks the first transport able to dial addr, honouring the
// proxy_bypass_addresses override.
func (r *Registry) Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error) {
	if r.excluded != nil && r.excluded.Matches(addr) {
		return nil, cerr.New(cerr.AddressNotSupported, fmt.Sprintf("dial address %s is excluded by configuration", addr))
	}
	if r.directTCP != nil && r.isBypassed(addr) && r.directTCP.CanDial(addr) {
		return r.directTCP.Dial(ctx, addr)
	}
	for _, t := range r.transports {
		if t.CanDial(addr) {
			return t.Dial(ctx, addr)
		}
	}
	return nil, AddressNotSupported(addr)
}

// Listen picks the first transport able to listen on addr.
func (r *Registry) Listen(addr ma.Multiaddr) (Listener, error) {
	for _, t := range r.transports {
		if t.CanDial(addr) {
			return t.Listen(addr)
		}
	}
	return nil, AddressNotSupported(addr)
}
