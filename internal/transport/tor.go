package transport

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"synnergy-comms/internal/cerr"
)

// Tor dials onion-service addresses (/onion3/<addr>/tcp/<port>) through a
// local Tor SOCKS5 port, and accepts inbound connections on a hidden
// service whose control-port setup is delegated to the caller (this
// package only speaks the data-plane once the hidden service exists).
//
// Tor shares its dial path with SOCKS5 — both variants route through a
// SOCKS proxy, differing only in which addresses they claim.
type Tor struct {
	socks     *SOCKS5
	hsListener Listener // set via Attach once the hidden service is up
}

// NewTor builds a Tor transport that routes onion dials through the given
// local Tor SOCKS5 proxy address (typically 127.0.0.1:9050).
func NewTor(socksProxyAddr string) *Tor {
	return &Tor{socks: NewSOCKS5(socksProxyAddr)}
}

func (t *Tor) Name() string { return "tor" }

func (t *Tor) CanDial(addr ma.Multiaddr) bool { return hasProtocol(addr, "onion3") }

func (t *Tor) Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error) {
	onion, err := addr.ValueForProtocol(ma.P_ONION3)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "tor: parse onion3 addr", err)
	}
	// onion3 values are "<56-char-base32-pubkey>:<port>"; the Tor SOCKS
	// proxy resolves the .onion host itself, so we hand it the hostname
	// directly rather than routing it through our own TCP/multiaddr path
	// (which would try, and fail, to resolve the onion address locally).
	host, port, err := net.SplitHostPort(onion)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "tor: split onion3 host/port", err)
	}
	return t.socks.dialHostPort(ctx, fmt.Sprintf("%s.onion:%s", host, port))
}

// Attach registers the Listener backing an already-published hidden
// service (provisioned out of process via the Tor control port). Inbound
// Accept calls are then served from that listener.
func (t *Tor) Attach(l Listener) { t.hsListener = l }

func (t *Tor) Listen(addr ma.Multiaddr) (Listener, error) {
	if t.hsListener == nil {
		return nil, cerr.New(cerr.AddressNotSupported, "tor: no hidden service attached")
	}
	return t.hsListener, nil
}
