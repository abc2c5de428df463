package transport

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/proxy"

	"synnergy-comms/internal/cerr"
)

// SOCKS5 dials TCP endpoints through a local SOCKS5 proxy (e.g. a Tor
// daemon's SOCKS port, or any other SOCKS5 relay). It honours
// proxy_bypass_addresses by simply never being asked to dial them — the
// Registry routes bypassed addresses to a direct TCP transport instead
//.
type SOCKS5 struct {
	ProxyAddr string // host:port of the SOCKS5 proxy
}

func NewSOCKS5(proxyAddr string) *SOCKS5 { return &SOCKS5{ProxyAddr: proxyAddr} }

func (s *SOCKS5) Name() string { return "socks5" }

func (s *SOCKS5) CanDial(addr ma.Multiaddr) bool { return MatchesTCP(addr) }

func (s *SOCKS5) Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error) {
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "socks5: parse multiaddr", err)
	}
	return s.dialHostPort(ctx, netAddr.String())
}

// dialHostPort dials a plain "host:port" string through the SOCKS5 proxy
// without requiring it to parse as a multiaddr first. The Tor transport
// uses this directly for .onion hosts, which the SOCKS proxy itself
// resolves and which have no multiaddr/net.Addr representation we could
// round-trip through manet.ToNetAddr.
func (s *SOCKS5) dialHostPort(ctx context.Context, hostPort string) (Stream, error) {
	dialer, err := proxy.SOCKS5("tcp", s.ProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, cerr.Wrap(cerr.DialFailure, "socks5: build dialer", err)
	}
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := dialer.Dial("tcp", hostPort)
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, cerr.Wrap(cerr.Cancelled, "socks5: dial cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, cerr.Wrap(cerr.DialFailure, fmt.Sprintf("socks5: dial %s", hostPort), r.err)
		}
		return &tcpStream{Conn: r.c}, nil
	}
}

// Listen is not supported: a SOCKS5 proxy has no inbound-accept capability
// from this side. Inbound connectivity through Tor comes via the Tor
// variant's hidden-service listener instead.
func (s *SOCKS5) Listen(addr ma.Multiaddr) (Listener, error) {
	return nil, cerr.New(cerr.AddressNotSupported, "socks5: inbound listen not supported")
}
