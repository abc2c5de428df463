package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"synnergy-comms/internal/cerr"
)

// TCP is the baseline transport: raw, unencrypted TCP. Noise is layered on
// top by internal/noiseconn; this package only produces opaque byte streams
//.
type TCP struct {
	// KeepAlive configures the socket-level keepalive. Zero disables it.
	KeepAlive time.Duration
}

func NewTCP(keepAlive time.Duration) *TCP { return &TCP{KeepAlive: keepAlive} }

func (t *TCP) Name() string { return "tcp" }

func (t *TCP) CanDial(addr ma.Multiaddr) bool {
	if !MatchesTCP(addr) {
		return false
	}
	_, err := manet.ToNetAddr(addr)
	return err == nil
}

func hasProtocol(addr ma.Multiaddr, name string) bool {
	for _, p := range addr.Protocols() {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (t *TCP) Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error) {
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "tcp: parse multiaddr", err)
	}
	var d net.Dialer
	d.KeepAlive = t.KeepAlive
	conn, err := d.DialContext(ctx, "tcp", netAddr.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, cerr.Wrap(cerr.Cancelled, "tcp: dial cancelled", ctx.Err())
		}
		return nil, cerr.Wrap(cerr.DialFailure, fmt.Sprintf("tcp: dial %s", addr), err)
	}
	return &tcpStream{Conn: conn}, nil
}

func (t *TCP) Listen(addr ma.Multiaddr) (Listener, error) {
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "tcp: parse multiaddr", err)
	}
	ln, err := net.Listen("tcp", netAddr.String())
	if err != nil {
		return nil, cerr.Wrap(cerr.DialFailure, "tcp: listen", err)
	}
	boundAddr, err := manet.FromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, cerr.Wrap(cerr.AddressNotSupported, "tcp: encode bound addr", err)
	}
	return &tcpListener{ln: ln, addr: boundAddr}, nil
}

type tcpStream struct{ net.Conn }

type tcpListener struct {
	ln   net.Listener
	addr ma.Multiaddr
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, cerr.Wrap(cerr.Cancelled, "tcp: accept cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, cerr.Wrap(cerr.ConnClosed, "tcp: listener closed", r.err)
			}
			return nil, cerr.Wrap(cerr.DialFailure, "tcp: accept", r.err)
		}
		return &tcpStream{Conn: r.c}, nil
	}
}

func (l *tcpListener) Multiaddr() ma.Multiaddr { return l.addr }
func (l *tcpListener) Close() error            { return l.ln.Close() }
