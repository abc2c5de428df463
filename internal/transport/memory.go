package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"synnergy-comms/internal/cerr"
)

// Memory is an in-process transport used for tests and simulations: it
// never touches a real socket, routing `/memory/<id>` addresses through a
// shared process-wide registry via net.Pipe.
type Memory struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

var defaultMemory = &Memory{listeners: make(map[string]*memoryListener)}

// DefaultMemory returns the process-wide in-memory transport registry so
// multiple Node instances in the same test binary can dial each other.
func DefaultMemory() *Memory { return defaultMemory }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) CanDial(addr ma.Multiaddr) bool { return hasProtocol(addr, "memory") }

// protoMemory is a private-use multiaddr protocol code for "/memory/<id>"
// addresses: a length-prefixed string naming an in-process listener. Real
// transports never see this code; it exists purely so tests and
// simulations can compose Multiaddrs the same way production code does.
var protoMemory = func() int {
	p := ma.Protocol{
		Name:       "memory",
		Code:       0x3F42,
		VCode:      ma.CodeToVarint(0x3F42),
		Size:       ma.LengthPrefixedVarSize,
		Transcoder: ma.NewTranscoderFromFunctions(memStringToBytes, memBytesToString, nil),
	}
	if err := ma.AddProtocol(p); err != nil {
		// Already registered (e.g. package re-initialised in tests): fine.
		_ = err
	}
	return p.Code
}()

func memStringToBytes(s string) ([]byte, error) { return []byte(s), nil }
func memBytesToString(b []byte) (string, error) { return string(b), nil }

type memoryListener struct {
	reg     *Memory
	id      string
	addr    ma.Multiaddr
	conns   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (m *Memory) Listen(addr ma.Multiaddr) (Listener, error) {
	id, err := addr.ValueForProtocol(protoMemory)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "memory: parse addr", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[id]; exists {
		return nil, cerr.New(cerr.AddressNotSupported, fmt.Sprintf("memory: %s already listening", id))
	}
	l := &memoryListener{reg: m, id: id, addr: addr, conns: make(chan net.Conn), closeCh: make(chan struct{})}
	m.listeners[id] = l
	return l, nil
}

func (m *Memory) Dial(ctx context.Context, addr ma.Multiaddr) (Stream, error) {
	id, err := addr.ValueForProtocol(protoMemory)
	if err != nil {
		return nil, cerr.Wrap(cerr.AddressNotSupported, "memory: parse addr", err)
	}
	m.mu.Lock()
	l, ok := m.listeners[id]
	m.mu.Unlock()
	if !ok {
		return nil, cerr.New(cerr.DialFailure, fmt.Sprintf("memory: no listener for %s", id))
	}
	client, server := net.Pipe()
	select {
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, cerr.Wrap(cerr.Cancelled, "memory: dial cancelled", ctx.Err())
	case l.conns <- server:
		return &tcpStream{Conn: client}, nil
	case <-l.closeCh:
		client.Close()
		server.Close()
		return nil, cerr.New(cerr.DialFailure, fmt.Sprintf("memory: %s closed", id))
	}
}

func (l *memoryListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, cerr.Wrap(cerr.Cancelled, "memory: accept cancelled", ctx.Err())
	case c := <-l.conns:
		return &tcpStream{Conn: c}, nil
	case <-l.closeCh:
		return nil, cerr.New(cerr.ConnClosed, "memory: listener closed")
	}
}

func (l *memoryListener) Multiaddr() ma.Multiaddr { return l.addr }

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.reg.mu.Lock()
		delete(l.reg.listeners, l.id)
		l.reg.mu.Unlock()
	})
	return nil
}
