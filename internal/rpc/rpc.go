// Package rpc implements the request/response framing layer substreams use
// for point-to-point calls: {request_id, method_id, flags,
// payload}, layered over internal/wire's varint framing. Every response is a
// single frame carrying FlagFinal; multi-frame streamed responses are not
// implemented by Client or Server.
package rpc

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/mux"
	"synnergy-comms/internal/wire"
)

// Flags on an RPC frame.
type Flags uint8

const (
	FlagFinal    Flags = 1 << iota // last frame of a (possibly streamed) response
	FlagIsError                    // payload is an error description, not a result
)

// MethodID identifies an RPC method; method registration lives with the
// caller (pkg/comms), not here.
type MethodID uint32

const (
	MethodPeerSample    MethodID = 1
	MethodSAFRetrieval  MethodID = 2
)

// Frame is one RPC message on a substream.
type Frame struct {
	RequestID uuid.UUID
	Method    MethodID
	Flags     Flags
	Payload   []byte
}

// Encode serialises a Frame: 16-byte request id, varint method id, one flags
// byte, then the payload (length carried by the outer wire frame, not
// duplicated here).
func Encode(f Frame) []byte {
	buf := make([]byte, 0, 16+varint.UvarintSize(uint64(f.Method))+1+len(f.Payload))
	buf = append(buf, f.RequestID[:]...)
	var tmp [10]byte
	n := varint.PutUvarint(tmp[:], uint64(f.Method))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, byte(f.Flags))
	buf = append(buf, f.Payload...)
	return buf
}

// Decode parses a Frame previously produced by Encode.
func Decode(data []byte) (Frame, error) {
	if len(data) < 16 {
		return Frame{}, fmt.Errorf("rpc: frame shorter than request id")
	}
	var f Frame
	copy(f.RequestID[:], data[:16])
	rest := data[16:]
	method, n, err := varint.FromUvarint(rest)
	if err != nil {
		return Frame{}, fmt.Errorf("rpc: decode method id: %w", err)
	}
	f.Method = MethodID(method)
	rest = rest[n:]
	if len(rest) < 1 {
		return Frame{}, fmt.Errorf("rpc: frame missing flags byte")
	}
	f.Flags = Flags(rest[0])
	f.Payload = append([]byte(nil), rest[1:]...)
	return f, nil
}

// Session caps bound how many concurrent RPC exchanges one peer may have
// open at once, independent of the connection manager's raw substream caps
//.
type Limits struct {
	MaxSessionsPerPeer     int
	MaxSimultaneousSessions int
	RequestTimeout          time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxSessionsPerPeer: 8, MaxSimultaneousSessions: 512, RequestTimeout: 15 * time.Second}
}

// Client issues RPC requests over connmgr Connections.
type Client struct {
	mgr    *connmgr.Manager
	limits Limits

	mu       sync.Mutex
	perPeer  map[identity.NodeID]int
	global   int
}

func NewClient(mgr *connmgr.Manager, limits Limits) *Client {
	return &Client{mgr: mgr, limits: limits, perPeer: make(map[identity.NodeID]int)}
}

// protocolID is the substream protocol name RPC calls negotiate over.
const protocolID = "/synnergy-comms/rpc/1.0.0"

// Call opens a substream to peer, writes one request Frame, and reads back
// one response Frame (non-streaming form).
func (c *Client) Call(ctx context.Context, peer identity.NodeID, method MethodID, payload []byte) (Frame, error) {
	if err := c.acquire(peer); err != nil {
		return Frame{}, err
	}
	defer c.release(peer)

	conn, ok := c.mgr.Lookup(peer)
	if !ok {
		return Frame{}, cerr.New(cerr.ConnClosed, "rpc: no connection to peer").WithPeer(peer.String())
	}
	if err := c.mgr.AcquireSubstreamSlot(ctx, conn); err != nil {
		return Frame{}, err
	}
	defer c.mgr.ReleaseSubstreamSlot()

	st, err := conn.OpenSubstream(ctx, protocolID)
	if err != nil {
		return Frame{}, err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, c.limits.RequestTimeout)
	defer cancel()

	if _, err := st.Write([]byte{wire.SubstreamKindRPC}); err != nil {
		return Frame{}, fmt.Errorf("rpc: write substream kind: %w", err)
	}
	req := Frame{RequestID: uuid.New(), Method: method, Flags: FlagFinal, Payload: payload}
	if err := wire.WriteFrame(st, Encode(req)); err != nil {
		return Frame{}, fmt.Errorf("rpc: write request: %w", err)
	}

	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r := bufio.NewReaderSize(st, wire.MaxFrameSize)
		raw, err := wire.ReadFrame(r)
		if err != nil {
			ch <- result{err: fmt.Errorf("rpc: read response: %w", err)}
			return
		}
		f, err := Decode(raw)
		ch <- result{f: f, err: err}
	}()
	select {
	case <-ctx.Done():
		return Frame{}, cerr.Wrap(cerr.Timeout, "rpc: call timed out", ctx.Err())
	case r := <-ch:
		return r.f, r.err
	}
}

func (c *Client) acquire(peer identity.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global >= c.limits.MaxSimultaneousSessions {
		return cerr.New(cerr.TooManySessions, "rpc: global rpc session cap reached")
	}
	if c.perPeer[peer] >= c.limits.MaxSessionsPerPeer {
		return cerr.New(cerr.TooManySessions, "rpc: per-peer rpc session cap reached").WithPeer(peer.String())
	}
	c.perPeer[peer]++
	c.global++
	return nil
}

func (c *Client) release(peer identity.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perPeer[peer]--
	if c.perPeer[peer] <= 0 {
		delete(c.perPeer, peer)
	}
	c.global--
}

// Handler answers one RPC Frame with a response payload, or an error.
type Handler func(ctx context.Context, from identity.NodeID, req Frame) (payload []byte, err error)

// Server dispatches inbound RPC substreams to registered Handlers.
type Server struct {
	handlers map[MethodID]Handler
}

func NewServer() *Server { return &Server{handlers: make(map[MethodID]Handler)} }

func (s *Server) Register(method MethodID, h Handler) { s.handlers[method] = h }

// Serve reads one request frame from st and writes back the handler's
// response, closing st afterward (one call per substream, matching the
// Client's one-substream-per-call convention).
func (s *Server) Serve(ctx context.Context, from identity.NodeID, st *mux.Substream) {
	defer st.Close()
	r := bufio.NewReaderSize(st, wire.MaxFrameSize)
	raw, err := wire.ReadFrame(r)
	if err != nil {
		return
	}
	req, err := Decode(raw)
	if err != nil {
		return
	}
	h, ok := s.handlers[req.Method]
	if !ok {
		resp := Frame{RequestID: req.RequestID, Method: req.Method, Flags: FlagFinal | FlagIsError, Payload: []byte("unknown method")}
		_ = wire.WriteFrame(st, Encode(resp))
		return
	}
	payload, err := h(ctx, from, req)
	resp := Frame{RequestID: req.RequestID, Method: req.Method, Flags: FlagFinal}
	if err != nil {
		resp.Flags |= FlagIsError
		resp.Payload = []byte(err.Error())
	} else {
		resp.Payload = payload
	}
	_ = wire.WriteFrame(st, Encode(resp))
}
