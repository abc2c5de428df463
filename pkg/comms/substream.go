package comms

import (
	"bufio"
	"context"
	"io"

	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/mux"
	"synnergy-comms/internal/wire"
)

// serveSubstreams accepts inbound substreams on conn until it closes or ctx
// is cancelled, handing each off to handleSubstream. One of these runs per
// Ready connection.
func (n *Node) serveSubstreams(ctx context.Context, conn *connmgr.Conn) {
	defer n.subWG.Done()
	for {
		st, err := conn.AcceptSubstream(ctx)
		if err != nil {
			return
		}
		go n.handleSubstream(ctx, conn.Remote, st)
	}
}

// handleSubstream reads the one raw kind byte every substream opener writes
// first (see wire.SubstreamKind*) and dispatches to the message pipeline or
// the RPC server accordingly — the kind-byte demultiplexing
// mux.Session.AcceptStream refers to, since yamux itself carries no
// protocol-multiplexing concept.
func (n *Node) handleSubstream(ctx context.Context, from identity.NodeID, st *mux.Substream) {
	var kind [1]byte
	if _, err := io.ReadFull(st, kind[:]); err != nil {
		st.Close()
		return
	}
	switch kind[0] {
	case wire.SubstreamKindMessage:
		defer st.Close()
		r := bufio.NewReaderSize(st, wire.MaxFrameSize)
		n.pipeline.HandleInbound(ctx, from, r)
	case wire.SubstreamKindRPC:
		n.rpcServer.Serve(ctx, from, st)
	default:
		st.Close()
	}
}
