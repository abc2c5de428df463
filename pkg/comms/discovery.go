package comms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"synnergy-comms/internal/dht"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/rpc"
	"synnergy-comms/internal/wire"
)

// peerSampler implements dht.PeerSampler over an RPC call: the request
// payload is the target NodeId followed by a one-byte requested count, and
// the response payload is a JSON array of peerstore.Peer records.
// JSON matches how internal/peerstore itself
// persists Peer records, rather than inventing a second wire format for the
// same type.
func (n *Node) peerSampler() dht.PeerSampler {
	return func(ctx context.Context, peer identity.NodeID, target identity.NodeID, want int) ([]*peerstore.Peer, error) {
		if want <= 0 {
			want = 1
		}
		if want > 255 {
			want = 255
		}
		payload := make([]byte, 0, identity.NodeIDLen+1)
		payload = append(payload, target[:]...)
		payload = append(payload, byte(want))

		resp, err := n.rpcClient.Call(ctx, peer, rpc.MethodPeerSample, payload)
		if err != nil {
			return nil, err
		}
		if resp.Flags&rpc.FlagIsError != 0 {
			return nil, fmt.Errorf("rpc: peer_sample: %s", string(resp.Payload))
		}
		var found []*peerstore.Peer
		if err := json.Unmarshal(resp.Payload, &found); err != nil {
			return nil, fmt.Errorf("rpc: decode peer_sample response: %w", err)
		}
		return found, nil
	}
}

// handlePeerSample answers a peer_sample RPC with up to the requested
// number of known peers closest to the target NodeId.
func (n *Node) handlePeerSample(ctx context.Context, from identity.NodeID, req rpc.Frame) ([]byte, error) {
	if len(req.Payload) < identity.NodeIDLen+1 {
		return nil, fmt.Errorf("rpc: peer_sample: payload too short")
	}
	var target identity.NodeID
	copy(target[:], req.Payload[:identity.NodeIDLen])
	want := int(req.Payload[identity.NodeIDLen])

	closest := n.peers.ClosestTo(target, want, peerstore.Filter{ExcludeBanned: true})
	return json.Marshal(closest)
}

// handleSAFRetrieval answers a saf_retrieval RPC with up to
// saf_max_returned_messages non-expired envelopes this node is holding for
// the caller and stored within max_inflight_request_age, rate-limited per
// peer. Each
// envelope is written as its own length-prefixed wire frame so the caller
// can decode a variable number of them from one response payload.
func (n *Node) handleSAFRetrieval(ctx context.Context, from identity.NodeID, req rpc.Frame) ([]byte, error) {
	if !n.overlay.AllowSAFRetrieval(from) {
		return nil, fmt.Errorf("rpc: saf_retrieval: rate limit exceeded")
	}
	envs := n.overlay.SAF().Retrieve(from, n.cfg.DHT.SAFMaxReturnedMessages, n.cfg.DHT.SAFMaxInflightAge)
	if n.stats != nil {
		n.stats.SAFRetrievedTotal.Add(float64(len(envs)))
	}
	var buf bytes.Buffer
	for _, env := range envs {
		if err := wire.WriteFrame(&buf, wire.Encode(env)); err != nil {
			return nil, fmt.Errorf("rpc: encode saf envelope: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// RetrieveStoredMessages issues a saf_retrieval RPC against peer and
// decodes the resulting batch of envelopes. Callers typically
// invoke this right after a connection to peer becomes Ready. Each retrieved
// envelope passes through the same dedup gate and dispatcher as live inbound
// traffic, so a message that later arrives again over gossip is suppressed.
func (n *Node) RetrieveStoredMessages(ctx context.Context, peer identity.NodeID) ([]*wire.Envelope, error) {
	resp, err := n.rpcClient.Call(ctx, peer, rpc.MethodSAFRetrieval, nil)
	if err != nil {
		return nil, err
	}
	if resp.Flags&rpc.FlagIsError != 0 {
		return nil, fmt.Errorf("rpc: saf_retrieval: %s", string(resp.Payload))
	}
	r := bufio.NewReader(bytes.NewReader(resp.Payload))
	var out []*wire.Envelope
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			break
		}
		env, err := wire.Decode(frame)
		if err != nil {
			return out, fmt.Errorf("rpc: decode saf envelope: %w", err)
		}
		if !n.pipeline.Ingest(ctx, peer, env) {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
