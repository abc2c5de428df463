package mux

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/noiseconn"
)

// sessionPair builds two connected yamux sessions over a real Noise
// handshake on net.Pipe.
func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	kpA, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair A: %v", err)
	}
	kpB, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair B: %v", err)
	}

	a, b := net.Pipe()
	type acceptResult struct {
		s   *noiseconn.Session
		err error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		s, err := noiseconn.Accept(context.Background(), b, noiseconn.AcceptConfig{Local: kpB})
		ch <- acceptResult{s, err}
	}()
	nsA, err := noiseconn.Dial(context.Background(), a, noiseconn.DialConfig{Local: kpA, ExpectedNode: kpB.NodeID})
	if err != nil {
		t.Fatalf("noise dial: %v", err)
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("noise accept: %v", res.err)
	}

	client, err := NewInitiator(nsA, Config{})
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	server, err := NewResponder(res.s, Config{})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestOpenAcceptSubstreamRoundTrip(t *testing.T) {
	client, server := sessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		st  *Substream
		err error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		st, err := server.AcceptStream(ctx)
		ch <- acceptResult{st, err}
	}()

	out, err := client.OpenStream(ctx, "/test/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if out.Protocol() != "/test/1.0.0" {
		t.Errorf("protocol = %q, want /test/1.0.0", out.Protocol())
	}

	go func() { out.Write([]byte("over the mux")) }()

	res := <-ch
	if res.err != nil {
		t.Fatalf("AcceptStream: %v", res.err)
	}
	buf := make([]byte, 12)
	if _, err := res.st.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("over the mux")) {
		t.Fatalf("read %q", buf)
	}
}

func TestOnCloseHookRunsOnce(t *testing.T) {
	client, server := sessionPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		st, err := server.AcceptStream(ctx)
		if err == nil {
			defer st.Close()
			buf := make([]byte, 1)
			st.Read(buf)
		}
	}()

	st, err := client.OpenStream(ctx, "/test/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	st.Write([]byte{0x1})

	calls := 0
	st.OnClose(func() { calls++ })
	st.Close()
	st.Close()
	if calls != 1 {
		t.Fatalf("OnClose ran %d times, want 1", calls)
	}
}

func TestCloseSessionAbortsOpenStream(t *testing.T) {
	client, server := sessionPair(t)
	server.Close()
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.OpenStream(ctx, "/test/1.0.0"); err == nil {
		t.Fatal("expected OpenStream on a closed session to fail")
	}
	if !client.IsClosed() {
		t.Fatal("expected IsClosed after Close")
	}
}
