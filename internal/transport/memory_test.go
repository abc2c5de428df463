package transport

import (
	"context"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestMemoryDialListenRoundTrip(t *testing.T) {
	m := DefaultMemory()
	addr, err := ma.NewMultiaddr("/memory/" + t.Name())
	if err != nil {
		t.Fatalf("parse memory multiaddr: %v", err)
	}

	ln, err := m.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx := context.Background()
	type acceptResult struct {
		s   Stream
		err error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		s, err := ln.Accept(ctx)
		ch <- acceptResult{s, err}
	}()

	client, err := m.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	res := <-ch
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	defer res.s.Close()

	go func() { client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := res.s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("read %q, want ping", buf)
	}
}

func TestMemoryListenerIDFreedOnClose(t *testing.T) {
	m := DefaultMemory()
	addr, _ := ma.NewMultiaddr("/memory/" + t.Name())

	ln, err := m.Listen(addr)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	if _, err := m.Listen(addr); err == nil {
		t.Fatal("expected second Listen on a live id to fail")
	}
	ln.Close()
	ln2, err := m.Listen(addr)
	if err != nil {
		t.Fatalf("Listen after Close should reuse the id: %v", err)
	}
	ln2.Close()
}

func TestMemoryDialUnknownListenerFails(t *testing.T) {
	m := DefaultMemory()
	addr, _ := ma.NewMultiaddr("/memory/" + t.Name())
	if _, err := m.Dial(context.Background(), addr); err == nil {
		t.Fatal("expected dial to an unknown memory id to fail")
	}
}

func TestMemoryDialHonoursCancellation(t *testing.T) {
	m := DefaultMemory()
	addr, _ := ma.NewMultiaddr("/memory/" + t.Name())
	ln, err := m.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	// Nobody calls Accept, so the dial can only finish via the context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Dial(ctx, addr); err == nil {
		t.Fatal("expected a cancelled dial to fail")
	}
}
