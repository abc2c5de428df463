package transport

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestAddressFilterMatchesCIDR(t *testing.T) {
	f := NewAddressFilter([]string{"127.0.0.0/8"})
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatalf("parse multiaddr: %v", err)
	}
	if !f.Matches(addr) {
		t.Fatal("expected 127.0.0.1 to match 127.0.0.0/8")
	}
}

func TestAddressFilterMatchesWildcard(t *testing.T) {
	f := NewAddressFilter([]string{"10.1.*.*"})
	addr, err := ma.NewMultiaddr("/ip4/10.1.2.3/tcp/4001")
	if err != nil {
		t.Fatalf("parse multiaddr: %v", err)
	}
	if !f.Matches(addr) {
		t.Fatal("expected 10.1.2.3 to match 10.1.*.*")
	}
	other, _ := ma.NewMultiaddr("/ip4/10.2.2.3/tcp/4001")
	if f.Matches(other) {
		t.Fatal("did not expect 10.2.2.3 to match 10.1.*.*")
	}
}

func TestAddressFilterSkipsMalformedPatterns(t *testing.T) {
	f := NewAddressFilter([]string{"not-a-pattern", "", "10.0.0.0/8"})
	addr, _ := ma.NewMultiaddr("/ip4/10.1.2.3/tcp/4001")
	if !f.Matches(addr) {
		t.Fatal("expected the well-formed CIDR entry to still take effect")
	}
}

func TestRegistryDialRejectsExcludedAddress(t *testing.T) {
	tcp := NewTCP(0)
	reg := NewRegistry(tcp, nil, tcp)
	reg.SetExcluded(NewAddressFilter([]string{"10.0.0.0/8"}))

	addr, _ := ma.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	if _, err := reg.Dial(nil, addr); err == nil { //nolint:staticcheck // nil ctx fine, rejected before use
		t.Fatal("expected dial to an excluded address to fail")
	}
}
