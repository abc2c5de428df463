// Package cerr defines the stable, public error-kind enumeration for the
// comms substrate. Every error that crosses a package boundary is
// wrapped in a *Error carrying one of these kinds, so callers can branch on
// cerr.OfKind(err, cerr.PeerBanned) or errors.Is(err, cerr.New(cerr.PeerBanned, ""))
// without parsing strings.
package cerr

import "fmt"

// Kind is a stable, comparable error category. New kinds may be appended but
// existing ones must never be renumbered once released.
type Kind int

const (
	Unknown Kind = iota

	// Transport
	AddressNotSupported
	DialFailure
	Timeout
	Cancelled

	// Session
	HandshakeFailure
	IdentityMismatch
	VersionIncompatible

	// Connection
	DuplicateConnection
	PeerBanned
	TooManySessions
	ConnClosed

	// Message
	DecodeError
	SignatureInvalid
	DecryptFailed
	Expired
	DuplicateDropped

	// DHT
	NoEligiblePeers
	SafFull
	DiscoveryTimedOut

	// Store
	NotFound
	Corruption
	OutOfSpace
)

var names = map[Kind]string{
	Unknown:             "unknown",
	AddressNotSupported: "address_not_supported",
	DialFailure:         "dial_failure",
	Timeout:             "timeout",
	Cancelled:           "cancelled",
	HandshakeFailure:    "handshake_failure",
	IdentityMismatch:    "identity_mismatch",
	VersionIncompatible: "version_incompatible",
	DuplicateConnection: "duplicate_connection",
	PeerBanned:          "peer_banned",
	TooManySessions:     "too_many_sessions",
	ConnClosed:          "closed",
	DecodeError:         "decode_error",
	SignatureInvalid:    "signature_invalid",
	DecryptFailed:       "decrypt_failed",
	Expired:             "expired",
	DuplicateDropped:    "duplicate_dropped",
	NoEligiblePeers:     "no_eligible_peers",
	SafFull:             "saf_full",
	DiscoveryTimedOut:   "discovery_timed_out",
	NotFound:            "not_found",
	Corruption:          "corruption",
	OutOfSpace:          "out_of_space",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the concrete error type returned across public API boundaries.
// It carries a stable Kind plus a free-form description for logging, and
// wraps an optional underlying cause for errors.Unwrap chains.
type Error struct {
	Kind   Kind
	Desc   string
	Peer   string // optional: NodeId/public-key string of the peer involved
	Cause  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s: %s (peer=%s)", e.Kind, e.Desc, e.Peer)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Desc)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, cerr.New(SomeKind, "")) match purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with the given kind and description.
func New(kind Kind, desc string) *Error {
	return &Error{Kind: kind, Desc: desc}
}

// Wrap attaches kind and description to an underlying cause.
func Wrap(kind Kind, desc string, cause error) *Error {
	return &Error{Kind: kind, Desc: desc, Cause: cause}
}

// WithPeer returns a copy of the error annotated with the offending peer.
func (e *Error) WithPeer(peer string) *Error {
	cp := *e
	cp.Peer = peer
	return &cp
}

// OfKind is a convenience matcher: OfKind(err, PeerBanned).
func OfKind(err error, kind Kind) bool {
	var ce *Error
	for err != nil {
		if c, ok := err.(*Error); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ce != nil && ce.Kind == kind
}
