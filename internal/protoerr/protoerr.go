// Package protoerr defines the error taxonomy shared by the acoustic
// transport and session layers: FEC failures, protocol-level mismatches,
// and the connection-abort condition that unwinds a session back to the
// handshake.
package protoerr

import "fmt"

// Kind classifies an error into one of the taxonomy buckets from the
// transport design: FEC, protocol, abort, or the audio backend.
type Kind int

const (
	KindFEC Kind = iota
	KindProtocol
	KindAborted
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindFEC:
		return "fec"
	case KindProtocol:
		return "protocol"
	case KindAborted:
		return "aborted"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Callers match on Kind via errors.As,
// not on the message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Undecodable reports an FEC block with more byte errors than the code
// can correct. The corrupt chunk is dropped; the caller never ACKs it and
// the remote retransmits.
func Undecodable(op string) error {
	return &Error{Kind: KindFEC, Op: op, Err: fmt.Errorf("block undecodable")}
}

// SeqSkew reports a sequence id that desynchronized the link (a DATA
// packet whose id is ahead of what the receiver expects).
func SeqSkew(op string, got, want int) error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("sequence skew: got %d, want %d", got, want)}
}

// UnexpectedFlags reports a packet whose flag byte didn't match what the
// protocol step expected (e.g. an ACK without the ACK bit set).
func UnexpectedFlags(op string, got, want byte) error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("unexpected flags: got %#x, want %#x", got, want)}
}

// HelloMismatch reports a liveness-check ciphertext that didn't decrypt
// to the expected plaintext. Always fatal to the session.
func HelloMismatch(op string) error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("hello liveness check failed")}
}

// Aborted reports that a connection's retry budget or abort timeout was
// exhausted. The session loop resets and re-handshakes on this error.
func Aborted(op string, cause error) error {
	return &Error{Kind: KindAborted, Op: op, Err: cause}
}

// IO wraps an audio backend failure.
func IO(op string, cause error) error {
	return &Error{Kind: KindIO, Op: op, Err: cause}
}

// Is allows errors.Is(err, protoerr.Aborted("", nil)) style matching on
// Kind alone, ignoring Op/Err, by comparing Kind when both sides are
// *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
