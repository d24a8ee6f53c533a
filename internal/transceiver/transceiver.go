// Package transceiver implements component D: a sequenced, acknowledged
// byte transport over a BufferedStream (component C), including the
// SYN/ACK handshake of spec §4.D.
package transceiver

import (
	"context"
	"time"

	"github.com/xtaci/acoustictun/internal/applog"
	"github.com/xtaci/acoustictun/internal/protoerr"
	"github.com/xtaci/acoustictun/internal/stream"
)

// Flag bits, a bitmask per spec §3/§4.D (SYN=1, ACK=2, RTR=4 reserved).
const (
	FlagSYN byte = 1
	FlagACK byte = 2
	FlagRTR byte = 4
)

// Defaults from spec §4.D.
const (
	DefaultResendTimeout     = 3 * time.Second
	DefaultAbortRetries      = 5
	DefaultAbortTimeout      = 15 * time.Second
	DefaultReconnectInterval = 1500 * time.Millisecond
	DefaultPrecision         = 10 * time.Millisecond
	DefaultHandshakeRetries  = 3
	DefaultHandshakeTimeout  = 2500 * time.Millisecond
	// firstPacketDelay anchors first_packet_time slightly before "now"
	// at handshake completion, per the original's FIRST_BATCH_DELAY
	// idea of treating the anchor as the moment activity plausibly
	// began rather than the moment it was observed.
	firstPacketDelay = 65 * time.Millisecond
)

// Transceiver turns a BufferedStream's chunk-in/chunk-out flow into a
// reliable, ordered byte pipe with explicit direction turns (spec
// §4.D). It exclusively owns its BufferedStream (spec §9: no
// back-reference from the stream).
type Transceiver struct {
	stream *stream.BufferedStream
	log    *applog.Logger

	lastSentSeq     uint8
	haveSent        bool
	lastReceivedSeq uint8
	haveReceived    bool

	precision time.Duration
}

// New builds a Transceiver driving s.
func New(s *stream.BufferedStream, log *applog.Logger) *Transceiver {
	return &Transceiver{stream: s, log: log, precision: DefaultPrecision}
}

// Reset clears sequence counters and both buffers, returning the
// transceiver to its pre-handshake state (spec §3 lifecycle: a session
// reset clears buffers and counters).
func (t *Transceiver) Reset() {
	t.stream.ClearInputBuffer()
	t.stream.ClearOutputBuffer()
	t.haveSent = false
	t.haveReceived = false
}

func (t *Transceiver) nextSendSeq() uint8 {
	if !t.haveSent {
		t.haveSent = true
		t.lastSentSeq = 0
		return 0
	}
	t.lastSentSeq++
	return t.lastSentSeq
}

func (t *Transceiver) nextExpectedSeq() uint8 {
	if !t.haveReceived {
		return 0
	}
	return t.lastReceivedSeq + 1
}

// WriteInsecure sends exactly one DATA(seq, payload) and blocks until
// the matching ACK arrives, retransmitting on timeout (spec §4.D
// write_insecure).
func (t *Transceiver) WriteInsecure(ctx context.Context, payload []byte, resendTimeout time.Duration, abortRetries int) error {
	seq := t.nextSendSeq()
	full := append([]byte{seq}, payload...)

	t.stream.TurnWrite()
	if err := t.stream.Write(ctx, full, true); err != nil {
		return protoerr.Aborted("WriteInsecure", err)
	}

	retries := 0
	lastSend := time.Now()
	var ack []byte

	for {
		if time.Since(lastSend) >= resendTimeout {
			t.stream.TurnWrite()
			if err := t.stream.Write(ctx, full, true); err != nil {
				return protoerr.Aborted("WriteInsecure", err)
			}
			retries++
			if retries >= abortRetries {
				return protoerr.Aborted("WriteInsecure", nil)
			}
			lastSend = time.Now()
			ack = nil
		}

		t.stream.TurnRead()
		buf := t.stream.ReadNonBlocking(2 - len(ack))
		ack = append(ack, buf...)

		if len(ack) >= 2 {
			failure := ack[1] != FlagACK || ack[0] != seq
			if !failure {
				return nil
			}

			if t.log != nil {
				t.log.Warning("transceiver: bad ack", "got_seq", ack[0], "got_flags", ack[1], "want_seq", seq)
			}

			t.stream.TurnWrite()
			if err := t.stream.Write(ctx, full, true); err != nil {
				return protoerr.Aborted("WriteInsecure", err)
			}
			retries++
			if retries >= abortRetries {
				return protoerr.Aborted("WriteInsecure", nil)
			}
			lastSend = time.Now()
			ack = nil
		}

		select {
		case <-ctx.Done():
			return protoerr.Aborted("WriteInsecure", ctx.Err())
		case <-time.After(t.precision):
		}
	}
}

// ReadResult is the tagged alternative spec §9 calls for in place of the
// original's loose "ACK or (ack_bytes, payload)" return: Delivered means
// the ACK was already sent; PendingAck carries it for the caller (the
// handshake) to send later.
type ReadResult struct {
	Payload    []byte
	PendingAck []byte // non-nil only when sendAck was false
}

// ReadInsecure reads one DATA payload of exactly n bytes (spec §4.D
// read_insecure), handling duplicate retransmits and seq skew.
func (t *Transceiver) ReadInsecure(ctx context.Context, n int, abortTimeout time.Duration, sendAck bool) (ReadResult, error) {
	if n <= 0 {
		return ReadResult{}, protoerr.Aborted("ReadInsecure", nil)
	}

	start := time.Now()
	t.stream.TurnRead()

	var seq uint8

	for {
		if time.Since(start) >= abortTimeout {
			return ReadResult{}, protoerr.Aborted("ReadInsecure: awaiting seq byte", nil)
		}

		buf := t.stream.ReadNonBlocking(1)
		if len(buf) == 0 {
			select {
			case <-ctx.Done():
				return ReadResult{}, protoerr.Aborted("ReadInsecure", ctx.Err())
			case <-time.After(t.precision):
			}
			continue
		}

		seq = buf[0]
		expected := t.nextExpectedSeq()
		diff := int8(seq - expected)

		if diff > 0 {
			return ReadResult{}, protoerr.SeqSkew("ReadInsecure", int(seq), int(expected))
		}

		if diff < 0 {
			// A duplicate: the remote resent a packet we already
			// accepted. Re-ACK it without redelivering to the
			// application layer, then keep waiting for `expected`.
			t.stream.ClearInputBuffer()
			start = start.Add(500 * time.Millisecond)

			t.stream.TurnWrite()
			if err := t.stream.Write(ctx, []byte{seq, FlagACK}, true); err != nil {
				return ReadResult{}, protoerr.Aborted("ReadInsecure", err)
			}
			t.stream.TurnRead()

			select {
			case <-ctx.Done():
				return ReadResult{}, protoerr.Aborted("ReadInsecure", ctx.Err())
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		break
	}

	t.lastReceivedSeq = seq
	t.haveReceived = true

	result := make([]byte, 0, n)
	for len(result) < n {
		if time.Since(start) >= abortTimeout {
			return ReadResult{}, protoerr.Aborted("ReadInsecure: awaiting payload", nil)
		}

		buf := t.stream.ReadNonBlocking(n - len(result))
		if len(buf) > n-len(result) {
			if t.log != nil {
				t.log.Warning("transceiver: over-read, truncating")
			}
			buf = buf[:n-len(result)]
		}
		result = append(result, buf...)

		if len(result) >= n {
			break
		}

		select {
		case <-ctx.Done():
			return ReadResult{}, protoerr.Aborted("ReadInsecure", ctx.Err())
		case <-time.After(t.precision):
		}
	}

	ackBytes := []byte{seq, FlagACK}
	if sendAck {
		t.stream.TurnWrite()
		if err := t.stream.Write(ctx, ackBytes, true); err != nil {
			return ReadResult{}, protoerr.Aborted("ReadInsecure", err)
		}
		t.stream.TurnRead()
		return ReadResult{Payload: result}, nil
	}

	return ReadResult{Payload: result, PendingAck: ackBytes}, nil
}

// AvailablePayload reports how many payload bytes (i.e. excluding the
// pending seq byte) are sitting in the stream's input buffer right now.
// A caller that wants to read exactly one physical DATA packet without
// knowing its size in advance should wait for this to become positive,
// then pass min(AvailablePayload(), chunkSize) to ReadInsecure — this is
// what lets session.Receive size its length-prefix read to match
// whatever chunk the sender actually wrote (spec §4.E).
func (t *Transceiver) AvailablePayload() int {
	n := t.stream.Available() - 1
	if n < 0 {
		return 0
	}
	return n
}

// ReadEquals reads exactly len(expected) bytes and reports whether they
// equal expected, failing (not aborting) on mismatch or size overrun
// (spec §9 supplemented feature, grounded in alternative.py's
// read_equals, used during the receiver's handshake ACK wait).
func (t *Transceiver) ReadEquals(ctx context.Context, timeout time.Duration, expected []byte) (bool, error) {
	size := len(expected)
	start := time.Now()
	t.stream.TurnRead()

	var result []byte
	for {
		if time.Since(start) >= timeout {
			return false, nil
		}

		buf := t.stream.ReadNonBlocking(size - len(result))
		result = append(result, buf...)

		if len(result) > size {
			return false, nil
		}

		if len(result) == size {
			for i := range result {
				if result[i] != expected[i] {
					return false, nil
				}
			}
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.precision):
		}
	}
}

// handshakeInnerRetries is how many times the SYN (or SYN|ACK) gets
// resent within one handshake round before that round gives up and the
// outer loop restarts the whole handshake from scratch.
const handshakeInnerRetries = 3

// ConnectInitSender runs the initiator side of the SYN/ACK handshake
// (spec §4.D, wire layout per spec §6): send the bare `[SYN]` byte,
// await `[seq][SYN|ACK]` via the ordinary ReadInsecure machinery (so the
// SYN|ACK's seq is bound exactly like a DATA packet's), then echo back
// the `[seq][ACK]` ReadInsecure computed for it. A round that can't
// complete (wrong response, or ReadInsecure itself aborts) causes the
// whole handshake to restart, up to maxAttempts times.
func (t *Transceiver) ConnectInitSender(ctx context.Context, reconnectInterval time.Duration, maxAttempts int) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return protoerr.Aborted("ConnectInitSender", err)
		}

		t.Reset()
		ok, err := t.synSenderRound(ctx, reconnectInterval)
		if err != nil {
			continue
		}
		if ok {
			t.publishAnchor()
			return nil
		}
	}
	return protoerr.Aborted("ConnectInitSender", nil)
}

func (t *Transceiver) synSenderRound(ctx context.Context, reconnectInterval time.Duration) (bool, error) {
	for retry := 0; retry <= handshakeInnerRetries; retry++ {
		t.stream.TurnWrite()
		if err := t.stream.Write(ctx, []byte{FlagSYN}, true); err != nil {
			return false, err
		}
		t.stream.TurnRead()

		result, err := t.ReadInsecure(ctx, 1, DefaultHandshakeTimeout, false)
		if err != nil {
			return false, err
		}

		if result.Payload[0] != FlagSYN|FlagACK {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(reconnectInterval):
			}
			continue
		}

		t.stream.TurnWrite()
		if err := t.stream.Write(ctx, result.PendingAck, true); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ConnectInitReceiver runs the responder side of the handshake: a raw
// blocking read for the bare `[SYN]` byte (matching the original's
// unwrapped first read), then send `[seq][SYN|ACK]` through the normal
// seq-bearing write and wait for the literal `[seq][ACK]` echo.
func (t *Transceiver) ConnectInitReceiver(ctx context.Context, reconnectInterval time.Duration, maxAttempts int) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return protoerr.Aborted("ConnectInitReceiver", err)
		}

		t.Reset()
		ok, err := t.synReceiverRound(ctx, reconnectInterval)
		if err != nil {
			continue
		}
		if ok {
			t.publishAnchor()
			return nil
		}
	}
	return protoerr.Aborted("ConnectInitReceiver", nil)
}

func (t *Transceiver) synReceiverRound(ctx context.Context, reconnectInterval time.Duration) (bool, error) {
	t.stream.TurnRead()
	buf, err := t.stream.ReadBlocking(ctx, 1)
	if err != nil {
		return false, err
	}
	if buf[0] != FlagSYN {
		if t.log != nil {
			t.log.Warning("transceiver: expected SYN, got something else", "got", buf[0])
		}
		return false, nil
	}

	seq := t.nextSendSeq()
	synAck := []byte{seq, FlagSYN | FlagACK}
	ackExpected := []byte{seq, FlagACK}

	for retry := 0; retry <= handshakeInnerRetries; retry++ {
		t.stream.TurnWrite()
		if err := t.stream.Write(ctx, synAck, true); err != nil {
			return false, err
		}
		t.stream.TurnRead()

		ok, err := t.ReadEquals(ctx, reconnectInterval, ackExpected)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// publishAnchor sets the send-window anchor slightly in the past, since
// the handshake's final packet was observed, not necessarily sent, at
// this exact instant (mirrors the original's small fudge before timing
// the first real DATA transmission).
func (t *Transceiver) publishAnchor() {
	t.stream.SetFirstPacketTime(time.Now().Add(-firstPacketDelay))
}
