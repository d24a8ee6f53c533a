// Package stream implements component C: a buffered half-duplex byte
// stream that decouples the audio threads (modem producer/consumer)
// from the transport logic, enforcing the single-talker direction
// invariant described in spec §4.C.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/xtaci/acoustictun/internal/applog"
)

// Direction is which side of the half-duplex link is currently active.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// BufferedStream is the sole synchronization point between the audio
// threads and the transceiver, per spec §4.C/§5. One instance is owned
// exclusively by the transceiver that drives it; the stream itself holds
// no back-reference (spec §9's cyclic-reference note).
type BufferedStream struct {
	mu        sync.Mutex
	inputCond *sync.Cond

	input  []byte
	output [][]byte

	direction Direction

	// firstPacketTime anchors the send-window scheduler (spec §5);
	// published by the transceiver once the handshake completes.
	firstPacketTime time.Time
	hasFirstPacket  bool

	log *applog.Logger
}

// New creates a stream starting in the given direction.
func New(initial Direction, log *applog.Logger) *BufferedStream {
	s := &BufferedStream{direction: initial, log: log}
	s.inputCond = sync.NewCond(&s.mu)
	return s
}

// TurnRead transitions the stream to READ, taking the buffer lock (a
// single mutex here, shared by both buffers). No-op if already reading.
func (s *BufferedStream) TurnRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direction == Read {
		return
	}
	s.direction = Read
	s.inputCond.Broadcast()
}

// TurnWrite transitions the stream to WRITE. No-op if already writing.
func (s *BufferedStream) TurnWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direction == Write {
		return
	}
	s.direction = Write
	s.inputCond.Broadcast()
}

// Direction reports the current direction.
func (s *BufferedStream) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// SetFirstPacketTime publishes the handshake-completion anchor used by
// the send-window scheduler (spec §5).
func (s *BufferedStream) SetFirstPacketTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstPacketTime = t
	s.hasFirstPacket = true
}

// FirstPacketTime returns the anchor and whether one has been set.
func (s *BufferedStream) FirstPacketTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstPacketTime, s.hasFirstPacket
}

// ReadBlocking reads exactly n bytes from the input buffer, waiting
// (via condition variable, not a polling sleep — spec §9's design note)
// until n bytes are available or ctx is done.
func (s *BufferedStream) ReadBlocking(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.input) < n {
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}

	out := s.input[:n]
	s.input = s.input[n:]
	return out, nil
}

// Available reports how many bytes currently sit in the input buffer,
// unconsumed, without removing them. Used by callers that need to size
// a read to match whatever physically arrived in the most recent
// chunk-atomic AppendInput, rather than a size chosen independently of
// the wire (spec §4.E: "read_insecure(min(available, chunk_size))").
func (s *BufferedStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.input)
}

// ReadNonBlocking returns up to n bytes currently available, possibly
// none, without waiting.
func (s *BufferedStream) ReadNonBlocking(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail := len(s.input)
	if avail > n {
		avail = n
	}

	out := append([]byte(nil), s.input[:avail]...)
	s.input = s.input[avail:]

	if len(out) > 0 && s.log != nil {
		s.log.Verbose("stream: non-blocking read", "bytes", len(out))
	}

	return out
}

// waitLocked blocks on the input condition variable until woken or ctx
// is done, honoring ctx's deadline. s.mu must be held on entry and is
// held again on return.
func (s *BufferedStream) waitLocked(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		s.mu.Lock()
		s.inputCond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.inputCond.Wait()

	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}

// AppendInput is how the modem-decode side feeds newly demodulated
// bytes into the input buffer. Safe to call concurrently with Read*.
func (s *BufferedStream) AppendInput(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	s.input = append(s.input, data...)
	s.inputCond.Broadcast()
	s.mu.Unlock()
}

// Write appends a chunk to the output buffer for the modem-encode side
// to consume. If block is true, it waits until the output buffer has
// fully drained.
func (s *BufferedStream) Write(ctx context.Context, data []byte, block bool) error {
	s.mu.Lock()
	s.output = append(s.output, append([]byte(nil), data...))
	s.mu.Unlock()

	if !block {
		return nil
	}

	for {
		s.mu.Lock()
		drained := len(s.output) == 0
		s.mu.Unlock()

		if drained {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// PopOutput removes and returns the oldest queued chunk, or nil if the
// output buffer is empty. Consumed by the speaker-writer loop.
func (s *BufferedStream) PopOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.output) == 0 {
		return nil
	}

	chunk := s.output[0]
	s.output = s.output[1:]
	return chunk
}

// ClearInputBuffer discards any buffered but unread input bytes, used
// at the start of a (re)connect attempt.
func (s *BufferedStream) ClearInputBuffer() {
	s.mu.Lock()
	s.input = nil
	s.mu.Unlock()
}

// ClearOutputBuffer discards any queued-but-unsent output chunks.
func (s *BufferedStream) ClearOutputBuffer() {
	s.mu.Lock()
	s.output = nil
	s.mu.Unlock()
}
