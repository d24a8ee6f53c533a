package audio

import (
	"context"
	"math/rand"
)

// Medium is an in-memory acoustic channel connecting two Devices,
// standing in for a microphone/speaker pair sharing open air. It carries
// the Link and CLI wiring tests and -demo mode, since spec §1 places the
// real device/modem implementation out of scope.
type Medium struct {
	aToB chan []float32
	bToA chan []float32
}

// NewMedium creates a lossless medium. Each direction buffers up to 4096
// frames; a write blocks once that buffer is full.
func NewMedium() *Medium {
	return &Medium{
		aToB: make(chan []float32, 4096),
		bToA: make(chan []float32, 4096),
	}
}

// EndpointA returns the Device for one side of the medium.
func (m *Medium) EndpointA() Device {
	return &loopbackDevice{write: m.aToB, read: m.bToA}
}

// EndpointB returns the Device for the other side of the medium.
func (m *Medium) EndpointB() Device {
	return &loopbackDevice{write: m.bToA, read: m.aToB}
}

type loopbackDevice struct {
	write chan []float32
	read  chan []float32
	buf   []float32
}

func (d *loopbackDevice) ReadSamples(ctx context.Context, n int) ([]float32, error) {
	for len(d.buf) < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame, ok := <-d.read:
			if !ok {
				// Medium closed: pad with silence so callers polling in
				// a loop don't spin on an error.
				d.buf = append(d.buf, make([]float32, n-len(d.buf))...)
				continue
			}
			d.buf = append(d.buf, frame...)
		}
	}

	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out, nil
}

func (d *loopbackDevice) WriteSamples(ctx context.Context, samples []float32) error {
	frame := append([]float32(nil), samples...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.write <- frame:
		return nil
	}
}

func (d *loopbackDevice) Close() error { return nil }

// PassthroughModem is a deterministic stand-in for a real acoustic
// modem: it serializes a chunk as a one-sample length header followed
// by one sample per byte (no actual modulation, since that's explicitly
// out of scope per spec §1). Decode reassembles whatever samples have
// been fed so far, returning a chunk only once a full length-prefixed
// record has arrived — preserving the chunk-atomicity contract the
// transport relies on.
type PassthroughModem struct {
	buf         []float32
	dropChance  float64
	rng         *rand.Rand
	stopped     bool
	inReception bool
}

// NewPassthroughModem builds a modem with no induced loss.
func NewPassthroughModem() *PassthroughModem {
	return &PassthroughModem{}
}

// NewLossyModem builds a modem that drops each would-be decoded chunk
// with probability dropChance, independently, using rng.
func NewLossyModem(dropChance float64, rng *rand.Rand) *PassthroughModem {
	return &PassthroughModem{dropChance: dropChance, rng: rng}
}

func (m *PassthroughModem) Encode(chunk []byte, volume int) []float32 {
	// volume governs playback amplitude on real hardware; a real
	// demodulator recovers the same bits regardless, so this façade
	// ignores it for the purpose of the byte-per-sample encoding below.
	out := make([]float32, 0, len(chunk)+1)
	out = append(out, float32(len(chunk)))
	for _, b := range chunk {
		out = append(out, float32(b)/255.0)
	}
	return out
}

func (m *PassthroughModem) Decode(samples []float32) []byte {
	if m.stopped {
		m.stopped = false
		m.buf = nil
		m.inReception = false
		return nil
	}

	m.buf = append(m.buf, samples...)

	for len(m.buf) > 0 {
		want := int(m.buf[0] + 0.5)
		if want == 0 && len(m.buf) >= 1 {
			m.buf = m.buf[1:]
			continue
		}
		if len(m.buf) < want+1 {
			m.inReception = true
			return nil
		}

		record := m.buf[1 : want+1]
		m.buf = m.buf[want+1:]
		m.inReception = false

		chunk := make([]byte, want)
		for i, v := range record {
			chunk[i] = byte(v*255.0 + 0.5)
		}

		if m.dropChance > 0 && m.rng.Float64() < m.dropChance {
			continue
		}

		return chunk
	}

	return nil
}

func (m *PassthroughModem) StopReceiving() {
	m.stopped = true
}

func (m *PassthroughModem) IsReceiving() bool {
	return m.inReception
}
