package transceiver

import (
	"context"
	"time"

	"github.com/xtaci/acoustictun/internal/applog"
	"github.com/xtaci/acoustictun/internal/audio"
	"github.com/xtaci/acoustictun/internal/fec"
	"github.com/xtaci/acoustictun/internal/stream"
)

// Role determines which half of the send-window schedule a Link
// occupies (spec §5): the handshake initiator transmits in the first
// slot of each second, the responder in the second.
type Role int

const (
	Initiator Role = iota
	Responder
)

// LinkConfig tunes the timing constants from spec §5. All fields have
// spec-mandated defaults via DefaultLinkConfig.
type LinkConfig struct {
	FrameSamples       int           // samples per read/write call
	Volume             int           // modem playback volume, 0-100
	PostDecodeSettle   time.Duration // pause after a successful decode (spec: ~150ms)
	MaxReceivingTime   time.Duration // forced StopReceiving threshold (spec: ~6s)
	InitiatorWindowLo  time.Duration // initiator's send window, offset into each second
	InitiatorWindowHi  time.Duration
	ResponderWindowLo  time.Duration
	ResponderWindowHi  time.Duration
	SilenceBetweenTurn time.Duration // drain pause while direction is WRITE
}

// DefaultLinkConfig matches the constants named in spec §5.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		FrameSamples:       1024,
		Volume:             100,
		PostDecodeSettle:   150 * time.Millisecond,
		MaxReceivingTime:   6 * time.Second,
		InitiatorWindowLo:  200 * time.Millisecond,
		InitiatorWindowHi:  300 * time.Millisecond,
		ResponderWindowLo:  700 * time.Millisecond,
		ResponderWindowHi:  800 * time.Millisecond,
		SilenceBetweenTurn: 10 * time.Millisecond,
	}
}

// Link wires a Device and Modem (component B), the chunk codec
// (component A), and a BufferedStream (component C) together: the
// mic-reader and speaker-writer loops of spec §5, gated by the
// half-duplex direction flag and the send-window scheduler.
type Link struct {
	device audio.Device
	modem  audio.Modem
	codec  *fec.Codec
	s      *stream.BufferedStream
	cfg    LinkConfig
	role   Role
	log    *applog.Logger

	receivingSince time.Time
	wasReceiving   bool
}

// NewLink constructs a Link. The codec is shared between encode and
// decode since Reed-Solomon encoding/decoding is stateless per call.
func NewLink(device audio.Device, modem audio.Modem, codec *fec.Codec, s *stream.BufferedStream, role Role, cfg LinkConfig, log *applog.Logger) *Link {
	return &Link{device: device, modem: modem, codec: codec, s: s, role: role, cfg: cfg, log: log}
}

// Run starts the reader and writer loops and blocks until ctx is done.
func (l *Link) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { l.readLoop(ctx); done <- struct{}{} }()
	go func() { l.writeLoop(ctx); done <- struct{}{} }()
	<-done
	<-done
}

// readLoop is the mic-reader thread of spec §5. While the stream is
// turned to WRITE it still drains the microphone (to avoid stale audio
// accumulating for when direction flips back), but discards it without
// attempting to decode.
func (l *Link) readLoop(ctx context.Context) {
	for {
		samples, err := l.device.ReadSamples(ctx, l.cfg.FrameSamples)
		if err != nil {
			if l.log != nil {
				l.log.Verbose("link: read loop exiting", "err", err)
			}
			return
		}

		if l.s.Direction() == stream.Write {
			// Our own speaker is on while we're turned to WRITE; give the
			// line a moment to settle before the next read so a trailing
			// echo of our own transmission isn't mistaken for an incoming
			// chunk the instant direction flips back to READ.
			select {
			case <-time.After(l.cfg.SilenceBetweenTurn):
			case <-ctx.Done():
				return
			}
			continue
		}

		raw := l.modem.Decode(samples)
		if raw == nil {
			continue
		}

		decoded, err := l.codec.Decode(raw)
		if err != nil {
			if l.log != nil {
				l.log.Warning("link: dropping undecodable chunk", "err", err)
			}
			continue
		}

		// Strip the length prefix writeLoop adds, and with it the zero
		// padding the FEC codec appends to the last block.
		n := -1
		if len(decoded) >= 2 {
			n = int(decoded[0]) | int(decoded[1])<<8
		}
		if n < 0 || n > len(decoded)-2 {
			if l.log != nil {
				l.log.Warning("link: dropping chunk with bad length prefix")
			}
			continue
		}
		decoded = decoded[2 : 2+n]

		select {
		case <-time.After(l.cfg.PostDecodeSettle):
		case <-ctx.Done():
			return
		}

		l.s.AppendInput(decoded)
	}
}

// writeLoop is the speaker-writer thread of spec §5: it transmits a
// queued chunk only when the direction is WRITE, the modem is not
// mid-reception, and the wall clock falls inside this Link's send
// window; otherwise it emits silence.
func (l *Link) writeLoop(ctx context.Context) {
	silence := make([]float32, l.cfg.FrameSamples)

	for {
		if ctx.Err() != nil {
			return
		}

		if l.s.Direction() == stream.Write && l.canTransmitNow() {
			if chunk := l.s.PopOutput(); chunk != nil {
				framed := append([]byte{byte(len(chunk)), byte(len(chunk) >> 8)}, chunk...)
				wire := l.codec.Encode(framed)
				samples := l.modem.Encode(wire, l.cfg.Volume)
				if err := l.device.WriteSamples(ctx, samples); err != nil {
					return
				}
				continue
			}
		}

		if err := l.device.WriteSamples(ctx, silence); err != nil {
			return
		}
	}
}

// canTransmitNow implements spec §5's send-window and
// receiving-collision policy.
func (l *Link) canTransmitNow() bool {
	if l.modem.IsReceiving() {
		if !l.wasReceiving {
			l.receivingSince = time.Now()
			l.wasReceiving = true
		} else if time.Since(l.receivingSince) > l.cfg.MaxReceivingTime {
			l.modem.StopReceiving()
			l.wasReceiving = false
		}
		return false
	}
	l.wasReceiving = false

	anchor, ok := l.s.FirstPacketTime()
	if !ok {
		// Before the handshake publishes an anchor, transmissions are
		// not yet subject to the windowing policy.
		return true
	}

	elapsed := time.Since(anchor) % time.Second

	lo, hi := l.cfg.InitiatorWindowLo, l.cfg.InitiatorWindowHi
	if l.role == Responder {
		lo, hi = l.cfg.ResponderWindowLo, l.cfg.ResponderWindowHi
	}

	return elapsed >= lo && elapsed < hi
}
