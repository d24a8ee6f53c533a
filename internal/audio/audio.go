// Package audio is the façade over the acoustic link: component B of
// the transport design. Per spec §1 this component — "the audio device
// abstraction" and "the acoustic modulator/demodulator" — is an
// out-of-scope external collaborator; this package only defines the
// interfaces the rest of the module drives, plus a deterministic
// in-memory implementation (used by the Link and CLI wiring tests and
// by -demo mode) and a real hardware backend gated behind a build tag.
package audio

import "context"

// Device is the microphone/speaker façade: component B's `mic`/`speaker`
// pair from spec §4.B.
type Device interface {
	// ReadSamples blocks until n samples have been captured, or ctx is
	// done.
	ReadSamples(ctx context.Context, n int) ([]float32, error)
	// WriteSamples plays back samples, blocking until the device has
	// accepted them.
	WriteSamples(ctx context.Context, samples []float32) error
	// Close releases the device.
	Close() error
}

// Modem is the modulator/demodulator façade from spec §4.B. It buffers
// internally: Decode may return a chunk on any call, or none.
type Modem interface {
	// Encode turns one FEC-wrapped wire chunk into a sample waveform at
	// the given volume (0-100, matching the original's ggwave.encode
	// volume parameter).
	Encode(chunk []byte, volume int) []float32
	// Decode feeds a window of captured samples in; it returns a
	// decoded chunk when one completes, or nil otherwise.
	Decode(samples []float32) []byte
	// StopReceiving forces the demodulator out of an in-flight
	// reception, used to recover from a false lock (spec §5,
	// MAX_RECEIVING_TIME).
	StopReceiving()
	// IsReceiving reports whether the demodulator currently believes it
	// is mid-reception, consulted by the send-window scheduler to avoid
	// talking over an incoming transmission.
	IsReceiving() bool
}
