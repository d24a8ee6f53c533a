//go:build audio_portaudio

// Real microphone/speaker backend, opt-in via the audio_portaudio build
// tag so the default build/test run needs neither CGo nor a sound card.
// Spec §1 lists the audio device abstraction as an out-of-scope
// external collaborator; this file only wires that collaborator behind
// the Device interface for anyone who builds with real hardware.
package audio

import (
	"context"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

const defaultSampleRate = 48_000

// PortaudioDevice drives a real microphone/speaker pair via PortAudio.
type PortaudioDevice struct {
	in  *portaudio.Stream
	out *portaudio.Stream

	inBuf  []float32
	outBuf []float32
}

// OpenPortaudioDevice opens a mono input and output stream at 48kHz,
// matching the original implementation's pyaudio configuration.
func OpenPortaudioDevice(framesPerBuffer int) (*PortaudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "portaudio.Initialize")
	}

	d := &PortaudioDevice{
		inBuf:  make([]float32, framesPerBuffer),
		outBuf: make([]float32, framesPerBuffer),
	}

	in, err := portaudio.OpenDefaultStream(1, 0, defaultSampleRate, framesPerBuffer, d.inBuf)
	if err != nil {
		return nil, errors.Wrap(err, "portaudio.OpenDefaultStream(input)")
	}
	d.in = in

	out, err := portaudio.OpenDefaultStream(0, 1, defaultSampleRate, framesPerBuffer, d.outBuf)
	if err != nil {
		in.Close()
		return nil, errors.Wrap(err, "portaudio.OpenDefaultStream(output)")
	}
	d.out = out

	if err := d.in.Start(); err != nil {
		return nil, errors.Wrap(err, "input.Start")
	}
	if err := d.out.Start(); err != nil {
		return nil, errors.Wrap(err, "output.Start")
	}

	return d, nil
}

func (d *PortaudioDevice) ReadSamples(ctx context.Context, n int) ([]float32, error) {
	out := make([]float32, 0, n)
	for len(out) < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := d.in.Read(); err != nil {
			return nil, errors.Wrap(err, "input.Read")
		}
		out = append(out, d.inBuf...)
	}
	return out[:n], nil
}

func (d *PortaudioDevice) WriteSamples(ctx context.Context, samples []float32) error {
	for len(samples) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n := copy(d.outBuf, samples)
		if n < len(d.outBuf) {
			for i := n; i < len(d.outBuf); i++ {
				d.outBuf[i] = 0
			}
		}
		if err := d.out.Write(); err != nil {
			return errors.Wrap(err, "output.Write")
		}
		samples = samples[n:]
	}
	return nil
}

func (d *PortaudioDevice) Close() error {
	d.in.Close()
	d.out.Close()
	return portaudio.Terminate()
}

// OpenDevice opens the real PortAudio-backed Device, selected at build
// time by the audio_portaudio tag.
func OpenDevice(framesPerBuffer int) (Device, error) {
	return OpenPortaudioDevice(framesPerBuffer)
}
