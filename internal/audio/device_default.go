//go:build !audio_portaudio

// Default build: no real audio backend is linked in, since PortAudio
// needs CGo and a working sound card neither the test suite nor most
// CI environments have. OpenDevice exists so cmd/acoustictun can call
// one symbol regardless of which build tag is active.
package audio

import "github.com/pkg/errors"

// OpenDevice always fails in the default build. Rebuild with
// `-tags audio_portaudio` to get a real microphone/speaker Device, or
// run in -demo mode to exercise the full stack over an in-memory Medium
// instead.
func OpenDevice(framesPerBuffer int) (Device, error) {
	return nil, errors.New("audio: built without a hardware backend; rebuild with -tags audio_portaudio, or use -demo")
}
