package transceiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtaci/acoustictun/internal/audio"
	"github.com/xtaci/acoustictun/internal/fec"
	"github.com/xtaci/acoustictun/internal/stream"
)

// fastLinkConfig keeps the send window open for the whole second so the
// test isn't at the mercy of the real send-window phase offsets (spec
// §5's windows exist to avoid talking over a human on the other end of
// an acoustic link, not something a unit test needs to wait out).
func fastLinkConfig() LinkConfig {
	return LinkConfig{
		FrameSamples:       64,
		Volume:             100,
		PostDecodeSettle:   time.Millisecond,
		MaxReceivingTime:   5 * time.Second,
		InitiatorWindowLo:  0,
		InitiatorWindowHi:  time.Second,
		ResponderWindowLo:  0,
		ResponderWindowHi:  time.Second,
		SilenceBetweenTurn: time.Millisecond,
	}
}

func TestLinkHandshakeAndDataRoundTrip(t *testing.T) {
	medium := audio.NewMedium()
	codec, err := fec.New()
	if err != nil {
		t.Fatalf("fec.New: %v", err)
	}

	sA := stream.New(stream.Read, nil)
	sB := stream.New(stream.Read, nil)

	cfg := fastLinkConfig()
	linkA := NewLink(medium.EndpointA(), audio.NewPassthroughModem(), codec, sA, Initiator, cfg, nil)
	linkB := NewLink(medium.EndpointB(), audio.NewPassthroughModem(), codec, sB, Responder, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go linkA.Run(ctx)
	go linkB.Run(ctx)

	tcA := New(sA, nil)
	tcB := New(sB, nil)

	var wg sync.WaitGroup
	var sErr, rErr error
	wg.Add(2)
	go func() { defer wg.Done(); sErr = tcA.ConnectInitSender(ctx, 300*time.Millisecond, 10) }()
	go func() { defer wg.Done(); rErr = tcB.ConnectInitReceiver(ctx, 300*time.Millisecond, 10) }()
	wg.Wait()

	if sErr != nil {
		t.Fatalf("sender handshake over audio pipeline: %v", sErr)
	}
	if rErr != nil {
		t.Fatalf("receiver handshake over audio pipeline: %v", rErr)
	}

	payload := []byte("data over the simulated acoustic link")
	var writeErr, readErr error
	var result ReadResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr = tcA.WriteInsecure(ctx, payload, 300*time.Millisecond, 10)
	}()
	go func() {
		defer wg.Done()
		result, readErr = tcB.ReadInsecure(ctx, len(payload), 3*time.Second, true)
	}()
	wg.Wait()

	if writeErr != nil {
		t.Fatalf("WriteInsecure over audio pipeline: %v", writeErr)
	}
	if readErr != nil {
		t.Fatalf("ReadInsecure over audio pipeline: %v", readErr)
	}
	if string(result.Payload) != string(payload) {
		t.Fatalf("got %q, want %q", result.Payload, payload)
	}
}
