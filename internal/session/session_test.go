package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtaci/acoustictun/internal/stream"
	"github.com/xtaci/acoustictun/internal/transceiver"
)

func TestSharedSecretsMatch(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	sa, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatal(err)
	}

	if sa != sb {
		t.Fatal("shared secrets diverged between the two sides")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if Fingerprint(kp.Public) != Fingerprint(kp.Public) {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestSymmetricKeyRoundTrip(t *testing.T) {
	var raw [32]byte
	copy(raw[:], bytes.Repeat([]byte{7}, 32))
	k := NewSymmetricKey(raw)

	msgs := [][]byte{[]byte("Hello"), []byte("Hi"), {0x02}, nil, bytes.Repeat([]byte{0xAB}, 200)}
	for _, m := range msgs {
		ct, err := k.Encrypt(m)
		if err != nil {
			t.Fatal(err)
		}
		pt, err := k.Decrypt(ct)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(pt, m) {
			t.Fatalf("round trip mismatch: got %v want %v", pt, m)
		}
	}
}

func TestSymmetricKeyNoncesIncreaseMonotonically(t *testing.T) {
	var raw [32]byte
	k := NewSymmetricKey(raw)

	var prev uint64
	for i := 0; i < 5; i++ {
		ct, err := k.Encrypt([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		nonce := uint64(ct[0]) | uint64(ct[1])<<8 | uint64(ct[2])<<16 | uint64(ct[3])<<24
		if i > 0 && nonce != prev+1 {
			t.Fatalf("nonce did not increase strictly: got %d after %d", nonce, prev)
		}
		prev = nonce
	}
}

func TestSymmetricKeyDisposeBlocksFurtherUse(t *testing.T) {
	var raw [32]byte
	k := NewSymmetricKey(raw)
	k.Dispose()

	if _, err := k.Encrypt([]byte("x")); err == nil {
		t.Fatal("expected error after dispose")
	}
}

// directPair and pump mirror the transceiver package's own test harness:
// two BufferedStreams wired back to back with a background goroutine
// moving whatever one side writes into the other's input.
func newDirectPair() (*stream.BufferedStream, *stream.BufferedStream) {
	return stream.New(stream.Read, nil), stream.New(stream.Read, nil)
}

func pump(ctx context.Context, from, to *stream.BufferedStream) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if from.Direction() == stream.Write {
			if chunk := from.PopOutput(); chunk != nil {
				to.AppendInput(chunk)
				continue
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionEstablishAndSendReceive(t *testing.T) {
	a, b := newDirectPair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go pump(ctx, a, b)
	go pump(ctx, b, a)

	sender := newTestSession(t, a, transceiver.Initiator)
	receiver := newTestSession(t, b, transceiver.Responder)

	var wg sync.WaitGroup
	var sErr, rErr error
	wg.Add(2)
	go func() { defer wg.Done(); sErr = sender.Establish(ctx) }()
	go func() { defer wg.Done(); rErr = receiver.Establish(ctx) }()
	wg.Wait()

	if sErr != nil {
		t.Fatalf("sender establish: %v", sErr)
	}
	if rErr != nil {
		t.Fatalf("receiver establish: %v", rErr)
	}

	if sender.PeerFingerprint != receiver.MyFingerprint {
		t.Fatal("sender's view of peer fingerprint does not match receiver's own")
	}

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated a few times to exceed one chunk: the quick brown fox jumps over the lazy dog")

	var sendErr, recvErr error
	var received []byte
	wg.Add(2)
	go func() { defer wg.Done(); sendErr = sender.Send(ctx, payload) }()
	go func() { defer wg.Done(); received, recvErr = receiver.Receive(ctx, 5*time.Second) }()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("Send: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("Receive: %v", recvErr)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(received), len(payload))
	}
}

func TestSessionEmptyMessageRoundTrip(t *testing.T) {
	a, b := newDirectPair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go pump(ctx, a, b)
	go pump(ctx, b, a)

	sender := newTestSession(t, a, transceiver.Initiator)
	receiver := newTestSession(t, b, transceiver.Responder)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = sender.Establish(ctx) }()
	go func() { defer wg.Done(); _ = receiver.Establish(ctx) }()
	wg.Wait()

	var recvErr error
	var received []byte
	wg.Add(2)
	go func() { defer wg.Done(); _ = sender.Send(ctx, nil) }()
	go func() { defer wg.Done(); received, recvErr = receiver.Receive(ctx, 5*time.Second) }()
	wg.Wait()

	if recvErr != nil {
		t.Fatalf("Receive: %v", recvErr)
	}
	if len(received) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(received))
	}
}

func newTestSession(t *testing.T, s *stream.BufferedStream, role transceiver.Role) *Session {
	t.Helper()
	tc := transceiver.New(s, nil)
	return New(tc, role, DefaultConfig(), nil)
}
