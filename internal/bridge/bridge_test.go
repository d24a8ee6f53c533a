package bridge

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtaci/acoustictun/internal/session"
	"github.com/xtaci/acoustictun/internal/stream"
	"github.com/xtaci/acoustictun/internal/transceiver"
)

func newEstablishedPair(t *testing.T) (*Bridge, *Bridge) {
	t.Helper()

	a := stream.New(stream.Read, nil)
	b := stream.New(stream.Read, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	pump := func(from, to *stream.BufferedStream) {
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
	go pump(a, b)
	go pump(b, a)

	tcA := transceiver.New(a, nil)
	tcB := transceiver.New(b, nil)

	sA := session.New(tcA, transceiver.Initiator, session.DefaultConfig(), nil)
	sB := session.New(tcB, transceiver.Responder, session.DefaultConfig(), nil)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = sA.Establish(ctx) }()
	go func() { defer wg.Done(); errB = sB.Establish(ctx) }()
	wg.Wait()

	if errA != nil {
		t.Fatalf("establish A: %v", errA)
	}
	if errB != nil {
		t.Fatalf("establish B: %v", errB)
	}

	return New(sA, nil), New(sB, nil)
}

func TestSendTextRoundTrip(t *testing.T) {
	sender, receiver := newEstablishedPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var sendErr, recvErr error
	var got Received
	wg.Add(2)
	go func() { defer wg.Done(); sendErr = sender.SendText(ctx, "hello over the air") }()
	go func() { defer wg.Done(); got, recvErr = receiver.Receive(ctx, 3*time.Second) }()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("SendText: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("Receive: %v", recvErr)
	}
	if !got.IsText || string(got.Data) != "hello over the air" {
		t.Fatalf("got %+v", got)
	}
	if got.Kind != "text" {
		t.Fatalf("kind = %q, want text", got.Kind)
	}
}

func TestSendFileRoundTripWithCompression(t *testing.T) {
	sender, receiver := newEstablishedPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contents := []byte(strings.Repeat("compressible file content ", 50))

	var wg sync.WaitGroup
	var sendErr, recvErr error
	var got Received
	wg.Add(2)
	go func() { defer wg.Done(); sendErr = sender.SendFile(ctx, contents) }()
	go func() { defer wg.Done(); got, recvErr = receiver.Receive(ctx, 3*time.Second) }()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("SendFile: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("Receive: %v", recvErr)
	}
	if got.Kind != "file" {
		t.Fatalf("kind = %q, want file", got.Kind)
	}
	if !bytes.Equal(got.Data, contents) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got.Data), len(contents))
	}
}

func TestStatusTransitionsDuringSend(t *testing.T) {
	sender, receiver := newEstablishedPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if sender.Status() != StatusIdle {
		t.Fatalf("initial status = %q, want idle", sender.Status())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = sender.SendText(ctx, "x") }()
	go func() { defer wg.Done(); _, _ = receiver.Receive(ctx, 3*time.Second) }()
	wg.Wait()

	if sender.Status() != StatusIdle {
		t.Fatalf("status after send = %q, want idle", sender.Status())
	}
	if receiver.Status() != StatusIdleTextReceived {
		t.Fatalf("receiver status = %q, want idle (text received)", receiver.Status())
	}
}

func TestHexViewForBinaryData(t *testing.T) {
	r := present("file", []byte{0x00, 0xFF, 0x10})
	if r.HexView != "00ff10" {
		t.Fatalf("hex view = %q", r.HexView)
	}
	if r.IsText {
		t.Fatal("binary data misreported as text")
	}
}
