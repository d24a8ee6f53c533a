package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTurnReadWriteNoOpWhenAlreadyThatDirection(t *testing.T) {
	s := New(Read, nil)
	if s.Direction() != Read {
		t.Fatalf("got %v, want Read", s.Direction())
	}

	s.TurnRead()
	if s.Direction() != Read {
		t.Fatalf("TurnRead on an already-reading stream changed direction to %v", s.Direction())
	}

	s.TurnWrite()
	if s.Direction() != Write {
		t.Fatalf("got %v, want Write", s.Direction())
	}

	s.TurnWrite()
	if s.Direction() != Write {
		t.Fatalf("TurnWrite on an already-writing stream changed direction to %v", s.Direction())
	}
}

func TestReadBlockingBlocksThenWakesOnAppendInput(t *testing.T) {
	s := New(Read, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var got []byte
	var err error

	go func() {
		got, err = s.ReadBlocking(ctx, 3)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ReadBlocking returned before any input was appended")
	case <-time.After(50 * time.Millisecond):
	}

	s.AppendInput([]byte("abc"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadBlocking did not wake up after AppendInput")
	}

	if err != nil {
		t.Fatalf("ReadBlocking: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestReadBlockingRespectsContextCancellation(t *testing.T) {
	s := New(Read, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.ReadBlocking(ctx, 10)
	if err == nil {
		t.Fatal("expected an error from an expired context, got nil")
	}
}

func TestReadNonBlockingReturnsWhateverIsAvailable(t *testing.T) {
	s := New(Read, nil)

	if got := s.ReadNonBlocking(5); len(got) != 0 {
		t.Fatalf("got %q from an empty buffer, want empty", got)
	}

	s.AppendInput([]byte("hi"))
	got := s.ReadNonBlocking(5)
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}

	s.AppendInput([]byte("1234567"))
	got = s.ReadNonBlocking(3)
	if string(got) != "123" {
		t.Fatalf("got %q, want %q", got, "123")
	}
	if remaining := s.Available(); remaining != 4 {
		t.Fatalf("Available() = %d, want 4", remaining)
	}
}

func TestClearInputBufferZeroesInput(t *testing.T) {
	s := New(Read, nil)
	s.AppendInput([]byte("stale data"))
	if s.Available() == 0 {
		t.Fatal("setup failed: nothing buffered")
	}

	s.ClearInputBuffer()

	if got := s.Available(); got != 0 {
		t.Fatalf("Available() after ClearInputBuffer = %d, want 0", got)
	}
	if got := s.ReadNonBlocking(10); len(got) != 0 {
		t.Fatalf("ReadNonBlocking after ClearInputBuffer returned %q, want empty", got)
	}
}

func TestClearOutputBufferDropsQueuedChunks(t *testing.T) {
	s := New(Write, nil)
	if err := s.Write(context.Background(), []byte("queued"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	s.ClearOutputBuffer()

	if chunk := s.PopOutput(); chunk != nil {
		t.Fatalf("PopOutput after ClearOutputBuffer returned %q, want nil", chunk)
	}
}

func TestWritePopOutputFIFO(t *testing.T) {
	s := New(Write, nil)
	if err := s.Write(context.Background(), []byte("first"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(context.Background(), []byte("second"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := s.PopOutput(); string(got) != "first" {
		t.Fatalf("got %q, want %q", got, "first")
	}
	if got := s.PopOutput(); string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
	if got := s.PopOutput(); got != nil {
		t.Fatalf("got %q, want nil once drained", got)
	}
}

func TestWriteBlockingWaitsForDrain(t *testing.T) {
	s := New(Write, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		err = s.Write(ctx, []byte("blocking"), true)
	}()

	time.Sleep(50 * time.Millisecond)
	if chunk := s.PopOutput(); string(chunk) != "blocking" {
		t.Fatalf("got %q, want %q", chunk, "blocking")
	}

	wg.Wait()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestFirstPacketTimeUnsetUntilPublished(t *testing.T) {
	s := New(Read, nil)
	if _, ok := s.FirstPacketTime(); ok {
		t.Fatal("FirstPacketTime reported set before SetFirstPacketTime was called")
	}

	anchor := time.Now()
	s.SetFirstPacketTime(anchor)

	got, ok := s.FirstPacketTime()
	if !ok {
		t.Fatal("FirstPacketTime reported unset after SetFirstPacketTime")
	}
	if !got.Equal(anchor) {
		t.Fatalf("got %v, want %v", got, anchor)
	}
}
