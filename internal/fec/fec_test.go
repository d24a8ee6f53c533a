package fec

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := [][]byte{
		nil,
		{},
		{0x42},
		[]byte("hello, world"),
		bytes.Repeat([]byte{0xAB}, DataShards),
		bytes.Repeat([]byte{0xCD}, DataShards*3+4),
	}

	for _, in := range cases {
		encoded := c.Encode(in)
		decoded, err := c.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(%v)) error: %v", in, err)
		}

		want := pad(in)
		if !bytes.Equal(decoded, want) {
			t.Fatalf("Decode(Encode(%v)) = %v, want %v", in, decoded, want)
		}
	}
}

func TestDecodeCorrectsUpToMaxErrors(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := []byte("0123456789") // exactly one block
	encoded := c.Encode(in)

	corrupted := append([]byte(nil), encoded...)
	// flip the maximum correctable number of bytes in the block.
	for i := 0; i < maxCorrectable; i++ {
		corrupted[i] ^= 0xFF
	}

	decoded, err := c.Decode(corrupted)
	if err != nil {
		t.Fatalf("Decode with %d corrupted bytes: %v", maxCorrectable, err)
	}
	if !bytes.Equal(decoded, in) {
		t.Fatalf("Decode with %d corrupted bytes = %v, want %v", maxCorrectable, decoded, in)
	}
}

func TestDecodeRejectsOverCorrupted(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := []byte("0123456789")
	encoded := c.Encode(in)

	corrupted := append([]byte(nil), encoded...)
	for i := 0; i < maxCorrectable+2; i++ {
		corrupted[i] ^= 0xFF
	}

	if _, err := c.Decode(corrupted); err == nil {
		t.Fatalf("Decode with %d corrupted bytes unexpectedly succeeded", maxCorrectable+2)
	}
}

func pad(in []byte) []byte {
	if len(in) == 0 {
		return make([]byte, DataShards)
	}
	n := ((len(in) + DataShards - 1) / DataShards) * DataShards
	out := make([]byte, n)
	copy(out, in)
	return out
}

// TestDecodeEncodeProperty is the property-based check from spec §8:
// for any byte string and any per-block corruption pattern of at most
// floor(R/2) bytes, decode(corrupt(encode(M))) = M (modulo the implicit
// zero-padding of the final block).
func TestDecodeEncodeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c, err := New()
		if err != nil {
			rt.Fatalf("New: %v", err)
		}

		in := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "input")
		encoded := c.Encode(in)

		nBlocks := len(encoded) / BlockSize
		corrupted := append([]byte(nil), encoded...)

		for b := 0; b < nBlocks; b++ {
			nErrors := rapid.IntRange(0, maxCorrectable).Draw(rt, "nErrors")
			positions := rapid.Permutation(indices(BlockSize)).Draw(rt, "positions")[:nErrors]

			for _, pos := range positions {
				corrupted[b*BlockSize+pos] ^= byte(rapid.IntRange(1, 255).Draw(rt, "flip"))
			}
		}

		decoded, err := c.Decode(corrupted)
		if err != nil {
			rt.Fatalf("Decode errored on correctable corruption: %v", err)
		}

		if !bytes.Equal(decoded, pad(in)) {
			rt.Fatalf("Decode(corrupt(Encode(%v))) = %v, want %v", in, decoded, pad(in))
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
