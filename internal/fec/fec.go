// Package fec implements the chunk codec from component A of the
// transport design: a block-oriented Reed-Solomon forward error
// corrector operating on K=10 data bytes plus R=6 parity bytes per
// 16-byte block, correcting up to floor(R/2) byte errors per block.
package fec

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"

	"github.com/xtaci/acoustictun/internal/protoerr"
)

const (
	// DataShards is K: data bytes per block.
	DataShards = 10
	// ParityShards is R: parity bytes per block.
	ParityShards = 6
	// BlockSize is K+R: bytes per encoded block.
	BlockSize = DataShards + ParityShards
)

// Codec encodes/decodes byte strings in fixed-size blocks. Each of the
// K+R shards in a block is exactly one byte wide, so the underlying
// erasure coder operates on the bytes of the block directly rather than
// on longer byte-slice "shards" — this mirrors the original's
// byte-granular `reedsolo.RSCodec(6, 16)` coding.
type Codec struct {
	enc reedsolomon.Encoder
}

// New builds a Codec for the default K=10, R=6 parameters.
func New() (*Codec, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, errors.Wrap(err, "fec.New")
	}
	return &Codec{enc: enc}, nil
}

// Encode splits data into K-byte blocks (the last implicitly zero-padded
// by the codec), and appends R parity bytes to each, returning a byte
// string BlockSize/DataShards times as long, rounded up to the block
// boundary.
func (c *Codec) Encode(data []byte) []byte {
	nBlocks := (len(data) + DataShards - 1) / DataShards
	if nBlocks == 0 {
		nBlocks = 1
	}

	out := make([]byte, 0, nBlocks*BlockSize)
	shards := make([][]byte, BlockSize)

	for b := 0; b < nBlocks; b++ {
		start := b * DataShards
		end := start + DataShards
		if end > len(data) {
			end = len(data)
		}

		block := make([]byte, DataShards)
		copy(block, data[start:end])

		for i := 0; i < DataShards; i++ {
			shards[i] = block[i : i+1]
		}
		for i := DataShards; i < BlockSize; i++ {
			shards[i] = make([]byte, 1)
		}

		// Encode mutates the parity shards in place; data shards are
		// left untouched, matching reedsolomon's contract.
		if err := c.enc.Encode(shards); err != nil {
			// Encode only fails on malformed shard shapes, which
			// cannot happen given the fixed sizes above.
			panic(errors.Wrap(err, "fec.Encode: unreachable"))
		}

		for i := 0; i < BlockSize; i++ {
			out = append(out, shards[i][0])
		}
	}

	return out
}

// maxCorrectable is floor(R/2): the number of byte errors per block the
// code is guaranteed to correct (spec §4.A's decode guarantee).
const maxCorrectable = ParityShards / 2

// Decode reverses Encode, correcting up to floor(R/2) byte errors per
// block. Blocks that cannot be reconstructed return
// protoerr.Undecodable — the caller drops the whole chunk rather than
// returning partial data (spec invariant: FEC-atomicity).
//
// klauspost/reedsolomon only reconstructs declared erasures (nil
// shards); it has no blind error-locator for shards that are present
// but corrupted. Since floor(R/2)=3 errors in a 16-byte block is a small
// search space, corrected positions are found by trying every subset of
// up to maxCorrectable shards as the erasure set and accepting the first
// one whose reconstruction re-verifies against the recomputed parity.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 || len(data) == 0 {
		return nil, protoerr.Undecodable("fec.Decode: not a multiple of block size")
	}

	nBlocks := len(data) / BlockSize
	out := make([]byte, 0, nBlocks*DataShards)

	for b := 0; b < nBlocks; b++ {
		block := data[b*BlockSize : (b+1)*BlockSize]

		decoded, ok := c.decodeBlock(block)
		if !ok {
			return nil, protoerr.Undecodable("fec.Decode: uncorrectable block")
		}

		out = append(out, decoded...)
	}

	return out, nil
}

func (c *Codec) toShards(block []byte) [][]byte {
	shards := make([][]byte, BlockSize)
	for i := 0; i < BlockSize; i++ {
		shards[i] = []byte{block[i]}
	}
	return shards
}

func (c *Codec) decodeBlock(block []byte) ([]byte, bool) {
	shards := c.toShards(block)

	if ok, err := c.enc.Verify(shards); err == nil && ok {
		return extractData(shards), true
	}

	for erasures := 1; erasures <= maxCorrectable; erasures++ {
		if data, ok := c.tryErasureSets(block, erasures, nil, 0); ok {
			return data, true
		}
	}

	return nil, false
}

// tryErasureSets enumerates every combination of `remaining` additional
// shard indices (beyond those already chosen in `chosen`, starting the
// search at `start`) to mark as erased, attempting a reconstruction for
// each full combination.
func (c *Codec) tryErasureSets(block []byte, remaining int, chosen []int, start int) ([]byte, bool) {
	if remaining == 0 {
		return c.tryReconstruct(block, chosen)
	}

	for i := start; i <= BlockSize-remaining; i++ {
		if data, ok := c.tryErasureSets(block, remaining-1, append(chosen, i), i+1); ok {
			return data, true
		}
	}

	return nil, false
}

func (c *Codec) tryReconstruct(block []byte, erased []int) ([]byte, bool) {
	shards := c.toShards(block)
	for _, idx := range erased {
		shards[idx] = nil
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, false
	}

	ok, err := c.enc.Verify(shards)
	if err != nil || !ok {
		return nil, false
	}

	return extractData(shards), true
}

func extractData(shards [][]byte) []byte {
	out := make([]byte, DataShards)
	for i := 0; i < DataShards; i++ {
		out[i] = shards[i][0]
	}
	return out
}
