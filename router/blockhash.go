package router

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// maxPrefixBlocks caps how many blocks of a prompt are hashed for an
// oracle lookup; prefixes beyond it stop improving cache locality.
const maxPrefixBlocks = 128

// promptBlockHashes splits the prompt into fixed-size blocks and hashes
// each block chained to its predecessor, seeded by the model name so equal
// prompts for different models never collide. A trailing partial block is
// ignored. These are the keys the cache-location oracle indexes by.
func promptBlockHashes(model, prompt string, blockSize int) []uint64 {
	if blockSize <= 0 || len(prompt) < blockSize {
		return nil
	}
	data := []byte(prompt)
	if len(data) > blockSize*maxPrefixBlocks {
		data = data[:blockSize*maxPrefixBlocks]
	}

	h := xxhash.New()
	_, _ = h.Write([]byte(model))
	prev := h.Sum64()

	hashes := make([]uint64, 0, len(data)/blockSize)
	var chain [8]byte
	for i := 0; i+blockSize <= len(data); i += blockSize {
		h.Reset()
		_, _ = h.Write(data[i : i+blockSize])
		binary.LittleEndian.PutUint64(chain[:], prev)
		_, _ = h.Write(chain[:])
		prev = h.Sum64()
		hashes = append(hashes, prev)
	}
	return hashes
}
