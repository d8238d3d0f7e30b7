package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic set membership filter.
// False positives are possible, false negatives are not.
type BloomFilter struct {
	words     []uint64
	bits      int
	hashCount int
}

// NewBloomFilter creates a Bloom filter sized for expectedItems at the
// given false positive rate (e.g. 0.01 for 1%)
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	bits := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(bits) / float64(expectedItems)) * math.Ln2))

	const maxBits = 1 << 30
	if bits > maxBits {
		bits = maxBits
	}
	if bits < 64 {
		bits = 64
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 32 {
		hashCount = 32
	}

	return &BloomFilter{
		words:     make([]uint64, (bits+63)/64),
		bits:      bits,
		hashCount: hashCount,
	}
}

// positions derives the bit positions for a key using double hashing
func (bf *BloomFilter) positions(key []byte) (h1, h2 uint64) {
	h := fnv.New64a()
	h.Write(key)
	h1 = h.Sum64()
	h.Write([]byte{0xff})
	h2 = h.Sum64() | 1 // odd so the stride visits all positions
	return h1, h2
}

// Add adds a key to the filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.positions(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.bits)
		bf.words[pos/64] |= 1 << (pos % 64)
	}
}

// MayContain reports whether a key might be in the set. A false result
// is definitive.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.positions(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.bits)
		if bf.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// MarshalBinary serializes the filter for the SSTable footer.
// Format: bits(8) | hashCount(8) | wordCount(4) | words
func (bf *BloomFilter) MarshalBinary() []byte {
	buf := make([]byte, 8+8+4+8*len(bf.words))
	binary.LittleEndian.PutUint64(buf[0:], uint64(bf.bits))
	binary.LittleEndian.PutUint64(buf[8:], uint64(bf.hashCount))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(bf.words)))
	for i, w := range bf.words {
		binary.LittleEndian.PutUint64(buf[20+8*i:], w)
	}
	return buf
}

// UnmarshalBloomFilter deserializes a filter and returns the bytes read
func UnmarshalBloomFilter(buf []byte) (*BloomFilter, int, error) {
	if len(buf) < 20 {
		return nil, 0, fmt.Errorf("bloom filter header truncated: %d bytes", len(buf))
	}
	bits := int(binary.LittleEndian.Uint64(buf[0:]))
	hashCount := int(binary.LittleEndian.Uint64(buf[8:]))
	wordCount := int(binary.LittleEndian.Uint32(buf[16:]))

	need := 20 + 8*wordCount
	if len(buf) < need {
		return nil, 0, fmt.Errorf("bloom filter truncated: need %d bytes, have %d", need, len(buf))
	}
	if bits <= 0 || hashCount <= 0 || wordCount != (bits+63)/64 {
		return nil, 0, fmt.Errorf("bloom filter corrupt: bits=%d hashes=%d words=%d", bits, hashCount, wordCount)
	}

	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[20+8*i:])
	}
	return &BloomFilter{words: words, bits: bits, hashCount: hashCount}, need, nil
}
