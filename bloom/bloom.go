// Package bloom implements the fixed-bit Bloom filter carried by sync
// requests: a representative set of packet bytes, sized so an
// introduction-request carrying it fits one MTU, with a randomized
// prefix byte so independent peers' false positives decorrelate.
//
// The filter is backed by github.com/bits-and-blooms/bitset and hashed
// with github.com/cespare/xxhash/v2 via a Kirsch-Mitzenmacher
// double-hashing scheme.
package bloom

import (
	"errors"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// ErrBitsNotByteAligned is returned by New when bits is not a multiple
// of 8; the wire form packs the bit array into whole bytes.
var ErrBitsNotByteAligned = errors.New("bloom: bits must be a multiple of 8")

// Filter is a fixed-size Bloom filter with a randomized prefix byte.
type Filter struct {
	prefix    byte
	bits      uint64
	k         int
	errorRate float64
	set       *bitset.BitSet
}

// Capacity returns the number of elements a filter with the given bit
// count and target false-positive error rate can hold while keeping
// that error rate, using the standard closed-form approximation
// n = -m * ln(2)^2 / ln(p) (the dual of the well-known optimal-k
// formula k = -log2(p), k = (m/n)*ln(2)).
func Capacity(bits int, errorRate float64) int {
	if bits <= 0 || errorRate <= 0 || errorRate >= 1 {
		return 0
	}
	n := -float64(bits) * math.Ln2 * math.Ln2 / math.Log(errorRate)
	return int(math.Floor(n))
}

func numHashFunctions(errorRate float64) int {
	k := int(math.Round(-math.Log2(errorRate)))
	if k < 1 {
		k = 1
	}
	return k
}

// New returns an empty filter of the given bit count and target error
// rate, identified on the wire by prefix. bits must be a multiple of 8.
func New(bits int, errorRate float64, prefix byte) (*Filter, error) {
	if bits <= 0 || bits%8 != 0 {
		return nil, ErrBitsNotByteAligned
	}
	return &Filter{
		prefix:    prefix,
		bits:      uint64(bits),
		k:         numHashFunctions(errorRate),
		errorRate: errorRate,
		set:       bitset.New(uint(bits)),
	}, nil
}

// Capacity returns how many keys this filter can hold at its
// configured error rate.
func (f *Filter) Capacity() int {
	return Capacity(int(f.bits), f.errorRate)
}

// Bits returns the filter's bit count.
func (f *Filter) Bits() int {
	return int(f.bits)
}

// Prefix returns the filter's randomized prefix byte.
func (f *Filter) Prefix() byte {
	return f.prefix
}

// ErrorRate returns the filter's configured target false-positive rate.
func (f *Filter) ErrorRate() float64 {
	return f.errorRate
}

// SizeBytes returns the serialized size, including the prefix byte.
func (f *Filter) SizeBytes() int {
	return 1 + int(f.bits)/8
}

func (f *Filter) indices(key []byte) []uint64 {
	buf := make([]byte, 0, len(key)+1)
	buf = append(buf, f.prefix)
	buf = append(buf, key...)

	h1 := xxhash.Sum64(buf)
	h2 := xxhash.Sum64(append(buf, 0xff))
	if h2 == 0 {
		h2 = 1 // avoid a degenerate all-zero second hash
	}

	idx := make([]uint64, f.k)
	for i := 0; i < f.k; i++ {
		idx[i] = (h1 + uint64(i)*h2) % f.bits
	}
	return idx
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for _, i := range f.indices(key) {
		f.set.Set(uint(i))
	}
}

// AddKeys inserts every key in keys.
func (f *Filter) AddKeys(keys [][]byte) {
	for _, k := range keys {
		f.Add(k)
	}
}

// Contains reports whether key may be present (false positives
// possible; no false negatives for keys actually added).
func (f *Filter) Contains(key []byte) bool {
	for _, i := range f.indices(key) {
		if !f.set.Test(uint(i)) {
			return false
		}
	}
	return true
}

// Bytes serializes the filter as prefix-byte ∥ bit-array, matching the
// wire payload's trailing bloom_bytes field.
func (f *Filter) Bytes() []byte {
	out := make([]byte, f.SizeBytes())
	out[0] = f.prefix
	copy(out[1:], packBits(f.set, int(f.bits)))
	return out
}

// packBits renders a bitset's first nBits bits as a little-endian byte
// slice, independent of bitset's internal 64-bit word representation.
func packBits(b *bitset.BitSet, nBits int) []byte {
	out := make([]byte, nBits/8)
	for i := 0; i < nBits; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// FromBytes reconstructs a filter from data previously produced by
// Bytes, given the same bits and errorRate used to build it; the
// introduction-request payload carries bits and the hash-function
// count out of band.
func FromBytes(bits int, errorRate float64, data []byte) (*Filter, error) {
	f, err := New(bits, errorRate, 0)
	if err != nil {
		return nil, err
	}
	if len(data) != f.SizeBytes() {
		return nil, errors.New("bloom: data length does not match bits")
	}
	f.prefix = data[0]
	for i := 0; i < bits; i++ {
		byteVal := data[1+i/8]
		if byteVal&(1<<(uint(i)%8)) != 0 {
			f.set.Set(uint(i))
		}
	}
	return f, nil
}
