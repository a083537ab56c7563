package bloom_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/bloom"
)

func TestNewRejectsNonByteAlignedBits(t *testing.T) {
	_, err := bloom.New(10, 0.01, 0x42)
	require.ErrorIs(t, err, bloom.ErrBitsNotByteAligned)
}

func TestAddContainsNoFalseNegatives(t *testing.T) {
	f, err := bloom.New(8*1024, 0.01, 0x17)
	require.NoError(t, err)

	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, []byte{byte(i), byte(i >> 8), 'k'})
	}
	f.AddKeys(keys)

	for _, k := range keys {
		require.True(t, f.Contains(k), "added key must always test positive")
	}
	require.False(t, f.Contains([]byte("definitely-not-added")))
}

func TestRoundTrip(t *testing.T) {
	f, err := bloom.New(8*256, 0.01, 0x99)
	require.NoError(t, err)
	f.Add([]byte("hello"))
	f.Add([]byte("world"))

	data := f.Bytes()
	require.Len(t, data, f.SizeBytes())

	g, err := bloom.FromBytes(f.Bits(), f.ErrorRate(), data)
	require.NoError(t, err)
	require.Equal(t, f.Prefix(), g.Prefix())
	require.True(t, g.Contains([]byte("hello")))
	require.True(t, g.Contains([]byte("world")))
	require.Equal(t, data, g.Bytes())
}

func TestCapacityPositive(t *testing.T) {
	c := bloom.Capacity(8*1024, 0.01)
	require.Greater(t, c, 0)

	// A tighter error rate should require more bits per element, i.e.
	// a lower capacity for the same bit budget.
	tighter := bloom.Capacity(8*1024, 0.001)
	require.Less(t, tighter, c)
}

func TestCapacityDegenerateInputs(t *testing.T) {
	require.Equal(t, 0, bloom.Capacity(0, 0.01))
	require.Equal(t, 0, bloom.Capacity(1024, 0))
	require.Equal(t, 0, bloom.Capacity(1024, 1))
}
