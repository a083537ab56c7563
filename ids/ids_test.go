package ids_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/ids"
)

func TestFromBytesRoundTrip(t *testing.T) {
	raw := make([]byte, ids.Size)
	for i := range raw {
		raw[i] = byte(i)
	}

	id, err := ids.FromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, raw, id.Bytes())
	require.Equal(t, "000102030405060708090a0b0c0d0e0f10111213", id.String())
}

func TestFromBytesInvalidLength(t *testing.T) {
	_, err := ids.FromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, ids.ErrInvalidLength)
}

func TestCompareOrdersLexicographically(t *testing.T) {
	a, err := ids.FromBytes(append([]byte{0x01}, make([]byte, ids.Size-1)...))
	require.NoError(t, err)
	b, err := ids.FromBytes(append([]byte{0x02}, make([]byte, ids.Size-1)...))
	require.NoError(t, err)

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestIsEmpty(t *testing.T) {
	require.True(t, ids.Empty.IsEmpty())

	id, err := ids.FromBytes(make([]byte, ids.Size))
	require.NoError(t, err)
	require.True(t, id.IsEmpty())

	id[0] = 1
	require.False(t, id.IsEmpty())
}
