package member_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/member"
)

func pubkey(b byte) []byte {
	return []byte{b, b, b, 'p', 'u', 'b'}
}

func TestGetOrCreateDummyThenUpgradePreservesDatabaseID(t *testing.T) {
	r := member.NewRegistry()
	pub := pubkey(1)
	mid := member.DeriveMID(pub)

	dummy := r.GetOrCreateDummy(mid)
	require.True(t, dummy.IsDummy())
	dbID := dummy.DatabaseID()

	full, err := r.FromPublicKey(pub, nil)
	require.NoError(t, err)
	require.Same(t, dummy, full, "upgrade must mutate in place, not replace the slot")
	require.False(t, full.IsDummy())
	require.Equal(t, dbID, full.DatabaseID())
	require.Equal(t, mid, full.MID())
}

func TestUpgradeRejectsMismatchedKey(t *testing.T) {
	r := member.NewRegistry()
	mid := member.DeriveMID(pubkey(1))
	m := r.GetOrCreateDummy(mid)

	err := m.Upgrade(pubkey(2), nil)
	require.ErrorIs(t, err, member.ErrPublicKeyMismatch)
}

func TestUpgradeIdempotentForSameKey(t *testing.T) {
	r := member.NewRegistry()
	pub := pubkey(3)
	m, err := r.FromPublicKey(pub, nil)
	require.NoError(t, err)

	require.NoError(t, m.Upgrade(pub, []byte("priv")))
	require.Equal(t, []byte("priv"), m.PrivateKey())
}

func TestRegistryInterning(t *testing.T) {
	r := member.NewRegistry()
	mid := member.DeriveMID(pubkey(9))

	a := r.GetOrCreateDummy(mid)
	b := r.GetOrCreateDummy(mid)
	require.Same(t, a, b)
	require.Equal(t, 1, r.Len())

	_, ok := r.Get(mid)
	require.True(t, ok)
}
