package timeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/message"
	"github.com/dispersy-go/dispersy/timeline"
)

func newMember(t *testing.T, b byte) *member.Member {
	t.Helper()
	mid := member.DeriveMID([]byte{b, b, b})
	return member.NewDummy(mid, int64(b))
}

func TestAllowedDefaultsToDenyExceptPublicPermit(t *testing.T) {
	tl := timeline.New(member.DeriveMID([]byte("master")))
	alice := newMember(t, 1)

	linear := &message.MetaMessage{Name: "foo", Resolution: message.Linear}
	require.False(t, tl.Allowed(alice, linear, timeline.Permit, 100))

	public := &message.MetaMessage{Name: "bar", Resolution: message.Public}
	require.True(t, tl.Allowed(alice, public, timeline.Permit, 100))
	require.False(t, tl.Allowed(alice, public, timeline.Authorize, 100), "only Permit defaults to allow under Public resolution")
}

func TestAuthorizeRequiresIssuerAuthority(t *testing.T) {
	master := newMember(t, 1)
	alice := newMember(t, 2)
	bob := newMember(t, 3)
	foo := &message.MetaMessage{Name: "foo", Resolution: message.Linear}

	tl := timeline.New(master.MID())
	err := tl.Authorize(alice, []timeline.Triplet{{Member: bob, Meta: foo, Permission: timeline.Permit}}, 3, []byte("p1"))
	require.ErrorIs(t, err, timeline.ErrNotAuthorized, "alice holds no Authorize grant yet")

	require.NoError(t, tl.Authorize(master, []timeline.Triplet{{Member: alice, Meta: foo, Permission: timeline.Authorize}}, 1, []byte("root")), "the master is implicitly allowed everything")
	require.NoError(t, tl.Authorize(alice, []timeline.Triplet{{Member: bob, Meta: foo, Permission: timeline.Permit}}, 3, []byte("p1")))
	require.True(t, tl.Allowed(bob, foo, timeline.Permit, 4))
}

// TestTimelineAllowDenyScenario:
// master authorizes Alice for foo at gt=3; at gt=5 Alice authorizes
// Bob; master revokes Alice at gt=4. Bob's authorize at gt=5 must be
// denied because Alice was revoked at gt=4 < 5, and this converges
// regardless of the order the three packets are replayed in.
func TestTimelineAllowDenyScenario(t *testing.T) {
	master := newMember(t, 1)
	alice := newMember(t, 2)
	bob := newMember(t, 3)
	foo := &message.MetaMessage{Name: "foo", Resolution: message.Linear}

	build := func() *timeline.Timeline {
		return timeline.New(master.MID())
	}

	packets := []timeline.ReplayPacket{
		{Kind: timeline.PacketAuthorize, Issuer: master, GlobalTime: 3, PacketBytes: []byte("master-authorizes-alice"),
			Triplets: []timeline.Triplet{{Member: alice, Meta: foo, Permission: timeline.Authorize}}},
		{Kind: timeline.PacketRevoke, Issuer: master, GlobalTime: 4, PacketBytes: []byte("master-revokes-alice"),
			Triplets: []timeline.Triplet{{Member: alice, Meta: foo, Permission: timeline.Authorize}}},
		{Kind: timeline.PacketAuthorize, Issuer: alice, GlobalTime: 5, PacketBytes: []byte("alice-authorizes-bob"),
			Triplets: []timeline.Triplet{{Member: bob, Meta: foo, Permission: timeline.Permit}}},
	}

	tl := build()
	errs := tl.Replay(packets, true)
	require.Len(t, errs, 1, "alice's authorize-bob packet must be dropped: she was revoked before gt=5")
	require.False(t, tl.Allowed(bob, foo, timeline.Permit, 6))

	// Replaying the same three packets in reverse order converges to
	// the identical outcome, since Replay always sorts by (gt, bytes).
	reordered := []timeline.ReplayPacket{packets[2], packets[1], packets[0]}
	tl2 := build()
	errs2 := tl2.Replay(reordered, true)
	require.Len(t, errs2, 1)
	require.False(t, tl2.Allowed(bob, foo, timeline.Permit, 6))
}

func TestApplyDynamicSettingsChangesResolutionAsOfGT(t *testing.T) {
	master := newMember(t, 1)
	tl := timeline.New(master.MID())
	foo := &message.MetaMessage{Name: "foo", Resolution: message.Linear}

	require.Equal(t, message.Linear, tl.ResolutionAt(foo, 10))

	require.NoError(t, tl.ApplyDynamicSettings(master, []timeline.PolicyChange{
		{Meta: foo, Resolution: message.Public},
	}, 5, []byte("settings-change")))

	require.Equal(t, message.Linear, tl.ResolutionAt(foo, 4), "policy change must not affect time before it took effect")
	require.Equal(t, message.Public, tl.ResolutionAt(foo, 6))
}

func TestReplayIsNonFatalOnUnauthorizedPacket(t *testing.T) {
	master := newMember(t, 1)
	alice := newMember(t, 2)
	mallory := newMember(t, 9)
	tl := timeline.New(master.MID())
	foo := &message.MetaMessage{Name: "foo", Resolution: message.Linear}

	errs := tl.Replay([]timeline.ReplayPacket{
		{Kind: timeline.PacketAuthorize, Issuer: mallory, GlobalTime: 1, PacketBytes: []byte("forged"),
			Triplets: []timeline.Triplet{{Member: mallory, Meta: foo, Permission: timeline.Authorize}}},
		{Kind: timeline.PacketAuthorize, Issuer: master, GlobalTime: 0, PacketBytes: []byte("genesis"),
			Triplets: []timeline.Triplet{{Member: alice, Meta: foo, Permission: timeline.Authorize}}},
	}, true)

	require.Len(t, errs, 1)
	require.Equal(t, 1, tl.Len())
}
