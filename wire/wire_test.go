package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/wire"
)

func TestAddressRoundTrip(t *testing.T) {
	a := wire.Address{IP: [4]byte{10, 0, 0, 1}, Port: 12345}
	b := a.Bytes()
	got, err := wire.ParseAddress(b[:])
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{
		Version:    1,
		CID:        ids.CommunityID{1, 2, 3},
		Type:       7,
		MemberMID:  ids.MemberID{9, 9, 9},
		GlobalTime: 424242,
	}
	encoded := h.Encode()
	require.Len(t, encoded, wire.HeaderSize)

	got, err := wire.DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, err := wire.DecodeHeader(make([]byte, 10))
	require.ErrorIs(t, err, wire.ErrTruncated)
}

func TestIntroductionRequestRoundTripWithoutSync(t *testing.T) {
	r := wire.IntroductionRequest{
		Destination: wire.Address{IP: [4]byte{1, 2, 3, 4}, Port: 1},
		SourceLAN:   wire.Address{IP: [4]byte{192, 168, 0, 1}, Port: 2},
		SourceWAN:   wire.Address{IP: [4]byte{8, 8, 8, 8}, Port: 3},
		Flags:       wire.IntroductionFlags{Advice: true},
		Identifier:  0xBEEF,
	}
	encoded := r.Encode()

	got, err := wire.DecodeIntroductionRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, r, got)
	require.Nil(t, got.Sync)
}

func TestIntroductionRequestRoundTripWithSync(t *testing.T) {
	sync := &wire.SyncPayload{
		TimeLow: 1, TimeHigh: 100, Modulo: 1, Offset: 0,
		Function: 1, Bits: 16, Prefix: 0x7f,
		BloomBytes: []byte{0xAA, 0xBB},
	}
	r := wire.IntroductionRequest{
		Destination: wire.Address{IP: [4]byte{1, 2, 3, 4}, Port: 1},
		SourceLAN:   wire.Address{IP: [4]byte{192, 168, 0, 1}, Port: 2},
		SourceWAN:   wire.Address{IP: [4]byte{8, 8, 8, 8}, Port: 3},
		Flags:       wire.IntroductionFlags{Advice: true, Sync: true, ConnectionType: true},
		Identifier:  7,
		Sync:        sync,
	}
	encoded := r.Encode()

	got, err := wire.DecodeIntroductionRequest(encoded)
	require.NoError(t, err)
	require.NotNil(t, got.Sync)
	require.Equal(t, *sync, *got.Sync)
}

func TestIntroductionFlagsPackUnpack(t *testing.T) {
	f := wire.IntroductionFlags{Advice: true, ConnectionType: false, Sync: true}
	require.Equal(t, f, wire.ParseIntroductionFlags(f.Byte()))
}
