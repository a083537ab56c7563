// Package wire implements the packet-format constants and payload
// codecs the core itself reasons about: the 51-byte dispersy header,
// the 22-byte community prefix, 6-byte addresses, and the
// dispersy-introduction-request payload layout. Per-message payloads
// and signatures live with the external codec.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/dispersy-go/dispersy/ids"
)

// HeaderSize is the fixed size of the dispersy header preceding every
// message's payload and trailing signature.
const HeaderSize = 2 + ids.Size + 1 + ids.Size + 8 // version + cid + type + mid + global_time = 51

// CommunityPrefixSize is the size of the per-community wire prefix
// prepended ahead of the dispersy header on every community packet.
const CommunityPrefixSize = 22

// AddressSize is the wire size of one (ip, port) pair: 4-byte IPv4
// plus 2-byte big-endian port.
const AddressSize = 6

// DestroyDegree is one of the two community-destroy severities.
type DestroyDegree string

const (
	SoftKill DestroyDegree = "soft-kill"
	HardKill DestroyDegree = "hard-kill"
)

// ErrTruncated is returned by any decoder given fewer bytes than its
// fixed-size layout requires.
var ErrTruncated = errors.New("wire: packet truncated")

// Address is a 4-byte IPv4 address plus a 2-byte big-endian port,
// the wire representation of every embedded address.
type Address struct {
	IP   [4]byte
	Port uint16
}

// Bytes encodes a into its 6-byte wire form.
func (a Address) Bytes() [AddressSize]byte {
	var b [AddressSize]byte
	copy(b[:4], a.IP[:])
	binary.BigEndian.PutUint16(b[4:], a.Port)
	return b
}

// ParseAddress decodes a 6-byte wire address.
func ParseAddress(b []byte) (Address, error) {
	if len(b) < AddressSize {
		return Address{}, ErrTruncated
	}
	var a Address
	copy(a.IP[:], b[:4])
	a.Port = binary.BigEndian.Uint16(b[4:6])
	return a, nil
}

// IsZero reports whether a is the zero address (unset).
func (a Address) IsZero() bool {
	return a == Address{}
}

// Header is the 51-byte frame preceding every message's payload:
// version(2) || cid(20) || type(1) || member_mid(20) || global_time(8).
type Header struct {
	Version    uint16
	CID        ids.CommunityID
	Type       byte
	MemberMID  ids.MemberID
	GlobalTime uint64
}

// Encode writes h in its fixed 51-byte wire form.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.Version)
	copy(b[2:2+ids.Size], h.CID[:])
	off := 2 + ids.Size
	b[off] = h.Type
	off++
	copy(b[off:off+ids.Size], h.MemberMID[:])
	off += ids.Size
	binary.BigEndian.PutUint64(b[off:off+8], h.GlobalTime)
	return b
}

// DecodeHeader parses a 51-byte dispersy header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	var h Header
	h.Version = binary.BigEndian.Uint16(b[0:2])
	copy(h.CID[:], b[2:2+ids.Size])
	off := 2 + ids.Size
	h.Type = b[off]
	off++
	copy(h.MemberMID[:], b[off:off+ids.Size])
	off += ids.Size
	h.GlobalTime = binary.BigEndian.Uint64(b[off : off+8])
	return h, nil
}

// IntroductionFlags are the three booleans packed into the
// introduction-request payload's single flags byte.
type IntroductionFlags struct {
	Advice         bool
	ConnectionType bool
	Sync           bool
}

const (
	flagAdvice         = 1 << 0
	flagConnectionType = 1 << 1
	flagSync           = 1 << 2
)

// Byte packs f into its one-byte wire form.
func (f IntroductionFlags) Byte() byte {
	var b byte
	if f.Advice {
		b |= flagAdvice
	}
	if f.ConnectionType {
		b |= flagConnectionType
	}
	if f.Sync {
		b |= flagSync
	}
	return b
}

// ParseIntroductionFlags unpacks a flags byte.
func ParseIntroductionFlags(b byte) IntroductionFlags {
	return IntroductionFlags{
		Advice:         b&flagAdvice != 0,
		ConnectionType: b&flagConnectionType != 0,
		Sync:           b&flagSync != 0,
	}
}

// SyncPayload is the optional trailing bloom-filter claim carried by
// an introduction-request when its Sync flag is set.
type SyncPayload struct {
	TimeLow    uint64
	TimeHigh   uint64
	Modulo     uint32
	Offset     uint32
	Function   byte
	Bits       uint32
	Prefix     byte
	BloomBytes []byte
}

// introSyncFixedSize is the fixed portion of SyncPayload:
// time_low(8) + time_high(8) + modulo(4) + offset(4) + function(1) +
// bits(4) + prefix(1) = 30 bytes.
const introSyncFixedSize = 8 + 8 + 4 + 4 + 1 + 4 + 1

func (s SyncPayload) encode() []byte {
	b := make([]byte, introSyncFixedSize+len(s.BloomBytes))
	binary.BigEndian.PutUint64(b[0:8], s.TimeLow)
	binary.BigEndian.PutUint64(b[8:16], s.TimeHigh)
	binary.BigEndian.PutUint32(b[16:20], s.Modulo)
	binary.BigEndian.PutUint32(b[20:24], s.Offset)
	b[24] = s.Function
	binary.BigEndian.PutUint32(b[25:29], s.Bits)
	b[29] = s.Prefix
	copy(b[introSyncFixedSize:], s.BloomBytes)
	return b
}

func decodeSyncPayload(b []byte) (SyncPayload, error) {
	if len(b) < introSyncFixedSize {
		return SyncPayload{}, ErrTruncated
	}
	s := SyncPayload{
		TimeLow:  binary.BigEndian.Uint64(b[0:8]),
		TimeHigh: binary.BigEndian.Uint64(b[8:16]),
		Modulo:   binary.BigEndian.Uint32(b[16:20]),
		Offset:   binary.BigEndian.Uint32(b[20:24]),
		Function: b[24],
		Bits:     binary.BigEndian.Uint32(b[25:29]),
		Prefix:   b[29],
	}
	bloomLen := int(s.Bits / 8)
	rest := b[introSyncFixedSize:]
	if len(rest) < bloomLen {
		return SyncPayload{}, ErrTruncated
	}
	s.BloomBytes = append([]byte(nil), rest[:bloomLen]...)
	return s, nil
}

// IntroductionRequest is the dispersy-introduction-request payload:
// destination_addr(6) || source_lan(6) || source_wan(6)
// || flags(1) || identifier(2) || [sync payload if flags.Sync].
type IntroductionRequest struct {
	Destination Address
	SourceLAN   Address
	SourceWAN   Address
	Flags       IntroductionFlags
	Identifier  uint16
	Sync        *SyncPayload
}

// introFixedSize is the fixed portion before the optional sync tail:
// 3 addresses (6 bytes each) + flags(1) + identifier(2) = 21 bytes.
const introFixedSize = 3*AddressSize + 1 + 2

// Encode serializes r.
func (r IntroductionRequest) Encode() []byte {
	b := make([]byte, introFixedSize)
	dst := r.Destination.Bytes()
	lan := r.SourceLAN.Bytes()
	wan := r.SourceWAN.Bytes()
	copy(b[0:6], dst[:])
	copy(b[6:12], lan[:])
	copy(b[12:18], wan[:])
	b[18] = r.Flags.Byte()
	binary.BigEndian.PutUint16(b[19:21], r.Identifier)

	if r.Flags.Sync && r.Sync != nil {
		b = append(b, r.Sync.encode()...)
	}
	return b
}

// DecodeIntroductionRequest parses an introduction-request payload.
func DecodeIntroductionRequest(b []byte) (IntroductionRequest, error) {
	if len(b) < introFixedSize {
		return IntroductionRequest{}, ErrTruncated
	}
	var r IntroductionRequest
	var err error
	if r.Destination, err = ParseAddress(b[0:6]); err != nil {
		return IntroductionRequest{}, err
	}
	if r.SourceLAN, err = ParseAddress(b[6:12]); err != nil {
		return IntroductionRequest{}, err
	}
	if r.SourceWAN, err = ParseAddress(b[12:18]); err != nil {
		return IntroductionRequest{}, err
	}
	r.Flags = ParseIntroductionFlags(b[18])
	r.Identifier = binary.BigEndian.Uint16(b[19:21])

	if r.Flags.Sync {
		sp, err := decodeSyncPayload(b[introFixedSize:])
		if err != nil {
			return IntroductionRequest{}, err
		}
		r.Sync = &sp
	}
	return r, nil
}
