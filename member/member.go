// Package member implements the member model: a registry that interns
// members globally by mid, holding DummyMember stubs until a public
// key arrives and then upgrading them in place rather than replacing
// the object.
package member

import (
	"crypto/sha1" //nolint:gosec // mid derivation, not a security primitive
	"errors"
	"sync"

	"github.com/dispersy-go/dispersy/ids"
)

// ErrPublicKeyMismatch is returned when a caller tries to upgrade a
// member with a public key that does not hash to its mid.
var ErrPublicKeyMismatch = errors.New("member: SHA1(public_key) does not match mid")

// DeriveMID computes mid = SHA1(public_key).
func DeriveMID(publicKey []byte) ids.MemberID {
	return ids.ID(sha1.Sum(publicKey)) //nolint:gosec
}

// Member is either a DummyMember (only mid known) or a full member
// with a public key and, for the local node's own member, a private
// key. IsDummy reports which.
type Member struct {
	mu         sync.RWMutex
	mid        ids.MemberID
	databaseID int64
	publicKey  []byte
	privateKey []byte
}

// NewDummy returns a DummyMember stub for mid.
func NewDummy(mid ids.MemberID, databaseID int64) *Member {
	return &Member{mid: mid, databaseID: databaseID}
}

// MID returns the member's identifier. It never changes.
func (m *Member) MID() ids.MemberID {
	return m.mid
}

// DatabaseID returns the backing store row id, preserved across
// DummyMember -> full Member upgrade.
func (m *Member) DatabaseID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.databaseID
}

// IsDummy reports whether only mid is known.
func (m *Member) IsDummy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicKey == nil
}

// PublicKey returns the member's public key, or nil if still a dummy.
func (m *Member) PublicKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicKey
}

// PrivateKey returns the member's private key, or nil if not held
// locally (true for every member except, typically, my_member).
func (m *Member) PrivateKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.privateKey
}

// Upgrade replaces a DummyMember's slot in place with a full public
// (and optionally private) key, preserving database_id and mid. It is
// a no-op (and returns nil) if the member already carries the same
// public key; it errors if the public key does not hash to mid, or if
// the member already holds a *different* public key.
func (m *Member) Upgrade(publicKey, privateKey []byte) error {
	if DeriveMID(publicKey) != m.mid {
		return ErrPublicKeyMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publicKey != nil {
		if string(m.publicKey) != string(publicKey) {
			return ErrPublicKeyMismatch
		}
	} else {
		m.publicKey = publicKey
	}
	if privateKey != nil {
		m.privateKey = privateKey
	}
	return nil
}

// Registry interns Members by mid, globally across communities.
type Registry struct {
	mu      sync.Mutex
	members map[ids.MemberID]*Member
	nextID  int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[ids.MemberID]*Member)}
}

// GetOrCreateDummy returns the interned Member for mid, creating a
// DummyMember stub if this is the first time mid is seen.
func (r *Registry) GetOrCreateDummy(mid ids.MemberID) *Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[mid]; ok {
		return m
	}
	r.nextID++
	m := NewDummy(mid, r.nextID)
	r.members[mid] = m
	return m
}

// FromPublicKey interns (creating if necessary) and upgrades the
// member identified by SHA1(publicKey).
func (r *Registry) FromPublicKey(publicKey, privateKey []byte) (*Member, error) {
	mid := DeriveMID(publicKey)
	m := r.GetOrCreateDummy(mid)
	if err := m.Upgrade(publicKey, privateKey); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the interned member for mid, if any.
func (r *Registry) Get(mid ids.MemberID) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[mid]
	return m, ok
}

// Len returns the number of interned members (dummy or full).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
