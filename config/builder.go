package config

import (
	"fmt"
	"time"
)

// Builder provides a fluent interface for overriding a single field
// of DefaultParameters() in tests.
type Builder struct {
	params Parameters
	err    error
}

// NewBuilder starts from DefaultParameters().
func NewBuilder() *Builder {
	return &Builder{params: DefaultParameters()}
}

// WithAcceptableGlobalTimeRange overrides ACCEPTABLE_RANGE.
func (b *Builder) WithAcceptableGlobalTimeRange(r uint64) *Builder {
	if b.err != nil {
		return b
	}
	b.params.AcceptableGlobalTimeRange = r
	return b
}

// WithWalkIntervals overrides the rewalk windows for non-bootstrap and
// bootstrap candidates.
func (b *Builder) WithWalkIntervals(normal, bootstrap time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if bootstrap < normal {
		b.err = fmt.Errorf("config: bootstrap rewalk interval %s must be >= normal %s", bootstrap, normal)
		return b
	}
	b.params.WalkRewalkInterval = normal
	b.params.BootstrapRewalkInterval = bootstrap
	return b
}

// WithSyncCacheMaxReuse overrides the cache reuse cap.
func (b *Builder) WithSyncCacheMaxReuse(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 1 {
		b.err = fmt.Errorf("config: sync cache max reuse must be >= 1, got %d", n)
		return b
	}
	b.params.SyncCacheMaxReuse = n
	return b
}

// WithMTU overrides the link MTU used to size the Bloom filter.
func (b *Builder) WithMTU(mtu int) *Builder {
	if b.err != nil {
		return b
	}
	if mtu < 200 {
		b.err = fmt.Errorf("config: MTU %d too small to fit a dispersy header", mtu)
		return b
	}
	b.params.MTU = mtu
	return b
}

// Build returns the final Parameters, or the first validation error
// encountered.
func (b *Builder) Build() (Parameters, error) {
	if b.err != nil {
		return Parameters{}, b.err
	}
	return b.params, nil
}
