// Package cache holds the cache levels that sit in front of the durable
// paste store and the Chain that drives them.
package cache

import (
	"context"

	"hastypaste/pkg/domain"
)

// Fields is a partial snapshot of one paste. A nil member is absent: pushing
// it leaves whatever a level already holds for that member untouched.
type Fields struct {
	Meta *domain.PasteMeta
	HTML *string
	Raw  []byte
}

func (f Fields) Empty() bool {
	return f.Meta == nil && f.HTML == nil && f.Raw == nil
}

// over returns base with every present member of f written on top.
func (f Fields) over(base Fields) Fields {
	if f.Meta != nil {
		base.Meta = f.Meta
	}
	if f.HTML != nil {
		base.HTML = f.HTML
	}
	if f.Raw != nil {
		base.Raw = f.Raw
	}
	return base
}

// Level is one tier of the cache. Implementations only look at their own
// storage; walking to the next tier is the Chain's job. Returned values are
// shared and must not be modified by callers.
type Level interface {
	Name() string
	Push(ctx context.Context, id string, f Fields) error
	Meta(ctx context.Context, id string) (*domain.PasteMeta, bool, error)
	Rendered(ctx context.Context, id string) (string, bool, error)
	Raw(ctx context.Context, id string) ([]byte, bool, error)
	Remove(ctx context.Context, id string) error
}

// Noop caches nothing. A chain made of a single Noop behaves like caching
// is disabled.
type Noop struct{}

func (Noop) Name() string                               { return "noop" }
func (Noop) Push(context.Context, string, Fields) error { return nil }
func (Noop) Remove(context.Context, string) error       { return nil }
func (Noop) Rendered(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (Noop) Raw(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (Noop) Meta(context.Context, string) (*domain.PasteMeta, bool, error) {
	return nil, false, nil
}
