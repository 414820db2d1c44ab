package cache

import (
	"context"
	"errors"
	"io"

	"hastypaste/metrics"
	"hastypaste/pkg/domain"
	"hastypaste/svc/util"
)

// Chain is an ordered list of levels, head first. Reads stop at the first
// level holding the field and backfill the levels in front of it. A Chain is
// built once at startup and shared by all requests; it never returns cache
// errors to callers.
type Chain struct {
	levels []Level
}

func NewChain(levels ...Level) *Chain {
	c := &Chain{}
	for _, l := range levels {
		if l != nil {
			c.levels = append(c.levels, l)
		}
	}
	return c
}

func (c *Chain) Len() int { return len(c.levels) }
func (c *Chain) Names() []string {
	names := make([]string, len(c.levels))
	for i, l := range c.levels {
		names[i] = l.Name()
	}
	return names
}

// Head returns the first level, or nil for an empty chain.
func (c *Chain) Head() Level {
	if len(c.levels) == 0 {
		return nil
	}
	return c.levels[0]
}

// Fallback is the chain behind the head. It shares levels with c.
func (c *Chain) Fallback() *Chain {
	if len(c.levels) <= 1 {
		return &Chain{}
	}
	return &Chain{levels: c.levels[1:]}
}

// PushAny merge-writes f into the head, and into every other level too
// when propagate is set.
func (c *Chain) PushAny(ctx context.Context, id string, f Fields, propagate bool) {
	if f.Empty() || len(c.levels) == 0 {
		return
	}
	targets := c.levels
	if !propagate {
		targets = c.levels[:1]
	}
	for _, l := range targets {
		if err := l.Push(ctx, id, f); err != nil {
			c.fail(ctx, l, "push", id, err)
		}
	}
}

func (c *Chain) GetMeta(ctx context.Context, id string) (*domain.PasteMeta, bool) {
	return lookup(ctx, c, id, "meta", Level.Meta, func(m *domain.PasteMeta) Fields {
		return Fields{Meta: m}
	})
}
func (c *Chain) GetRendered(ctx context.Context, id string) (string, bool) {
	return lookup(ctx, c, id, "html", Level.Rendered, func(h string) Fields {
		return Fields{HTML: &h}
	})
}
func (c *Chain) GetRaw(ctx context.Context, id string) ([]byte, bool) {
	return lookup(ctx, c, id, "raw", Level.Raw, func(b []byte) Fields {
		if b == nil {
			b = []byte{}
		}
		return Fields{Raw: b}
	})
}

// Remove evicts id from every level.
func (c *Chain) Remove(ctx context.Context, id string) {
	for _, l := range c.levels {
		if err := l.Remove(ctx, id); err != nil {
			c.fail(ctx, l, "remove", id, err)
		}
	}
}

func (c *Chain) Close() error {
	var errs []error
	for _, l := range c.levels {
		if cl, ok := l.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

func lookup[T any](ctx context.Context, c *Chain, id, field string,
	get func(Level, context.Context, string) (T, bool, error),
	backfill func(T) Fields,
) (T, bool) {
	var zero T
	for i, l := range c.levels {
		v, ok, err := get(l, ctx, id)
		if err != nil {
			c.fail(ctx, l, "get_"+field, id, err)
			continue
		}
		if !ok {
			metrics.CacheMisses.WithLabelValues(l.Name(), field).Inc()
			continue
		}
		metrics.CacheHits.WithLabelValues(l.Name(), field).Inc()
		// backfill the levels in front of the hit, nearest first
		for j := i - 1; j >= 0; j-- {
			if err := c.levels[j].Push(ctx, id, backfill(v)); err != nil {
				c.fail(ctx, c.levels[j], "backfill_"+field, id, err)
			}
		}
		return v, true
	}
	return zero, false
}

func (c *Chain) fail(ctx context.Context, l Level, op, id string, err error) {
	metrics.CacheErrors.WithLabelValues(l.Name(), op).Inc()
	ev := util.Warn()
	if errors.Is(err, context.Canceled) {
		ev = util.Debug()
	}
	ev.Err(err).
		Str("cache_level", l.Name()).
		Str("op", op).
		Str("paste_id", id).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("cache operation failed")
}
