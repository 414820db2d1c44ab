package svc

import (
	"context"
	"iter"
	"time"

	"hastypaste/metrics"
	"hastypaste/svc/util"

	"github.com/pkg/errors"
)

// expiredLister is implemented by stores that can find expired pastes
// without reading every record.
type expiredLister interface {
	ExpiredIDs(ctx context.Context, now time.Time) iter.Seq2[string, error]
}

// StartCleaner sweeps expired pastes every interval until ctx is done.
func (p *Paste) StartCleaner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	if !p.cleanerRunning.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go p.runCleaner(ctx, interval)
	return nil
}

func (p *Paste) runCleaner(ctx context.Context, interval time.Duration) {
	defer p.cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := p.Sweep(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", cleanupRequestID).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", cleanupRequestID).
					Msg("cleanup completed")
			}
		}
	}
}

// Sweep removes every expired paste from the cache and the store and
// returns how many were deleted. Records that cannot be read are skipped.
func (p *Paste) Sweep(ctx context.Context) (int, error) {
	metrics.PruneCycles.Inc()
	expired, err := p.expiredIDs(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		p.cache.Remove(ctx, id)
		if err := p.store.DeletePaste(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete expired paste")
			continue
		}
		metrics.PasteRemoved.WithLabelValues("expired").Inc()
		deleted++
	}
	return deleted, nil
}

// expiredIDs collects before deleting so no backend walk sees its own
// deletions.
func (p *Paste) expiredIDs(ctx context.Context) ([]string, error) {
	now := p.now()
	var ids []string
	if el, ok := p.store.(expiredLister); ok {
		for id, err := range el.ExpiredIDs(ctx, now) {
			if err != nil {
				return nil, errors.Wrap(err, "list expired")
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	for id, err := range p.store.IDs(ctx) {
		if err != nil {
			return nil, errors.Wrap(err, "list ids")
		}
		meta, ok, err := p.store.ReadMeta(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("skipping unreadable paste")
			continue
		}
		if ok && meta.ExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
