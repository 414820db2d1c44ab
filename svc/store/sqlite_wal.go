package store

import (
	"context"
	"fmt"
	"time"

	"hastypaste/svc/util"
)

const walEscalatePages = 1000

// StartWALMaintenance checkpoints the WAL every interval until ctx is done,
// then runs one final checkpoint.
func (s *SQLite) StartWALMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.checkpoint(ctx); err != nil {
					util.Error().Err(err).Msg("WAL checkpoint failed")
				}
			case <-ctx.Done():
				if err := s.checkpoint(context.Background()); err != nil {
					util.Error().Err(err).Msg("final WAL checkpoint failed")
				}
				return
			}
		}
	}()
}
func (s *SQLite) checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, done int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", done).
		Msg("PASSIVE checkpoint result")
	if logPages > walEscalatePages || busy > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}
func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
