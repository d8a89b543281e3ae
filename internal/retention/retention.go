// Package retention evicts idle threads. A cron-scheduled sweep deletes
// every thread whose last activity is older than the configured TTL,
// removing its meta record, history and dedup markers together.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"threadrelay/pkg/config"
	"threadrelay/pkg/logger"
	"threadrelay/pkg/store"
	"threadrelay/pkg/telemetry"
)

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig, st *store.Store) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	// map empty cron to default daily @02:00
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "ttl", cfg.TTL.Duration().String(), "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, st, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, st *store.Store, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := RunOnce(ctx, cfg, st); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single sweep and returns the number of threads
// evicted (or, in dry-run mode, the number that would have been).
func RunOnce(ctx context.Context, cfg config.RetentionConfig, st *store.Store) (int, error) {
	start := time.Now()
	cutoff := start.UTC().Add(-cfg.TTL.Duration()).UnixNano()

	threads, err := st.ListThreads()
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, th := range threads {
		select {
		case <-ctx.Done():
			return evicted, ctx.Err()
		default:
		}
		last := th.LastActivity
		if last == 0 {
			last = th.CreatedTS
		}
		if last >= cutoff {
			continue
		}
		if cfg.DryRun {
			logger.Info("retention_would_evict", "thread", th.ID, "last_activity", last)
			evicted++
			continue
		}
		if err := st.DeleteThread(th.ID); err != nil {
			logger.Error("retention_evict_failed", "thread", th.ID, "error", err)
			continue
		}
		telemetry.ThreadsEvicted.Inc()
		evicted++
	}

	logger.Info("retention_run_complete",
		"scanned", len(threads),
		"evicted", evicted,
		"dry_run", cfg.DryRun,
		"elapsed", time.Since(start).String())
	return evicted, nil
}
