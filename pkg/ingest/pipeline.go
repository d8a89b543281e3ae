package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"threadrelay/pkg/dedup"
	"threadrelay/pkg/logger"
	"threadrelay/pkg/models"
	"threadrelay/pkg/normalize"
	"threadrelay/pkg/sequencer"
	"threadrelay/pkg/store"
	"threadrelay/pkg/telemetry"
)

// Pipeline drains the intake queue with a worker pool, running each raw
// payload through normalize → dedup → sequencer. Per-event failures are
// counted and logged, never fatal to the workers.
type Pipeline struct {
	q      *Queue
	filter *dedup.Filter
	seq    *sequencer.Sequencer

	workers int
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline wires the stages together. workers <= 0 falls back to 1.
func NewPipeline(q *Queue, filter *dedup.Filter, seq *sequencer.Sequencer, workers int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{q: q, filter: filter, seq: seq, workers: workers, stop: make(chan struct{})}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	logger.Info("pipeline_started", "workers", p.workers, "intake_capacity", p.q.Cap())
}

// Stop halts the workers. Queued raw payloads are released unprocessed;
// the platform redelivers anything it never saw acked as handled.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pipeline) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case it, ok := <-p.q.Out():
			if !ok {
				return
			}
			p.process(it.Payload)
			it.Done()
			telemetry.IntakeDepth.Set(float64(p.q.Len()))
		case <-p.stop:
			return
		}
	}
}

func (p *Pipeline) process(payload []byte) {
	ev, err := normalize.Normalize(payload)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrIgnored):
			telemetry.EventsDropped.WithLabelValues("ignored").Inc()
			logger.Debug("event_ignored", "error", err)
		default:
			telemetry.EventsDropped.WithLabelValues("malformed").Inc()
			logger.Warn("event_malformed", "error", err)
		}
		return
	}

	admitted, err := p.admitRetrying(ev)
	if err != nil {
		telemetry.EventsDropped.WithLabelValues("store_error").Inc()
		logger.Error("dedup_check_failed", "thread", ev.ThreadID, "dedup_key", ev.DedupKey, "error", err)
		return
	}
	if !admitted {
		telemetry.EventsDropped.WithLabelValues("duplicate").Inc()
		logger.Info("event_duplicate", "thread", ev.ThreadID, "dedup_key", ev.DedupKey)
		return
	}

	if err := p.seq.Submit(ev); err != nil {
		switch {
		case errors.Is(err, sequencer.ErrOverloaded):
			telemetry.EventsDropped.WithLabelValues("overloaded").Inc()
			logger.Warn("thread_overloaded", "thread", ev.ThreadID, "dedup_key", ev.DedupKey)
		case errors.Is(err, sequencer.ErrStopped):
			telemetry.EventsDropped.WithLabelValues("shutdown").Inc()
			logger.Warn("event_dropped_on_shutdown", "thread", ev.ThreadID)
		default:
			logger.Error("submit_failed", "thread", ev.ThreadID, "error", err)
		}
		return
	}
	telemetry.ThreadsRunning.Set(float64(p.seq.InFlight()))
}

// admitRetrying runs the dedup check with bounded retries on transient
// store failures, so a flaky store does not silently drop fresh events.
func (p *Pipeline) admitRetrying(ev *models.Event) (bool, error) {
	var admitted bool
	op := func() error {
		ok, err := p.filter.Admit(ev)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		admitted = ok
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, context.Background())); err != nil {
		return false, err
	}
	return admitted, nil
}
