// Package sequencer serializes event processing per thread: at most one
// in-flight dispatch per thread id, later arrivals queued FIFO up to a
// configurable depth. Threads are independent; nothing here blocks one
// thread on another's work.
package sequencer

import (
	"context"
	"errors"
	"sync"

	"threadrelay/pkg/logger"
	"threadrelay/pkg/models"
)

// ErrOverloaded is returned by Submit when a thread's pending queue is at
// capacity. The event is dropped; the caller reports it.
var ErrOverloaded = errors.New("thread queue full")

// ErrStopped is returned by Submit after Close has begun.
var ErrStopped = errors.New("sequencer stopped")

// DispatchFunc processes one admitted event. The sequencer logs a non-nil
// error and releases the thread regardless; a failed dispatch must never
// wedge its thread.
type DispatchFunc func(ctx context.Context, ev *models.Event) error

// Sequencer owns the per-thread run state. A thread is Running exactly
// while it has an entry in threads; queued events wait in that entry.
type Sequencer struct {
	dispatch DispatchFunc
	maxDepth int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	threads map[string]*threadState
	stopped bool
	wg      sync.WaitGroup
}

type threadState struct {
	queue []*models.Event
}

// New creates a Sequencer calling dispatch for every admitted event.
// maxDepth bounds the per-thread pending queue (values <= 0 fall back to 1).
func New(dispatch DispatchFunc, maxDepth int) *Sequencer {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		dispatch: dispatch,
		maxDepth: maxDepth,
		ctx:      ctx,
		cancel:   cancel,
		threads:  make(map[string]*threadState),
	}
}

// Submit hands an admitted event to its thread. If the thread is idle a
// worker goroutine starts immediately; if it is running the event is
// queued FIFO. Submit never blocks on dispatch work and holds the state
// lock only for the transition itself.
func (s *Sequencer) Submit(ev *models.Event) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	st, running := s.threads[ev.ThreadID]
	if !running {
		s.threads[ev.ThreadID] = &threadState{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.runThread(ev.ThreadID, ev)
		return nil
	}
	if len(st.queue) >= s.maxDepth {
		s.mu.Unlock()
		return ErrOverloaded
	}
	st.queue = append(st.queue, ev)
	s.mu.Unlock()
	return nil
}

// runThread processes ev and then drains the thread's queue in admission
// order, exiting (thread back to Idle) when the queue is empty or the
// sequencer is stopping.
func (s *Sequencer) runThread(threadID string, ev *models.Event) {
	defer s.wg.Done()
	for {
		if err := s.dispatch(s.ctx, ev); err != nil {
			logger.Error("dispatch_failed", "thread", threadID, "dedup_key", ev.DedupKey, "error", err)
		}

		s.mu.Lock()
		st := s.threads[threadID]
		if s.stopped && len(st.queue) > 0 {
			logger.Warn("queued_events_dropped", "thread", threadID, "count", len(st.queue))
			st.queue = nil
		}
		if len(st.queue) == 0 {
			delete(s.threads, threadID)
			s.mu.Unlock()
			return
		}
		ev = st.queue[0]
		st.queue = st.queue[1:]
		s.mu.Unlock()
	}
}

// InFlight returns the number of threads currently Running.
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// QueueLen returns the pending queue length for a thread (0 when idle).
func (s *Sequencer) QueueLen(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.threads[threadID]; ok {
		return len(st.queue)
	}
	return 0
}

// Close stops intake, drops queued-but-undispatched events, and waits for
// in-flight dispatches. If ctx expires first the dispatch context is
// cancelled so workers unwind; Close then waits for them and returns
// ctx.Err().
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
