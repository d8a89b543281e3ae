// Package dispatch invokes the external agent for one sequenced event and
// records the exchange in the thread store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"threadrelay/pkg/logger"
	"threadrelay/pkg/models"
	"threadrelay/pkg/store"
	"threadrelay/pkg/telemetry"
)

// Agent generates a response for an event given the thread's prior history.
type Agent interface {
	Generate(ctx context.Context, ev *models.Event, history []models.Message) (models.Response, error)
}

// Deliverer forwards a generated response to the platform.
type Deliverer interface {
	Send(ctx context.Context, channel, threadID, text string) error
}

// AgentError reports an agent call that failed after exhausting retries.
type AgentError struct {
	Attempts int
	Err      error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// fallbackText is delivered when the agent gives up, so the user is not
// left hanging. It is not appended to history.
const fallbackText = "Sorry, I encountered an error while processing your message."

// Dispatcher runs one event at a time per thread (the sequencer guarantees
// that) and is otherwise stateless; a single instance serves all threads.
type Dispatcher struct {
	st        *store.Store
	agent     Agent
	deliverer Deliverer

	timeout    time.Duration
	retryLimit int
}

// New builds a Dispatcher. retryLimit bounds agent retries beyond the
// first attempt; timeout bounds each attempt.
func New(st *store.Store, agent Agent, deliverer Deliverer, timeout time.Duration, retryLimit int) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retryLimit < 0 {
		retryLimit = 0
	}
	return &Dispatcher{st: st, agent: agent, deliverer: deliverer, timeout: timeout, retryLimit: retryLimit}
}

// Dispatch appends the user message, calls the agent with the history that
// preceded the event, appends the response and forwards it. Delivery
// failures are logged but never roll back the appended response: history
// reflects what was generated, so a redelivered event cannot fork it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.Event) error {
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.st.SetThreadChannel(ev.ThreadID, ev.Channel); err != nil {
		return err
	}

	history, err := d.loadHistory(ctx, ev.ThreadID)
	if err != nil {
		return err
	}

	userMsg := models.Message{
		Role:   models.RoleUser,
		Sender: ev.Sender,
		Text:   ev.Text,
		TS:     ev.ReceivedAt,
	}
	if _, err := d.appendRetrying(ctx, ev.ThreadID, userMsg); err != nil {
		return err
	}

	resp, err := d.generate(ctx, ev, history)
	if err != nil {
		telemetry.DispatchFailures.Inc()
		// Best-effort apology keeps the conversation responsive; the thread
		// is released either way.
		if derr := d.deliverer.Send(ctx, ev.Channel, ev.ThreadID, fallbackText); derr != nil {
			logger.Warn("fallback_delivery_failed", "thread", ev.ThreadID, "error", derr)
		}
		return err
	}

	botMsg := models.Message{
		Role: models.RoleAssistant,
		Text: resp.Text,
		TS:   time.Now().UTC().UnixNano(),
	}
	if _, err := d.appendRetrying(ctx, ev.ThreadID, botMsg); err != nil {
		return err
	}

	if err := d.deliverer.Send(ctx, ev.Channel, ev.ThreadID, resp.Text); err != nil {
		telemetry.DeliveryFailures.Inc()
		logger.Error("delivery_failed", "thread", ev.ThreadID, "error", err)
		// Appended history stands; see above.
		return nil
	}
	logger.Info("dispatched", "thread", ev.ThreadID, "dedup_key", ev.DedupKey)
	return nil
}

// generate calls the agent with per-attempt timeouts and exponential
// backoff between attempts.
func (d *Dispatcher) generate(ctx context.Context, ev *models.Event, history []models.Message) (models.Response, error) {
	var resp models.Response
	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			telemetry.DispatchRetries.Inc()
			logger.Warn("agent_retry", "thread", ev.ThreadID, "attempt", attempts)
		}
		actx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		r, err := d.agent.Generate(actx, ev, history)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newAgentBackoff(), uint64(d.retryLimit)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return resp, &AgentError{Attempts: attempts, Err: err}
	}
	return resp, nil
}

// loadHistory reads the thread history, retrying transient store failures.
func (d *Dispatcher) loadHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	var history []models.Message
	op := func() error {
		h, err := d.st.History(threadID)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		history = h
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newStoreBackoff(), ctx)); err != nil {
		return nil, err
	}
	return history, nil
}

// appendRetrying appends with bounded retries on ErrUnavailable.
func (d *Dispatcher) appendRetrying(ctx context.Context, threadID string, msg models.Message) (int64, error) {
	var seq int64
	op := func() error {
		s, err := d.st.Append(threadID, msg)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		seq = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newStoreBackoff(), ctx)); err != nil {
		return 0, err
	}
	return seq, nil
}

func newAgentBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // attempt count is the bound
	return b
}

func newStoreBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}
