package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadrelay/pkg/dedup"
	"threadrelay/pkg/models"
	"threadrelay/pkg/sequencer"
	"threadrelay/pkg/store"
)

func payload(eventID, thread, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "event_callback",
		"event_id": %q,
		"event": {
			"type": "app_mention",
			"user": "U1",
			"text": %q,
			"channel": "C1",
			"ts": %q
		}
	}`, eventID, text, thread))
}

type capture struct {
	mu   sync.Mutex
	evs  []*models.Event
	gate chan struct{} // when non-nil, dispatch blocks on it
}

func (c *capture) dispatch(_ context.Context, ev *models.Event) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	return nil
}

func (c *capture) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.evs))
	for i, e := range c.evs {
		out[i] = e.DedupKey
	}
	return out
}

// One worker keeps admission order deterministic for the assertions.
func startPipeline(t *testing.T, rec *capture, maxDepth int) (*Queue, *sequencer.Sequencer) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	seq := sequencer.New(rec.dispatch, maxDepth)
	q := NewQueue(64)
	p := NewPipeline(q, dedup.New(st), seq, 1)
	p.Start()
	t.Cleanup(func() {
		p.Stop()
		_ = seq.Close(context.Background())
	})
	return q, seq
}

func TestPipelineDropsRedelivery(t *testing.T) {
	rec := &capture{}
	q, seq := startPipeline(t, rec, 16)

	// E1 delivered, E2 is E1 redelivered (same event_id), E3 is new
	require.NoError(t, q.TryEnqueue(payload("Ev1", "1700.0001", "first")))
	require.NoError(t, q.TryEnqueue(payload("Ev1", "1700.0001", "first")))
	require.NoError(t, q.TryEnqueue(payload("Ev2", "1700.0001", "second")))

	require.Eventually(t, func() bool {
		return len(rec.keys()) == 2 && seq.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"Ev1", "Ev2"}, rec.keys())
}

func TestPipelineSkipsIgnoredAndMalformed(t *testing.T) {
	rec := &capture{}
	q, _ := startPipeline(t, rec, 16)

	require.NoError(t, q.TryEnqueue([]byte(`not json at all`)))
	require.NoError(t, q.TryEnqueue([]byte(`{"type":"event_callback","event_id":"Ev1",
		"event":{"type":"message","bot_id":"B1","text":"echo","channel":"C1","ts":"1.2"}}`)))
	require.NoError(t, q.TryEnqueue(payload("Ev2", "1700.0001", "real")))

	require.Eventually(t, func() bool { return len(rec.keys()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"Ev2"}, rec.keys())
}

func TestPipelineThreadOverflow(t *testing.T) {
	gate := make(chan struct{})
	rec := &capture{gate: gate}
	q, seq := startPipeline(t, rec, 1)

	// first occupies the thread, second queues, third overflows and drops
	require.NoError(t, q.TryEnqueue(payload("Ev1", "1700.0001", "one")))
	require.Eventually(t, func() bool { return seq.InFlight() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, q.TryEnqueue(payload("Ev2", "1700.0001", "two")))
	require.Eventually(t, func() bool { return seq.QueueLen("1700.0001") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, q.TryEnqueue(payload("Ev3", "1700.0001", "three")))

	// wait for the worker to have consumed Ev3, then release dispatch
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool { return seq.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"Ev1", "Ev2"}, rec.keys())
}

func TestQueueFullRejects(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue([]byte("a")))
	require.ErrorIs(t, q.TryEnqueue([]byte("b")), ErrQueueFull)
	require.Equal(t, uint64(1), q.Dropped())
	q.CloseAndDrain()
}
