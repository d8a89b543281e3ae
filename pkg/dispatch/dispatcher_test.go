package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadrelay/pkg/models"
	"threadrelay/pkg/store"
)

type scriptAgent struct {
	mu       sync.Mutex
	calls    int
	failures int // fail the first N calls
	text     string

	lastHistory []models.Message
}

func (a *scriptAgent) Generate(_ context.Context, ev *models.Event, history []models.Message) (models.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.lastHistory = append([]models.Message(nil), history...)
	if a.calls <= a.failures {
		return models.Response{}, errors.New("agent unavailable")
	}
	return models.Response{Text: a.text}, nil
}

type fakeDeliverer struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	chans []string
}

func (d *fakeDeliverer) Send(_ context.Context, channel, threadID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("delivery refused")
	}
	d.sent = append(d.sent, text)
	d.chans = append(d.chans, channel)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEvent(key string) *models.Event {
	return &models.Event{
		ThreadID:   "T1",
		Channel:    "C1",
		DedupKey:   key,
		Sender:     "U1",
		Text:       "what is up",
		Kind:       models.KindMention,
		ReceivedAt: time.Now().UnixNano(),
	}
}

func TestDispatchAppendsAndDelivers(t *testing.T) {
	st := newTestStore(t)
	ag := &scriptAgent{text: "not much"}
	del := &fakeDeliverer{}
	d := New(st, ag, del, time.Second, 0)

	require.NoError(t, d.Dispatch(context.Background(), testEvent("Ev1")))

	msgs, err := st.History("T1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, "what is up", msgs[0].Text)
	require.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Equal(t, "not much", msgs[1].Text)

	require.Equal(t, []string{"not much"}, del.sent)
	require.Equal(t, []string{"C1"}, del.chans)

	th, err := st.GetThread("T1")
	require.NoError(t, err)
	require.Equal(t, "C1", th.Channel)
}

func TestDispatchAgentSeesPriorHistoryOnly(t *testing.T) {
	st := newTestStore(t)
	ag := &scriptAgent{text: "second answer"}
	del := &fakeDeliverer{}
	d := New(st, ag, del, time.Second, 0)

	require.NoError(t, d.Dispatch(context.Background(), testEvent("Ev1")))
	require.NoError(t, d.Dispatch(context.Background(), testEvent("Ev2")))

	// the second call saw the first exchange but not its own user message
	require.Len(t, ag.lastHistory, 2)
	require.Equal(t, models.RoleUser, ag.lastHistory[0].Role)
	require.Equal(t, models.RoleAssistant, ag.lastHistory[1].Role)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	ag := &scriptAgent{failures: 1, text: "finally"}
	del := &fakeDeliverer{}
	d := New(st, ag, del, time.Second, 3)

	require.NoError(t, d.Dispatch(context.Background(), testEvent("Ev1")))
	require.Equal(t, 2, ag.calls)
	require.Equal(t, []string{"finally"}, del.sent)
}

func TestDispatchRetryExhaustion(t *testing.T) {
	st := newTestStore(t)
	ag := &scriptAgent{failures: 100}
	del := &fakeDeliverer{}
	d := New(st, ag, del, time.Second, 1)

	err := d.Dispatch(context.Background(), testEvent("Ev1"))
	var aerr *AgentError
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, 2, aerr.Attempts)

	// user message recorded, no assistant message, apology delivered
	msgs, herr := st.History("T1")
	require.NoError(t, herr)
	require.Len(t, msgs, 1)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, []string{fallbackText}, del.sent)
}

func TestDispatchDeliveryFailureKeepsHistory(t *testing.T) {
	st := newTestStore(t)
	ag := &scriptAgent{text: "answer"}
	del := &fakeDeliverer{fail: true}
	d := New(st, ag, del, time.Second, 0)

	// delivery failure is not a dispatch failure: history stands
	require.NoError(t, d.Dispatch(context.Background(), testEvent("Ev1")))

	msgs, err := st.History("T1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "answer", msgs[1].Text)
}
