package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadrelay/pkg/config"
	"threadrelay/pkg/models"
	"threadrelay/pkg/store"
)

func seedThreads(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	old := time.Now().Add(-72 * time.Hour).UnixNano()
	_, err = st.Append("stale", models.Message{Role: models.RoleUser, Text: "old", TS: old})
	require.NoError(t, err)
	_, err = st.Append("fresh", models.Message{Role: models.RoleUser, Text: "new"})
	require.NoError(t, err)
	return st
}

func TestRunOnceEvictsIdleThreads(t *testing.T) {
	st := seedThreads(t)
	cfg := config.RetentionConfig{Enabled: true, TTL: config.Duration(24 * time.Hour)}

	n, err := RunOnce(context.Background(), cfg, st)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.GetThread("stale")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetThread("fresh")
	require.NoError(t, err)
}

func TestRunOnceDryRunKeepsThreads(t *testing.T) {
	st := seedThreads(t)
	cfg := config.RetentionConfig{Enabled: true, TTL: config.Duration(24 * time.Hour), DryRun: true}

	n, err := RunOnce(context.Background(), cfg, st)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.GetThread("stale")
	require.NoError(t, err)
}

func TestStartRejectsInvalidCron(t *testing.T) {
	st := seedThreads(t)
	cfg := config.RetentionConfig{Enabled: true, Cron: "not a cron"}
	_, err := Start(context.Background(), cfg, st)
	require.Error(t, err)
}

func TestStartDisabledNoop(t *testing.T) {
	st := seedThreads(t)
	cancel, err := Start(context.Background(), config.RetentionConfig{}, st)
	require.NoError(t, err)
	cancel()
}
