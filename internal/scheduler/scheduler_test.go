package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCronSpec_PassesThroughBareCronExpression(t *testing.T) {
	t.Parallel()

	spec, err := cronSpec("0 9 * * *")
	require.NoError(t, err)
	require.Equal(t, "0 9 * * *", spec)
}

func TestCronSpec_IntervalBecomesEveryDuration(t *testing.T) {
	t.Parallel()

	spec, err := cronSpec("interval:30")
	require.NoError(t, err)
	require.Equal(t, "@every 30s", spec)
}

func TestCronSpec_UnparseableIntervalDefaultsToSixty(t *testing.T) {
	t.Parallel()

	spec, err := cronSpec("interval:not-a-number")
	require.NoError(t, err)
	require.Equal(t, "@every 60s", spec)
}

func TestCronSpec_NonPositiveIntervalDefaultsToSixty(t *testing.T) {
	t.Parallel()

	spec, err := cronSpec("interval:0")
	require.NoError(t, err)
	require.Equal(t, "@every 60s", spec)

	spec, err = cronSpec("interval:-5")
	require.NoError(t, err)
	require.Equal(t, "@every 60s", spec)
}

func TestSchedulerLifecycle_CreateListStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fired := make(chan string, 4)
	sched, err := Open(dir+"/sched.db", func(ctx context.Context, prompt string) error {
		fired <- prompt
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	id, err := sched.Create(ctx, "heartbeat", "interval:1", "ping")
	require.NoError(t, err)
	require.Contains(t, id, "task_")

	jobs, err := sched.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "heartbeat", jobs[0].Name)

	select {
	case prompt := <-fired:
		require.Equal(t, "ping", prompt)
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	require.NoError(t, sched.StopJob(id))
	jobs, err = sched.List()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSchedulerStopAll_RemovesEveryJob(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sched, err := Open(dir+"/sched.db", func(ctx context.Context, prompt string) error { return nil })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	_, err = sched.Create(ctx, "a", "interval:300", "x")
	require.NoError(t, err)
	_, err = sched.Create(ctx, "b", "interval:300", "y")
	require.NoError(t, err)

	require.NoError(t, sched.StopAll())

	jobs, err := sched.List()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestSchedulerCreate_RejectsBadCronExpressionAndDoesNotPersist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sched, err := Open(dir+"/sched.db", func(ctx context.Context, prompt string) error { return nil })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	_, err = sched.Create(ctx, "bad", "not a cron expr at all !!", "x")
	require.Error(t, err)

	jobs, err := sched.List()
	require.NoError(t, err)
	require.Empty(t, jobs, "a job that fails to schedule must not remain persisted")
}
