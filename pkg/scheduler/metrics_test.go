package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)

	FetchDuration.Observe(1)
	JobsDispatchedTotal.WithLabelValues("scheduled").Add(0)
	JobsFinishedTotal.WithLabelValues("succeeded").Add(0)
	RecoveredJobsTotal.WithLabelValues("requeued").Add(0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		assert.NotEmpty(t, f.GetHelp(), f.GetName())
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"feedmirror_jobs_dispatched_total", "feedmirror_jobs_finished_total", "feedmirror_fetch_duration_seconds",
		"feedmirror_new_episodes_total", "feedmirror_recovered_jobs_total", "feedmirror_alerts_total",
		"feedmirror_last_dispatch_timestamp_seconds",
	}, names)
}

func TestDispatcher_StrandedRequeueCounted(t *testing.T) {
	repos := setupRepos(t)
	ctx := context.Background()
	addFeed(t, repos, "weekly", weekly())

	clock := &fakeClock{now: t0.Add(-time.Minute)}
	fetcher, _ := recordingFetcher(clock, false)
	d := newTestDispatcher(repos, fetcher, clock)
	d.Queue = &flakyQueue{JobRepository: repos.Job, failSucceeded: 1}
	require.NoError(t, d.Recover(ctx))

	before := testutil.ToFloat64(RecoveredJobsTotal.WithLabelValues("requeued"))
	drive(t, d, clock, fetcher, 1)
	assert.InDelta(t, before+1, testutil.ToFloat64(RecoveredJobsTotal.WithLabelValues("requeued")), 0.001)
	assert.InDelta(t, float64(t0.Unix()), testutil.ToFloat64(LastDispatchTimestamp), 0.001)
}
