package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/repository"
	"github.com/umputun/feedmirror/pkg/scheduler"
	"github.com/umputun/feedmirror/server/mocks"
)

type testEnv struct {
	srv      *Server
	repos    *repository.Repositories
	notified atomic.Int32
	mediaDir string
}

func newTestEnv(t *testing.T, serveMedia bool) *testEnv {
	t.Helper()
	repos, err := repository.NewRepositories(context.Background(), repository.Config{DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, repos.Close()) })

	env := &testEnv{repos: repos, mediaDir: t.TempDir()}
	dispatcher := &mocks.DispatcherMock{
		NotifyFunc: func() { env.notified.Add(1) },
		StatusFunc: func() scheduler.Status { return scheduler.Status{} },
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "feedmirror_test_total", Help: "test counter"}))
	env.srv = New(Params{
		Feeds:      repos.Feed,
		Jobs:       repos.Job,
		Dispatcher: dispatcher,
		Gatherer:   reg,
		BaseURL:    "http://mirror.local/",
		MediaDir:   env.mediaDir,
		ServeMedia: serveMedia,
		Version:    "test",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.srv.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createFeed(t *testing.T, body string) feedResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/feeds", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp feedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const weeklyFeed = `{"name":"tech","source":"https://www.youtube.com/feeds/videos.xml?channel_id=UC1",
	"schedule":"0 18 * * 1","offsets":["1h"],"sponsor_marking":"mark","sponsor_categories":["all"]}`

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t, false)
	last := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	env.srv.Dispatcher = &mocks.DispatcherMock{StatusFunc: func() scheduler.Status {
		return scheduler.Status{LastDispatch: &last, NextWake: last.Add(5 * time.Minute),
			Current: &domain.Job{ID: "job1", FeedID: 1, Kind: domain.JobManual, State: domain.JobDispatched}}
	}}

	rec := env.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "feedmirror", rec.Header().Get("App-Name"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Status       string       `json:"status"`
		Version      string       `json:"version"`
		LastDispatch time.Time    `json:"last_dispatch"`
		NextWake     time.Time    `json:"next_wake"`
		CurrentJob   *jobResponse `json:"current_job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.True(t, last.Equal(resp.LastDispatch))
	assert.True(t, last.Add(5*time.Minute).Equal(resp.NextWake))
	require.NotNil(t, resp.CurrentJob)
	assert.Equal(t, "job1", resp.CurrentJob.ID)
	assert.Equal(t, "dispatched", resp.CurrentJob.State)

	rec = env.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestServer_CreateFeed(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.createFeed(t, weeklyFeed)
	assert.Positive(t, resp.ID)
	assert.Equal(t, "tech", resp.Name)
	assert.Equal(t, "0 18 * * 1", resp.Schedule)
	assert.Equal(t, []string{"1h0m0s"}, resp.Offsets)
	assert.True(t, resp.Enabled)
	assert.Equal(t, domain.AtBase, resp.Burst)
	assert.Equal(t, domain.SponsorMark, resp.Options.SponsorMarking)
	assert.Len(t, resp.Options.SponsorCategories, len(domain.SponsorCategories))
	assert.Equal(t, fmt.Sprintf("http://mirror.local/feeds/%d/rss", resp.ID), resp.RSS)
	assert.EqualValues(t, 1, env.notified.Load())

	tbl := []struct {
		name   string
		body   string
		code   int
		errMsg string
	}{
		{name: "duplicate name", body: weeklyFeed, code: http.StatusConflict, errMsg: "UNIQUE"},
		{name: "broken json", body: `{"name":`, code: http.StatusBadRequest, errMsg: "invalid request body"},
		{name: "missing source", body: `{"name":"x"}`, code: http.StatusBadRequest, errMsg: "Source"},
		{name: "bad marking", body: `{"name":"x","source":"s","sponsor_marking":"skip"}`, code: http.StatusBadRequest, errMsg: "SponsorMarking"},
		{name: "bad schedule", body: `{"name":"x","source":"s","schedule":"whenever"}`, code: http.StatusBadRequest, errMsg: "invalid schedule rule"},
		{name: "offset too long", body: `{"name":"x","source":"s","schedule":"@daily","offsets":["30h"]}`, code: http.StatusBadRequest,
			errMsg: "shorter than the base interval"},
		{name: "unknown category", body: `{"name":"x","source":"s","sponsor_marking":"remove","sponsor_categories":["ads"]}`,
			code: http.StatusBadRequest, errMsg: "invalid feed"},
	}
	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/feeds", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tc.errMsg)
		})
	}
	assert.EqualValues(t, 1, env.notified.Load(), "failed requests don't wake the dispatcher")
}

func TestServer_GetAndListFeeds(t *testing.T) {
	env := newTestEnv(t, false)
	created := env.createFeed(t, weeklyFeed)
	manual := env.createFeed(t, `{"name":"manual","source":"https://example.com/manual","disabled":true}`)
	_, err := env.repos.Job.EnqueueIfAbsent(context.Background(), created.ID, time.Now().Add(time.Hour), domain.JobScheduled)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/feeds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []feedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	require.NotNil(t, list[0].ActiveJob)
	assert.Equal(t, "scheduled", list[0].ActiveJob.Kind)
	assert.Nil(t, list[1].ActiveJob)
	assert.Empty(t, list[1].RSS, "media serving disabled")

	rec = env.do(t, http.MethodGet, "/api/v1/feeds?enabled=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/feeds/%d", created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one feedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "tech", one.Name)
	require.Len(t, one.Upcoming, 5)
	for i := 1; i < len(one.Upcoming); i++ {
		assert.True(t, one.Upcoming[i].After(one.Upcoming[i-1]))
	}
	// weekly base fire followed by a one hour follow-up
	assert.Equal(t, time.Monday, one.Upcoming[0].Weekday())
	assert.Equal(t, 18, one.Upcoming[0].Hour())
	assert.Equal(t, 19, one.Upcoming[1].Hour())

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/feeds/%d", manual.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Empty(t, one.Upcoming)
	assert.False(t, one.Enabled)

	rec = env.do(t, http.MethodGet, "/api/v1/feeds/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/feeds/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UpdateFeed(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	created := env.createFeed(t, weeklyFeed)
	path := fmt.Sprintf("/api/v1/feeds/%d", created.ID)
	enqueue := func() {
		_, err := env.repos.Job.EnqueueIfAbsent(ctx, created.ID, time.Now().Add(time.Hour), domain.JobScheduled)
		require.NoError(t, err)
	}
	enqueue()

	// same rule, the pending job stays
	rec := env.do(t, http.MethodPut, path, `{"name":"tech-renamed","source":"https://example.com/x","schedule":"0 18 * * 1","offsets":["1h"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp feedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tech-renamed", resp.Name)
	assert.Equal(t, domain.SponsorNone, resp.Options.SponsorMarking)
	_, err := env.repos.Job.ActiveJob(ctx, created.ID)
	require.NoError(t, err)

	// rule changed, the pending job is cancelled
	rec = env.do(t, http.MethodPut, path, `{"name":"tech","source":"https://example.com/x","schedule":"@daily"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err = env.repos.Job.ActiveJob(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// disabled, the pending job is cancelled
	enqueue()
	rec = env.do(t, http.MethodPut, path, `{"name":"tech","source":"https://example.com/x","schedule":"@daily","disabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err = env.repos.Job.ActiveJob(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.EqualValues(t, 4, env.notified.Load())

	rec = env.do(t, http.MethodPut, "/api/v1/feeds/999", `{"name":"x","source":"s"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPut, path, `{"name":"x","source":"s","schedule":"@daily","offsets":["-1h"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeleteFeed(t *testing.T) {
	env := newTestEnv(t, false)
	created := env.createFeed(t, weeklyFeed)
	path := fmt.Sprintf("/api/v1/feeds/%d", created.ID)

	rec := env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RefreshFeed(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	t.Run("pending job expedited", func(t *testing.T) {
		created := env.createFeed(t, weeklyFeed)
		due := time.Now().Add(24 * time.Hour)
		_, err := env.repos.Job.EnqueueIfAbsent(ctx, created.ID, due, domain.JobScheduled)
		require.NoError(t, err)
		before, err := env.repos.Job.ActiveJob(ctx, created.ID)
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", created.ID), "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var job jobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, before.ID, job.ID, "same job, no duplicate")
		assert.Equal(t, "manual", job.Kind)
		assert.False(t, job.ScheduledFor.After(time.Now()))
	})

	t.Run("manual job added", func(t *testing.T) {
		created := env.createFeed(t, `{"name":"on-demand","source":"https://example.com/od"}`)
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", created.ID), "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var job jobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, "manual", job.Kind)
		assert.Equal(t, "pending", job.State)

		// repeated refresh keeps a single job
		rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", created.ID), "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		jobs, err := env.repos.Job.ListJobs(ctx, created.ID, 0)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("disabled feed", func(t *testing.T) {
		created := env.createFeed(t, `{"name":"off","source":"https://example.com/off","disabled":true}`)
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", created.ID), "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown feed", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/feeds/999/refresh", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_JobsAndEpisodes(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	created := env.createFeed(t, weeklyFeed)

	t0 := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	_, err := env.repos.Job.EnqueueIfAbsent(ctx, created.ID, t0, domain.JobScheduled)
	require.NoError(t, err)
	job, err := env.repos.Job.NextEligible(ctx, t0)
	require.NoError(t, err)
	require.NoError(t, env.repos.Job.MarkDispatched(ctx, job.ID, t0))
	items := []domain.Item{
		{SourceID: "yt:video:a", Title: "A", MediaPath: "tech/a.m4a", MediaType: "audio/mp4", Size: 3, Duration: 90 * time.Second, Published: t0},
		{SourceID: "yt:video:b", Title: "B", Published: t0.Add(-time.Hour)},
	}
	require.NoError(t, env.repos.Feed.RecordRunOutcome(ctx, created.ID, domain.RunOutcome{Success: true, At: t0, Episodes: items,
		NextDue: t0.Add(time.Hour), Position: domain.BasePosition()}))
	require.NoError(t, env.repos.Job.MarkSucceeded(ctx, job.ID, t0, domain.JobResult{Items: 2, NewItems: 2}))

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/feeds/%d/jobs", created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "succeeded", jobs[0].State)
	assert.Equal(t, 2, jobs[0].NewItems)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/feeds/%d/episodes?limit=1", created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var episodes []episodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &episodes))
	require.Len(t, episodes, 1)
	assert.Equal(t, "yt:video:a", episodes[0].SourceID)
	assert.Equal(t, "http://mirror.local/media/tech/a.m4a", episodes[0].MediaURL)
	assert.Equal(t, "1m30s", episodes[0].Duration)

	// republished feed and media
	require.NoError(t, os.MkdirAll(filepath.Join(env.mediaDir, "tech"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(env.mediaDir, "tech", "a.m4a"), []byte("abc"), 0o600))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/feeds/%d/rss", created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/rss+xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<enclosure url="http://mirror.local/media/tech/a.m4a" length="3" type="audio/mp4"></enclosure>`)
	assert.Contains(t, rec.Body.String(), `<title>B</title>`)

	rec = env.do(t, http.MethodGet, "/media/tech/a.m4a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/feeds.opml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`xmlUrl="http://mirror.local/feeds/%d/rss"`, created.ID))

	rec = env.do(t, http.MethodGet, "/feeds/999/rss", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MediaServingDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	created := env.createFeed(t, weeklyFeed)
	rec := env.do(t, http.MethodGet, fmt.Sprintf("/feeds/%d/rss", created.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/media/anything.m4a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedmirror_test_total 0")
}

func TestServer_SponsorCategories(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/v1/sponsorblock/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, len(domain.SponsorCategories))
	for i := 1; i < len(resp); i++ {
		assert.Less(t, resp[i-1].Name, resp[i].Name)
	}
	assert.Equal(t, domain.SponsorCategories["sponsor"], func() string {
		for _, c := range resp {
			if c.Name == "sponsor" {
				return c.Description
			}
		}
		return ""
	}())
}

func TestServer_SchedulePreview(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/schedule/preview?base=@daily&offsets=1h,2h&n=6", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var times []time.Time
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &times))
	require.Len(t, times, 6)
	assert.Equal(t, time.Hour, times[1].Sub(times[0]))
	assert.Equal(t, time.Hour, times[2].Sub(times[1]))
	assert.Equal(t, 22*time.Hour, times[3].Sub(times[2]))

	rec = env.do(t, http.MethodGet, "/api/v1/schedule/preview?base=@daily&offsets=25h", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/schedule/preview", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Run(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	env := newTestEnv(t, false)
	env.srv.Listen = fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test request
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server not stopped")
	}
}
