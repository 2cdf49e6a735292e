// Package scheduler runs the throttled dispatcher. It picks due jobs from the queue one at a time,
// keeps a minimum spacing between two dispatches, invokes the fetcher with a per-job timeout and
// folds the results back into the feed registry and the job queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/schedule"
)

//go:generate moq -out mocks/fetcher.go -pkg mocks -skip-ensure -fmt goimports . Fetcher

// Registry is the feed registry used by the dispatcher
type Registry interface {
	GetFeed(ctx context.Context, id int64) (*domain.Feed, error)
	ListFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error)
	ListFeedsDueBefore(ctx context.Context, t time.Time) ([]*domain.Feed, error)
	FilterNewEpisodes(ctx context.Context, feedID int64, items []domain.Item) ([]domain.Item, error)
	RecordRunOutcome(ctx context.Context, feedID int64, outcome domain.RunOutcome) error
	ScheduleFeed(ctx context.Context, feedID int64, due time.Time, pos domain.Position) error
	RecordAlert(ctx context.Context, feedID int64, reason string, at time.Time) error
}

// Queue is the durable job queue used by the dispatcher
type Queue interface {
	EnqueueIfAbsent(ctx context.Context, feedID int64, due time.Time, kind domain.JobKind) (bool, error)
	NextEligible(ctx context.Context, now time.Time) (*domain.Job, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	MarkSucceeded(ctx context.Context, id string, at time.Time, result domain.JobResult) error
	MarkFailed(ctx context.Context, id string, at time.Time, errMsg string, policy domain.RetryPolicy) (domain.FailOutcome, error)
	Discard(ctx context.Context, id string, at time.Time, reason string) error
	RecoverDispatched(ctx context.Context) ([]*domain.Job, error)
	Requeue(ctx context.Context, id, reason string) error
	RepairDuplicates(ctx context.Context) ([]*domain.Job, error)
	EarliestPending(ctx context.Context) (*time.Time, error)
	LastDispatchTime(ctx context.Context) (*time.Time, error)
	ActiveFeeds(ctx context.Context) (map[int64]bool, error)
	PruneArchive(ctx context.Context, before time.Time) (int64, error)
}

// Fetcher acquires new items of a feed source. The job timeout is passed as the context deadline.
type Fetcher interface {
	Acquire(ctx context.Context, source string, opts domain.AcquireOptions) ([]domain.Item, error)
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// defaults for zero Params values
const (
	defaultMinSpacing  = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultRetryDelay  = 15 * time.Minute
	defaultJobTimeout  = 30 * time.Minute
	defaultMaxIdleWait = 10 * time.Minute
	errorWait          = time.Minute
	pruneInterval      = time.Hour
)

// Params for the dispatcher
type Params struct {
	Registry         Registry
	Queue            Queue
	Fetcher          Fetcher
	Clock            Clock              // real clock if nil
	MinSpacing       time.Duration      // minimal interval between two dispatches
	JobTimeout       time.Duration      // fetch of a single job is force-failed after this
	MaxIdleWait      time.Duration      // longest sleep when nothing is due
	Retry            domain.RetryPolicy // max attempts and delay between them
	BurstPolicy      schedule.BurstPolicy
	Location         *time.Location // time zone of schedule rules, UTC if nil
	ArchiveRetention time.Duration  // archived jobs older than this are removed, 0 keeps them
}

// Status is a snapshot of the dispatcher state
type Status struct {
	LastDispatch *time.Time
	Current      *domain.Job
	NextWake     time.Time
}

// Dispatcher runs due jobs one at a time, spaced by at least MinSpacing
type Dispatcher struct {
	Params
	notify chan struct{}

	// jobs left dispatched because their outcome could not be stored, owned by the dispatch loop
	stranded map[string]bool

	mu           sync.Mutex // guards the fields below, read by Status
	lastDispatch time.Time
	current      *domain.Job
	nextWake     time.Time
	lastPrune    time.Time
}

// NewDispatcher makes a dispatcher, zero params are replaced by defaults
func NewDispatcher(params Params) *Dispatcher {
	if params.Clock == nil {
		params.Clock = realClock{}
	}
	if params.MinSpacing <= 0 {
		params.MinSpacing = defaultMinSpacing
	}
	if params.JobTimeout <= 0 {
		params.JobTimeout = defaultJobTimeout
	}
	if params.MaxIdleWait <= 0 {
		params.MaxIdleWait = defaultMaxIdleWait
	}
	if params.Retry.MaxAttempts <= 0 {
		params.Retry.MaxAttempts = defaultMaxAttempts
	}
	if params.Retry.Delay <= 0 {
		params.Retry.Delay = defaultRetryDelay
	}
	if params.BurstPolicy == "" {
		params.BurstPolicy = schedule.PolicyAbort
	}
	if params.Location == nil {
		params.Location = time.UTC
	}
	return &Dispatcher{Params: params, notify: make(chan struct{}, 1), stranded: map[string]bool{}}
}

// Run recovers the queue state and dispatches jobs until ctx is canceled
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	lgr.Printf("[INFO] dispatcher started, spacing %v, job timeout %v, max attempts %d, retry delay %v, burst policy %s",
		d.MinSpacing, d.JobTimeout, d.Retry.MaxAttempts, d.Retry.Delay, d.BurstPolicy)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		wait, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			lgr.Printf("[INFO] dispatcher stopped")
			return nil
		}
		if err != nil {
			lgr.Printf("[WARN] dispatch failed: %v", err)
			wait = min(errorWait, d.MaxIdleWait)
		}

		d.mu.Lock()
		d.nextWake = d.Clock.Now().Add(wait)
		d.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			lgr.Printf("[INFO] dispatcher stopped")
			return nil
		case <-timer.C:
		case <-d.notify:
			lgr.Printf("[DEBUG] dispatcher woken up")
		}
	}
}

// Notify wakes the dispatcher up, e.g. after a feed was added or a refresh requested.
// Spacing is still honored.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Status returns the current dispatcher state
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := Status{Current: d.current, NextWake: d.nextWake}
	if !d.lastDispatch.IsZero() {
		last := d.lastDispatch
		res.LastDispatch = &last
	}
	return res
}

// Recover prepares the queue after a start: jobs left dispatched by a previous process are
// requeued with unknown outcome, duplicate active jobs are discarded, the last dispatch time is
// restored so spacing holds across restarts, and feeds without a job get one.
func (d *Dispatcher) Recover(ctx context.Context) error {
	recovered, err := d.Queue.RecoverDispatched(ctx)
	if err != nil {
		return fmt.Errorf("requeue dispatched jobs: %w", err)
	}
	for _, j := range recovered {
		lgr.Printf("[WARN] job %s of feed %d was interrupted, %v, requeued with %d attempts",
			j.ID, j.FeedID, domain.ErrUnknownOutcome, j.Attempts)
		RecoveredJobsTotal.WithLabelValues("requeued").Inc()
	}

	discarded, err := d.Queue.RepairDuplicates(ctx)
	if err != nil {
		return fmt.Errorf("repair duplicate jobs: %w", err)
	}
	for _, j := range discarded {
		lgr.Printf("[ERROR] %v: feed %d had more than one active job, discarded job %s scheduled for %s",
			domain.ErrQueueInvariant, j.FeedID, j.ID, j.ScheduledFor.Format(time.RFC3339))
		RecoveredJobsTotal.WithLabelValues("discarded").Inc()
	}

	last, err := d.Queue.LastDispatchTime(ctx)
	if err != nil {
		return fmt.Errorf("restore last dispatch: %w", err)
	}
	if last != nil {
		d.setLastDispatch(*last)
		lgr.Printf("[DEBUG] last dispatch at %s", last.Format(time.RFC3339))
	}

	return d.ensureScheduled(ctx, d.Clock.Now())
}

// RunOnce makes a single dispatch decision and returns how long to wait before the next one.
// At most one job is dispatched per call.
func (d *Dispatcher) RunOnce(ctx context.Context) (time.Duration, error) {
	d.requeueStranded(ctx)

	now := d.Clock.Now()
	if wait := d.spacingLeft(now); wait > 0 {
		return wait, nil
	}

	job, err := d.Queue.NextEligible(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("get next job: %w", err)
	}
	if job == nil {
		if err := d.ensureScheduled(ctx, now); err != nil {
			lgr.Printf("[WARN] can't schedule feeds: %v", err)
		}
		d.pruneArchive(ctx, now)
		return d.idleWait(ctx, now), nil
	}

	if err := d.dispatch(ctx, job, now); err != nil {
		return 0, err
	}
	return d.spacingLeft(d.Clock.Now()), nil
}

// dispatch runs a single job and records its outcome
func (d *Dispatcher) dispatch(ctx context.Context, job *domain.Job, now time.Time) error {
	feed, err := d.Registry.GetFeed(ctx, job.FeedID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !feed.Enabled) {
		lgr.Printf("[INFO] discard job %s, feed %d is gone or disabled", job.ID, job.FeedID)
		JobsFinishedTotal.WithLabelValues("discarded").Inc()
		if err := d.Queue.Discard(ctx, job.ID, now, "feed removed or disabled"); err != nil {
			return fmt.Errorf("discard job %s: %w", job.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get feed %d: %w", job.FeedID, err)
	}

	// dispatched state is durable before the fetcher starts
	if err := d.Queue.MarkDispatched(ctx, job.ID, now); err != nil {
		return fmt.Errorf("mark job %s dispatched: %w", job.ID, err)
	}
	d.setLastDispatch(now)
	d.setCurrent(job)
	defer d.setCurrent(nil)
	JobsDispatchedTotal.WithLabelValues(string(job.Kind)).Inc()

	lgr.Printf("[INFO] dispatch %s job %s for feed %d (%s), attempt %d, scheduled for %s",
		job.Kind, job.ID, feed.ID, feed.Name, job.Attempts+1, job.ScheduledFor.Format(time.RFC3339))
	started := time.Now()
	items, fetchErr := d.fetch(ctx, feed)
	FetchDuration.Observe(time.Since(started).Seconds())

	if ctx.Err() != nil {
		// shutdown, the job stays dispatched and is requeued by the next recovery
		lgr.Printf("[WARN] job %s for feed %d interrupted by shutdown", job.ID, feed.ID)
		JobsFinishedTotal.WithLabelValues("interrupted").Inc()
		return ctx.Err()
	}

	// the feed may have been edited while the fetch was running
	fresh, err := d.Registry.GetFeed(ctx, feed.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lgr.Printf("[INFO] feed %d removed while job %s was running", feed.ID, job.ID)
			return nil
		}
		return fmt.Errorf("reload feed %d: %w", feed.ID, err)
	}

	finished := d.Clock.Now()
	if fetchErr != nil {
		d.onFailure(ctx, job, fresh, finished, fetchErr)
		return nil
	}
	d.onSuccess(ctx, job, fresh, finished, items)
	return nil
}

// fetch calls the fetcher with the job timeout. The call runs in its own goroutine, so a fetcher
// ignoring its context is abandoned and the job force-failed once the deadline passes.
func (d *Dispatcher) fetch(ctx context.Context, feed *domain.Feed) ([]domain.Item, error) {
	fctx, cancel := context.WithTimeout(ctx, d.JobTimeout)
	defer cancel()

	type result struct {
		items []domain.Item
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		items, err := d.Fetcher.Acquire(fctx, feed.Source, feed.Options)
		resCh <- result{items: items, err: err}
	}()

	select {
	case res := <-resCh:
		switch {
		case res.err == nil:
			return res.items, nil
		case errors.Is(res.err, domain.ErrFetchTimeout):
			return nil, res.err
		case errors.Is(fctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %w: %v", domain.ErrFetchFailure, domain.ErrFetchTimeout, res.err)
		case errors.Is(res.err, domain.ErrFetchFailure):
			return nil, res.err
		default:
			return nil, fmt.Errorf("%w: %v", domain.ErrFetchFailure, res.err)
		}
	case <-fctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w: no result after %v", domain.ErrFetchFailure, domain.ErrFetchTimeout, d.JobTimeout)
	}
}

func (d *Dispatcher) onSuccess(ctx context.Context, job *domain.Job, feed *domain.Feed, at time.Time, items []domain.Item) {
	fresh, err := d.Registry.FilterNewEpisodes(ctx, feed.ID, items)
	if err != nil {
		d.onFailure(ctx, job, feed, at, fmt.Errorf("filter new episodes: %w", err))
		return
	}

	// the job is finished before the feed moves on. If the feed update is lost the feed keeps its
	// due time and position, and the same slot runs again.
	if err := d.Queue.MarkSucceeded(ctx, job.ID, at, domain.JobResult{Items: len(items), NewItems: len(fresh)}); err != nil {
		d.strand(ctx, job, fmt.Errorf("mark succeeded: %w", err))
		return
	}
	JobsFinishedTotal.WithLabelValues("succeeded").Inc()

	nextDue, pos := d.nextAfterRun(feed, job, at, len(fresh) > 0)
	outcome := domain.RunOutcome{Success: true, At: at, Episodes: fresh, NextDue: nextDue, Position: pos}
	if err := d.Registry.RecordRunOutcome(ctx, feed.ID, outcome); err != nil {
		lgr.Printf("[ERROR] can't record run of feed %d, the run will be repeated: %v", feed.ID, err)
		return
	}
	NewEpisodesTotal.Add(float64(len(fresh)))
	lgr.Printf("[INFO] job %s for feed %d done, %d items, %d new, next due %s",
		job.ID, feed.ID, len(items), len(fresh), formatDue(nextDue))

	d.enqueueNext(ctx, feed.ID, nextDue)
}

func (d *Dispatcher) onFailure(ctx context.Context, job *domain.Job, feed *domain.Feed, at time.Time, fetchErr error) {
	res, err := d.Queue.MarkFailed(ctx, job.ID, at, fetchErr.Error(), d.Retry)
	if err != nil {
		d.strand(ctx, job, fmt.Errorf("mark failed: %w", err))
		return
	}

	if !res.Exhausted {
		JobsFinishedTotal.WithLabelValues("failed").Inc()
		lgr.Printf("[WARN] job %s for feed %d failed, attempt %d of %d, retry at %s: %v",
			job.ID, feed.ID, res.Attempts, d.Retry.MaxAttempts, res.Retry.ScheduledFor.Format(time.RFC3339), fetchErr)
		// schedule and position stay, the retry job replaces the failed one
		outcome := domain.RunOutcome{At: at, Error: fetchErr.Error(), Position: feed.Position}
		if feed.NextDue != nil {
			outcome.NextDue = *feed.NextDue
		}
		if err := d.Registry.RecordRunOutcome(ctx, feed.ID, outcome); err != nil {
			lgr.Printf("[WARN] can't record failed run of feed %d: %v", feed.ID, err)
		}
		return
	}

	JobsFinishedTotal.WithLabelValues("exhausted").Inc()
	AlertsTotal.Inc()
	reason := fmt.Sprintf("%d attempts failed, last error: %v", res.Attempts, fetchErr)
	lgr.Printf("[ERROR] feed %d (%s) alert: %s", feed.ID, feed.Name, reason)
	if err := d.Registry.RecordAlert(ctx, feed.ID, reason, at); err != nil {
		lgr.Printf("[ERROR] can't record alert for feed %d: %v", feed.ID, err)
	}

	nextDue, pos := d.nextAfterRun(feed, job, at, false)
	outcome := domain.RunOutcome{At: at, Error: fetchErr.Error(), NextDue: nextDue, Position: pos}
	if err := d.Registry.RecordRunOutcome(ctx, feed.ID, outcome); err != nil {
		lgr.Printf("[ERROR] can't record exhausted run of feed %d: %v", feed.ID, err)
		return
	}
	d.enqueueNext(ctx, feed.ID, nextDue)
}

// nextAfterRun returns the next natural due time and the position after it. Scheduled runs move
// the cycle forward, manual runs keep the natural schedule unless it is already in the past.
// Feeds without a rule get a zero time.
func (d *Dispatcher) nextAfterRun(feed *domain.Feed, job *domain.Job, at time.Time, foundNew bool) (time.Time, domain.Position) {
	if feed.Rule == nil {
		return time.Time{}, domain.BasePosition()
	}

	// never resolve to the fire this job was scheduled for
	from := at
	if !from.After(job.ScheduledFor) {
		from = job.ScheduledFor.Add(time.Second)
	}
	from = from.In(d.Location)

	pos := feed.Position
	if job.Kind == domain.JobManual {
		if feed.NextDue != nil && feed.NextDue.After(at) {
			return *feed.NextDue, feed.Position
		}
	} else {
		pos = schedule.AfterRun(pos, foundNew, d.BurstPolicy)
	}

	due, next, err := schedule.NextDue(*feed.Rule, from, pos)
	if err != nil {
		lgr.Printf("[ERROR] can't calculate next due for feed %d: %v", feed.ID, err)
		return time.Time{}, domain.BasePosition()
	}
	return due, next
}

// strand remembers a job whose outcome could not be stored and tries to requeue it right away.
// Requeue is retried on every iteration until it succeeds.
func (d *Dispatcher) strand(ctx context.Context, job *domain.Job, err error) {
	lgr.Printf("[ERROR] can't store outcome of job %s for feed %d: %v", job.ID, job.FeedID, err)
	d.stranded[job.ID] = true
	d.requeueStranded(ctx)
}

// requeueStranded returns stranded jobs to pending, attempts unchanged
func (d *Dispatcher) requeueStranded(ctx context.Context) {
	for id := range d.stranded {
		err := d.Queue.Requeue(ctx, id, "outcome not stored, requeued")
		switch {
		case err == nil:
			lgr.Printf("[WARN] job %s requeued, its outcome was not stored", id)
			RecoveredJobsTotal.WithLabelValues("requeued").Inc()
		case errors.Is(err, domain.ErrNotFound):
			// finished or recovered meanwhile
		default:
			lgr.Printf("[WARN] can't requeue job %s, will retry: %v", id, err)
			continue
		}
		delete(d.stranded, id)
	}
}

func (d *Dispatcher) enqueueNext(ctx context.Context, feedID int64, due time.Time) {
	if due.IsZero() {
		return
	}
	if _, err := d.Queue.EnqueueIfAbsent(ctx, feedID, due, domain.JobScheduled); err != nil {
		// the registry keeps next due, the job is recreated on the next idle pass
		lgr.Printf("[WARN] can't enqueue next job for feed %d: %v", feedID, err)
	}
}

// ensureScheduled gives every enabled scheduled feed without an active job a pending job
func (d *Dispatcher) ensureScheduled(ctx context.Context, now time.Time) error {
	feeds, err := d.Registry.ListFeeds(ctx, true)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	active, err := d.Queue.ActiveFeeds(ctx)
	if err != nil {
		return fmt.Errorf("get active feeds: %w", err)
	}

	var errs []error
	for _, f := range feeds {
		if f.Rule == nil || active[f.ID] {
			continue
		}
		due := f.NextDue
		if due == nil {
			next, pos, err := schedule.NextDue(*f.Rule, now.In(d.Location), f.Position)
			if err != nil {
				errs = append(errs, fmt.Errorf("feed %d: %w", f.ID, err))
				continue
			}
			if err := d.Registry.ScheduleFeed(ctx, f.ID, next, pos); err != nil {
				errs = append(errs, fmt.Errorf("schedule feed %d: %w", f.ID, err))
				continue
			}
			due = &next
		}
		added, err := d.Queue.EnqueueIfAbsent(ctx, f.ID, *due, domain.JobScheduled)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue feed %d: %w", f.ID, err))
			continue
		}
		if added {
			lgr.Printf("[DEBUG] feed %d (%s) scheduled for %s", f.ID, f.Name, due.Format(time.RFC3339))
		}
	}
	return errors.Join(errs...)
}

// idleWait returns the time until the earliest pending job or registry due time, capped by MaxIdleWait
func (d *Dispatcher) idleWait(ctx context.Context, now time.Time) time.Duration {
	wake := now.Add(d.MaxIdleWait)
	if t, err := d.Queue.EarliestPending(ctx); err != nil {
		lgr.Printf("[WARN] can't get earliest pending job: %v", err)
	} else if t != nil && t.Before(wake) {
		wake = *t
	}

	// registry due times matter for feeds without a job only, a feed waiting for a retry
	// keeps the due time of the failed run
	feeds, err := d.Registry.ListFeedsDueBefore(ctx, wake)
	if err != nil {
		lgr.Printf("[WARN] can't get due feeds: %v", err)
	}
	active := map[int64]bool{}
	if len(feeds) > 0 {
		if active, err = d.Queue.ActiveFeeds(ctx); err != nil {
			lgr.Printf("[WARN] can't get active feeds: %v", err)
		}
	}
	for _, f := range feeds {
		if f.NextDue != nil && f.NextDue.Before(wake) && !active[f.ID] {
			wake = *f.NextDue
		}
	}

	if wait := wake.Sub(now); wait > 0 {
		return wait
	}
	return time.Second
}

// spacingLeft returns how long to wait until the next dispatch is allowed
func (d *Dispatcher) spacingLeft(now time.Time) time.Duration {
	d.mu.Lock()
	last := d.lastDispatch
	d.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= d.MinSpacing {
		return 0
	}
	if elapsed < 0 {
		return d.MinSpacing // clock moved backwards
	}
	return d.MinSpacing - elapsed
}

func (d *Dispatcher) pruneArchive(ctx context.Context, now time.Time) {
	if d.ArchiveRetention <= 0 || now.Sub(d.lastPrune) < pruneInterval {
		return
	}
	d.lastPrune = now
	n, err := d.Queue.PruneArchive(ctx, now.Add(-d.ArchiveRetention))
	if err != nil {
		lgr.Printf("[WARN] can't prune job archive: %v", err)
		return
	}
	if n > 0 {
		lgr.Printf("[INFO] pruned %d archived jobs", n)
	}
}

func (d *Dispatcher) setLastDispatch(t time.Time) {
	d.mu.Lock()
	d.lastDispatch = t
	d.mu.Unlock()
	LastDispatchTimestamp.Set(float64(t.Unix()))
}

func (d *Dispatcher) setCurrent(job *domain.Job) {
	d.mu.Lock()
	d.current = job
	d.mu.Unlock()
}

func formatDue(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
