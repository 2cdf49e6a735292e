package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/umputun/feedmirror/pkg/config"
	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/schedule"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	previewSize      = 5
)

type feedResponse struct {
	ID            int64                 `json:"id"`
	Name          string                `json:"name"`
	Source        string                `json:"source"`
	Schedule      string                `json:"schedule,omitempty"`
	Offsets       []string              `json:"offsets,omitempty"`
	Enabled       bool                  `json:"enabled"`
	Options       domain.AcquireOptions `json:"options"`
	LastSuccessAt *time.Time            `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time            `json:"last_attempt_at,omitempty"`
	NextDue       *time.Time            `json:"next_due,omitempty"`
	Burst         int                   `json:"burst"`
	LastError     string                `json:"last_error,omitempty"`
	Alert         *alertResponse        `json:"alert,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	ActiveJob     *jobResponse          `json:"active_job,omitempty"`
	Upcoming      []time.Time           `json:"upcoming,omitempty"`
	RSS           string                `json:"rss,omitempty"`
}

type alertResponse struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type jobResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Items        int        `json:"items"`
	NewItems     int        `json:"new_items"`
}

type episodeResponse struct {
	ID          int64     `json:"id"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	MediaURL    string    `json:"media_url,omitempty"`
	MediaType   string    `json:"media_type,omitempty"`
	Size        int64     `json:"size"`
	Duration    string    `json:"duration,omitempty"`
	Published   time.Time `json:"published"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// listFeedsHandler returns all feeds with their active jobs
func (s *Server) listFeedsHandler(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.Feeds.ListFeeds(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		log.Printf("[ERROR] failed to list feeds: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	res := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		resp := s.toFeedResponse(f)
		if job, err := s.Jobs.ActiveJob(r.Context(), f.ID); err == nil {
			resp.ActiveJob = toJobResponse(job)
		}
		res = append(res, resp)
	}
	renderJSON(w, r, http.StatusOK, res)
}

// getFeedHandler returns a feed with its active job and the upcoming due times
func (s *Server) getFeedHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	resp := s.toFeedResponse(f)
	if job, err := s.Jobs.ActiveJob(r.Context(), f.ID); err == nil {
		resp.ActiveJob = toJobResponse(job)
	}
	upcoming, err := s.upcoming(f)
	if err != nil {
		log.Printf("[WARN] can't preview schedule of feed %d: %v", f.ID, err)
	}
	resp.Upcoming = upcoming
	renderJSON(w, r, http.StatusOK, resp)
}

// createFeedHandler adds a feed and wakes the dispatcher up to schedule it
func (s *Server) createFeedHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.decodeFeed(w, r)
	if !ok {
		return
	}
	if err := s.Feeds.CreateFeed(r.Context(), f); err != nil {
		log.Printf("[WARN] failed to create feed %q: %v", f.Name, err)
		renderError(w, r, err, statusFor(err))
		return
	}
	log.Printf("[INFO] feed %d (%s) created", f.ID, f.Name)
	s.Dispatcher.Notify()
	renderJSON(w, r, http.StatusCreated, s.toFeedResponse(f))
}

// updateFeedHandler changes a feed definition. A changed rule or a disabled feed drops the pending job,
// the dispatcher schedules a new one.
func (s *Server) updateFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := feedID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	f, ok := s.decodeFeed(w, r)
	if !ok {
		return
	}
	f.ID = id

	rescheduled, err := s.Feeds.UpdateFeed(r.Context(), f)
	if err != nil {
		log.Printf("[WARN] failed to update feed %d: %v", id, err)
		renderError(w, r, err, statusFor(err))
		return
	}
	if rescheduled || !f.Enabled {
		cancelled, err := s.Jobs.CancelPending(r.Context(), id, time.Now())
		if err != nil {
			log.Printf("[ERROR] failed to cancel pending job of feed %d: %v", id, err)
			renderError(w, r, err, http.StatusInternalServerError)
			return
		}
		if cancelled {
			log.Printf("[INFO] pending job of feed %d cancelled", id)
		}
	}
	s.Dispatcher.Notify()

	updated, err := s.Feeds.GetFeed(r.Context(), id)
	if err != nil {
		renderError(w, r, err, statusFor(err))
		return
	}
	renderJSON(w, r, http.StatusOK, s.toFeedResponse(updated))
}

// deleteFeedHandler removes a feed with its episodes and jobs
func (s *Server) deleteFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := feedID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := s.Feeds.DeleteFeed(r.Context(), id); err != nil {
		renderError(w, r, err, statusFor(err))
		return
	}
	log.Printf("[INFO] feed %d deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// refreshFeedHandler requests an out-of-schedule run. The pending job becomes a manual one due now,
// or a manual job is added. The run still honors the dispatch spacing.
func (s *Server) refreshFeedHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	if !f.Enabled {
		renderError(w, r, fmt.Errorf("feed %d is disabled", f.ID), http.StatusConflict)
		return
	}

	now := time.Now()
	active, err := s.Jobs.Expedite(r.Context(), f.ID, now)
	if err != nil {
		log.Printf("[ERROR] failed to expedite feed %d: %v", f.ID, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	if !active {
		if _, err := s.Jobs.EnqueueIfAbsent(r.Context(), f.ID, now, domain.JobManual); err != nil {
			log.Printf("[ERROR] failed to enqueue refresh of feed %d: %v", f.ID, err)
			renderError(w, r, err, http.StatusInternalServerError)
			return
		}
	}
	log.Printf("[INFO] refresh of feed %d (%s) requested", f.ID, f.Name)
	s.Dispatcher.Notify()

	job, err := s.Jobs.ActiveJob(r.Context(), f.ID)
	if err != nil {
		renderError(w, r, err, statusFor(err))
		return
	}
	renderJSON(w, r, http.StatusAccepted, toJobResponse(job))
}

// feedJobsHandler returns the active and recent jobs of a feed
func (s *Server) feedJobsHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	jobs, err := s.Jobs.ListJobs(r.Context(), f.ID, listLimit(r))
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	res := make([]*jobResponse, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, toJobResponse(j))
	}
	renderJSON(w, r, http.StatusOK, res)
}

// feedEpisodesHandler returns stored episodes of a feed, newest first
func (s *Server) feedEpisodesHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}
	episodes, err := s.Feeds.ListEpisodes(r.Context(), f.ID, listLimit(r))
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	res := make([]episodeResponse, 0, len(episodes))
	for _, ep := range episodes {
		resp := episodeResponse{
			ID:          ep.ID,
			SourceID:    ep.SourceID,
			Title:       ep.Title,
			Link:        ep.Link,
			MediaType:   ep.MediaType,
			Size:        ep.Size,
			Published:   ep.Published,
			CreatedAt:   ep.CreatedAt,
			Description: ep.Description,
		}
		if ep.MediaPath != "" {
			resp.MediaURL = s.generator.MediaURL(ep.MediaPath)
		}
		if ep.Duration > 0 {
			resp.Duration = ep.Duration.String()
		}
		res = append(res, resp)
	}
	renderJSON(w, r, http.StatusOK, res)
}

// sponsorCategoriesHandler lists SponsorBlock categories accepted in feed options
func (s *Server) sponsorCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	type category struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	res := make([]category, 0, len(domain.SponsorCategories))
	for name, descr := range domain.SponsorCategories {
		res = append(res, category{Name: name, Description: descr})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	renderJSON(w, r, http.StatusOK, res)
}

// schedulePreviewHandler validates a rule and lists its next due times, e.g. ?base=@daily&offsets=1h,2h&n=5
func (s *Server) schedulePreviewHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var offsets []string
	if v := q.Get("offsets"); v != "" {
		offsets = strings.Split(v, ",")
	}
	rule, err := schedule.ParseRule(q.Get("base"), offsets...)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	n := previewSize
	if v, err := strconv.Atoi(q.Get("n")); err == nil && v > 0 && v <= 100 {
		n = v
	}
	res, err := schedule.Preview(rule, time.Now().In(s.Location), domain.BasePosition(), n)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, res)
}

// decodeFeed reads and validates a feed definition from the request body
func (s *Server) decodeFeed(w http.ResponseWriter, r *http.Request) (*domain.Feed, bool) {
	var req config.FeedConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return nil, false
	}
	if err := s.validate.Struct(req); err != nil {
		renderError(w, r, fmt.Errorf("invalid feed: %w", err), http.StatusBadRequest)
		return nil, false
	}
	f, err := req.Feed()
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return nil, false
	}
	return f, true
}

// loadFeed gets the feed referenced by the {id} path value, renders the error if it fails
func (s *Server) loadFeed(w http.ResponseWriter, r *http.Request) (*domain.Feed, bool) {
	id, err := feedID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return nil, false
	}
	f, err := s.Feeds.GetFeed(r.Context(), id)
	if err != nil {
		renderError(w, r, err, statusFor(err))
		return nil, false
	}
	return f, true
}

// upcoming returns the next due times of a scheduled feed assuming no run finds anything new
func (s *Server) upcoming(f *domain.Feed) ([]time.Time, error) {
	if f.Rule == nil || !f.Enabled {
		return nil, nil
	}
	if f.NextDue == nil {
		return schedule.Preview(*f.Rule, time.Now().In(s.Location), f.Position, previewSize)
	}
	next, err := schedule.Preview(*f.Rule, f.NextDue.Add(time.Second).In(s.Location), f.Position, previewSize-1)
	if err != nil {
		return nil, err
	}
	return append([]time.Time{f.NextDue.In(s.Location)}, next...), nil
}

func (s *Server) toFeedResponse(f *domain.Feed) feedResponse {
	res := feedResponse{
		ID:            f.ID,
		Name:          f.Name,
		Source:        f.Source,
		Enabled:       f.Enabled,
		Options:       f.Options,
		LastSuccessAt: f.LastSuccessAt,
		LastAttemptAt: f.LastAttemptAt,
		NextDue:       f.NextDue,
		Burst:         f.Position.Burst,
		LastError:     f.LastError,
		CreatedAt:     f.CreatedAt,
	}
	if f.Rule != nil {
		res.Schedule = f.Rule.Base
		for _, o := range f.Rule.Offsets {
			res.Offsets = append(res.Offsets, o.String())
		}
	}
	if f.Alert != nil {
		res.Alert = &alertResponse{Reason: f.Alert.Reason, At: f.Alert.At}
	}
	if s.ServeMedia {
		res.RSS = s.generator.FeedURL(f.ID)
	}
	return res
}

func toJobResponse(j *domain.Job) *jobResponse {
	return &jobResponse{
		ID:           j.ID,
		Kind:         string(j.Kind),
		State:        string(j.State),
		ScheduledFor: j.ScheduledFor,
		Attempts:     j.Attempts,
		LastError:    j.LastError,
		DispatchedAt: j.DispatchedAt,
		FinishedAt:   j.FinishedAt,
		Items:        j.Items,
		NewItems:     j.NewItems,
	}
}

func feedID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid feed ID %q", r.PathValue("id"))
	}
	return id, nil
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxListLimit)
	}
	return limit
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidFeed), errors.Is(err, domain.ErrScheduleRuleInvalid):
		return http.StatusBadRequest
	case isConstraintError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// isConstraintError detects unique constraint violations, e.g. a duplicate feed name
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
