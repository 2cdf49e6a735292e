// Package server provides the HTTP management API, republished feeds, media files and metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/feed"
	"github.com/umputun/feedmirror/pkg/scheduler"
)

//go:generate moq -out mocks/dispatcher.go -pkg mocks -skip-ensure -fmt goimports . Dispatcher

// Server represents HTTP server instance
type Server struct {
	Params
	generator *feed.Generator
	validate  *validator.Validate

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Params for the server
type Params struct {
	Feeds      FeedStore
	Jobs       JobStore
	Dispatcher Dispatcher
	Gatherer   prometheus.Gatherer // metrics source, default gatherer if nil
	Listen     string
	Timeout    time.Duration
	BaseURL    string
	MediaDir   string
	ServeMedia bool           // serve republished feeds and media files
	Location   *time.Location // time zone of schedule previews
	Version    string
	Debug      bool
}

// FeedStore is the feed registry used by the API
type FeedStore interface {
	CreateFeed(ctx context.Context, feed *domain.Feed) error
	UpdateFeed(ctx context.Context, feed *domain.Feed) (rescheduled bool, err error)
	DeleteFeed(ctx context.Context, id int64) error
	GetFeed(ctx context.Context, id int64) (*domain.Feed, error)
	ListFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error)
	ListEpisodes(ctx context.Context, feedID int64, limit int) ([]*domain.Episode, error)
}

// JobStore is the job queue used by the API
type JobStore interface {
	EnqueueIfAbsent(ctx context.Context, feedID int64, due time.Time, kind domain.JobKind) (bool, error)
	Expedite(ctx context.Context, feedID int64, at time.Time) (bool, error)
	CancelPending(ctx context.Context, feedID int64, at time.Time) (bool, error)
	ActiveJob(ctx context.Context, feedID int64) (*domain.Job, error)
	ListJobs(ctx context.Context, feedID int64, limit int) ([]*domain.Job, error)
}

// Dispatcher is woken up on feed changes and reports its state
type Dispatcher interface {
	Notify()
	Status() scheduler.Status
}

// New initializes a new server instance
func New(params Params) *Server {
	if params.Timeout <= 0 {
		params.Timeout = 30 * time.Second
	}
	if params.Location == nil {
		params.Location = time.UTC
	}
	if params.Gatherer == nil {
		params.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		Params:    params,
		generator: feed.NewGenerator(params.BaseURL),
		validate:  validator.New(),
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[INFO] starting server on %s", s.Listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:              s.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: s.Timeout,
		ReadTimeout:       s.Timeout,
		// media downloads can be large, write timeout is not applied
		IdleTimeout: s.Timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.lock.Lock()
		defer s.lock.Unlock()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("feedmirror", "umputun", s.Version))
	s.router.Use(rest.Ping)

	if s.Debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("GET /sponsorblock/categories", s.sponsorCategoriesHandler)
		r.HandleFunc("GET /schedule/preview", s.schedulePreviewHandler)

		r.HandleFunc("GET /feeds", s.listFeedsHandler)
		r.HandleFunc("POST /feeds", s.createFeedHandler)
		r.HandleFunc("GET /feeds/{id}", s.getFeedHandler)
		r.HandleFunc("PUT /feeds/{id}", s.updateFeedHandler)
		r.HandleFunc("DELETE /feeds/{id}", s.deleteFeedHandler)
		r.HandleFunc("POST /feeds/{id}/refresh", s.refreshFeedHandler)
		r.HandleFunc("GET /feeds/{id}/jobs", s.feedJobsHandler)
		r.HandleFunc("GET /feeds/{id}/episodes", s.feedEpisodesHandler)
	})

	s.router.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	if s.ServeMedia {
		s.router.HandleFunc("GET /feeds/{id}/rss", s.rssHandler)
		s.router.HandleFunc("GET /feeds.opml", s.opmlHandler)
		s.router.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.MediaDir))))
	}
}

// statusHandler returns server and dispatcher status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.Dispatcher.Status()
	status := map[string]any{
		"status":        "ok",
		"version":       s.Version,
		"time":          time.Now().UTC(),
		"last_dispatch": st.LastDispatch,
	}
	if !st.NextWake.IsZero() {
		status["next_wake"] = st.NextWake.UTC()
	}
	if st.Current != nil {
		status["current_job"] = toJobResponse(st.Current)
	}
	renderJSON(w, r, http.StatusOK, status)
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
