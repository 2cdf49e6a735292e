package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/schedule"
)

// FeedRepository is the feed registry. It keeps feed definitions, run bookkeeping
// (timestamps, next due, cycle position, alerts) and stored episodes.
type FeedRepository struct {
	db *sqlx.DB
	mu *sync.Mutex
}

// feedSQL represents a feed for SQL operations
type feedSQL struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	Source          string         `db:"source"`
	ScheduleBase    sql.NullString `db:"schedule_base"`
	ScheduleOffsets offsetsSQL     `db:"schedule_offsets"`
	Options         optionsSQL     `db:"options"`
	Enabled         bool           `db:"enabled"`
	LastSuccessAt   *time.Time     `db:"last_success_at"`
	LastAttemptAt   *time.Time     `db:"last_attempt_at"`
	NextDue         *time.Time     `db:"next_due"`
	Burst           int            `db:"burst"`
	Anchor          *time.Time     `db:"anchor"`
	LastError       string         `db:"last_error"`
	AlertReason     string         `db:"alert_reason"`
	AlertAt         *time.Time     `db:"alert_at"`
	CreatedAt       time.Time      `db:"created_at"`
}

// episodeSQL represents an episode for SQL operations
type episodeSQL struct {
	ID          int64     `db:"id"`
	FeedID      int64     `db:"feed_id"`
	SourceID    string    `db:"source_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Link        string    `db:"link"`
	Author      string    `db:"author"`
	MediaPath   string    `db:"media_path"`
	MediaType   string    `db:"media_type"`
	Size        int64     `db:"size"`
	Duration    int64     `db:"duration"`
	Published   time.Time `db:"published"`
	CreatedAt   time.Time `db:"created_at"`
}

// offsetsSQL is a JSON array of duration strings, e.g. ["1h0m0s","2h0m0s"]
type offsetsSQL []time.Duration

// Value implements driver.Valuer for database storage
func (o offsetsSQL) Value() (driver.Value, error) {
	res := make([]string, 0, len(o))
	for _, d := range o {
		res = append(res, d.String())
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database retrieval
func (o *offsetsSQL) Scan(value any) error {
	*o = nil
	data, ok := scanBytes(value)
	if !ok {
		return nil
	}
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return fmt.Errorf("unmarshal offsets: %w", err)
	}
	for _, s := range strs {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse offset %q: %w", s, err)
		}
		*o = append(*o, d)
	}
	return nil
}

// optionsSQL stores acquisition options as a JSON object
type optionsSQL domain.AcquireOptions

// Value implements driver.Valuer for database storage
func (o optionsSQL) Value() (driver.Value, error) {
	data, err := json.Marshal(domain.AcquireOptions(o))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database retrieval
func (o *optionsSQL) Scan(value any) error {
	*o = optionsSQL{}
	data, ok := scanBytes(value)
	if !ok {
		return nil
	}
	var opts domain.AcquireOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return fmt.Errorf("unmarshal options: %w", err)
	}
	*o = optionsSQL(opts)
	return nil
}

func scanBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, len(v) > 0
	case string:
		return []byte(v), v != ""
	default:
		return nil, false
	}
}

// NewFeedRepository creates a new feed repository, mu guards all writes
func NewFeedRepository(database *sqlx.DB, mu *sync.Mutex) *FeedRepository {
	return &FeedRepository{db: database, mu: mu}
}

// CreateFeed validates and inserts a new feed. The feed starts awaiting its first base fire.
func (r *FeedRepository) CreateFeed(ctx context.Context, feed *domain.Feed) error {
	if err := r.prepare(feed); err != nil {
		return err
	}
	feed.Position = domain.BasePosition()
	feed.NextDue = nil
	feed.CreatedAt = time.Now().UTC()

	sqlFeed := r.fromDomainFeed(feed)
	query := `
		INSERT INTO feeds (name, source, schedule_base, schedule_offsets, options, enabled, burst, created_at)
		VALUES (:name, :source, :schedule_base, :schedule_offsets, :options, :enabled, :burst, :created_at)
	`

	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		result, err := r.db.NamedExecContext(ctx, query, sqlFeed)
		if err != nil {
			return fmt.Errorf("create feed: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get insert id: %w", err)
		}
		feed.ID = id
		return nil
	})
}

// UpdateFeed changes the definition of an existing feed: name, source, rule, options and enabled flag.
// Run bookkeeping is kept, except when the rule changed or the feed was re-enabled: then the cycle
// position and next due are reset and rescheduled reports true.
func (r *FeedRepository) UpdateFeed(ctx context.Context, feed *domain.Feed) (rescheduled bool, err error) {
	if err := r.prepare(feed); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err = withRetry(ctx, func() error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var current feedSQL
			if err := tx.GetContext(ctx, &current, "SELECT * FROM feeds WHERE id = ?", feed.ID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("update feed %d: %w", feed.ID, domain.ErrNotFound)
				}
				return fmt.Errorf("get feed: %w", err)
			}

			upd := r.fromDomainFeed(feed)
			rescheduled = current.ScheduleBase != upd.ScheduleBase ||
				!slices.Equal(current.ScheduleOffsets, upd.ScheduleOffsets) ||
				(!current.Enabled && upd.Enabled)

			query := `
				UPDATE feeds
				SET name = :name, source = :source, schedule_base = :schedule_base,
				    schedule_offsets = :schedule_offsets, options = :options, enabled = :enabled
				WHERE id = :id
			`
			if rescheduled {
				query = `
					UPDATE feeds
					SET name = :name, source = :source, schedule_base = :schedule_base,
					    schedule_offsets = :schedule_offsets, options = :options, enabled = :enabled,
					    next_due = NULL, burst = -1, anchor = NULL
					WHERE id = :id
				`
			}
			if _, err := tx.NamedExecContext(ctx, query, upd); err != nil {
				return fmt.Errorf("update feed: %w", err)
			}
			return nil
		})
	})
	return rescheduled, err
}

// DeleteFeed removes a feed, its episodes and jobs
func (r *FeedRepository) DeleteFeed(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete feed: %w", err)
		}
		return expectAffected(res, fmt.Sprintf("delete feed %d", id))
	})
}

// GetFeed retrieves a feed by ID
func (r *FeedRepository) GetFeed(ctx context.Context, id int64) (*domain.Feed, error) {
	var sqlFeed feedSQL
	err := r.db.GetContext(ctx, &sqlFeed, "SELECT * FROM feeds WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get feed %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return r.toDomainFeed(&sqlFeed), nil
}

// ListFeeds retrieves feeds ordered by id, optionally only enabled ones
func (r *FeedRepository) ListFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error) {
	query := "SELECT * FROM feeds"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	var sqlFeeds []feedSQL
	if err := r.db.SelectContext(ctx, &sqlFeeds, query); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return r.toDomainFeeds(sqlFeeds), nil
}

// ListFeedsDueBefore returns enabled scheduled feeds with next due at or before t, earliest first
func (r *FeedRepository) ListFeedsDueBefore(ctx context.Context, t time.Time) ([]*domain.Feed, error) {
	query := `
		SELECT * FROM feeds
		WHERE enabled = 1
		AND schedule_base IS NOT NULL
		AND next_due IS NOT NULL AND next_due <= ?
		ORDER BY next_due, id
	`
	var sqlFeeds []feedSQL
	if err := r.db.SelectContext(ctx, &sqlFeeds, query, t.UTC()); err != nil {
		return nil, fmt.Errorf("list feeds due: %w", err)
	}
	return r.toDomainFeeds(sqlFeeds), nil
}

// FilterNewEpisodes returns items not stored for the feed yet, keeping their order.
// Duplicates within items are reported once.
func (r *FeedRepository) FilterNewEpisodes(ctx context.Context, feedID int64, items []domain.Item) ([]domain.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.SourceID)
	}

	query, args, err := sqlx.In("SELECT source_id FROM episodes WHERE feed_id = ? AND source_id IN (?)", feedID, ids)
	if err != nil {
		return nil, fmt.Errorf("build episodes query: %w", err)
	}
	var existing []string
	if err := r.db.SelectContext(ctx, &existing, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get existing episodes: %w", err)
	}

	seen := make(map[string]bool, len(existing)+len(items))
	for _, id := range existing {
		seen[id] = true
	}
	var res []domain.Item
	for _, it := range items {
		if seen[it.SourceID] {
			continue
		}
		seen[it.SourceID] = true
		res = append(res, it)
	}
	return res, nil
}

// RecordRunOutcome folds a finished run into the feed in one transaction: stores new episodes,
// updates run timestamps, last error, next due and the cycle position. A successful run clears the alert.
func (r *FeedRepository) RecordRunOutcome(ctx context.Context, feedID int64, outcome domain.RunOutcome) error {
	at := outcome.At.UTC()
	nextDue, anchor := timePtr(outcome.NextDue), anchorPtr(outcome.Position)

	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			query := `
				UPDATE feeds
				SET last_attempt_at = ?, last_error = ?, next_due = ?, burst = ?, anchor = ?
				WHERE id = ?
			`
			args := []any{at, outcome.Error, nextDue, outcome.Position.Burst, anchor, feedID}
			if outcome.Success {
				query = `
					UPDATE feeds
					SET last_attempt_at = ?, last_error = ?, next_due = ?, burst = ?, anchor = ?,
					    last_success_at = ?, alert_reason = '', alert_at = NULL
					WHERE id = ?
				`
				args = []any{at, "", nextDue, outcome.Position.Burst, anchor, at, feedID}
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("update feed run: %w", err)
			}
			if err := expectAffected(res, fmt.Sprintf("record run of feed %d", feedID)); err != nil {
				return err
			}

			for _, it := range outcome.Episodes {
				ep := fromDomainItem(feedID, it, at)
				_, err := tx.NamedExecContext(ctx, `
					INSERT OR IGNORE INTO episodes (feed_id, source_id, title, description, link, author,
						media_path, media_type, size, duration, published, created_at)
					VALUES (:feed_id, :source_id, :title, :description, :link, :author,
						:media_path, :media_type, :size, :duration, :published, :created_at)
				`, ep)
				if err != nil {
					return fmt.Errorf("insert episode %s: %w", it.SourceID, err)
				}
			}
			return nil
		})
	})
}

// ScheduleFeed stores the next due time and the position the feed moves to after that run.
// A zero due clears the schedule.
func (r *FeedRepository) ScheduleFeed(ctx context.Context, feedID int64, due time.Time, pos domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, "UPDATE feeds SET next_due = ?, burst = ?, anchor = ? WHERE id = ?",
			timePtr(due), pos.Burst, anchorPtr(pos), feedID)
		if err != nil {
			return fmt.Errorf("schedule feed: %w", err)
		}
		return expectAffected(res, fmt.Sprintf("schedule feed %d", feedID))
	})
}

// RecordAlert raises an alert on the feed, replacing the previous one
func (r *FeedRepository) RecordAlert(ctx context.Context, feedID int64, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, "UPDATE feeds SET alert_reason = ?, alert_at = ? WHERE id = ?",
			reason, at.UTC(), feedID)
		if err != nil {
			return fmt.Errorf("record alert: %w", err)
		}
		return expectAffected(res, fmt.Sprintf("alert feed %d", feedID))
	})
}

// ListEpisodes returns stored episodes of the feed, newest first. Limit <= 0 means no limit.
func (r *FeedRepository) ListEpisodes(ctx context.Context, feedID int64, limit int) ([]*domain.Episode, error) {
	query := "SELECT * FROM episodes WHERE feed_id = ? ORDER BY published DESC, id DESC"
	args := []any{feedID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []episodeSQL
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	res := make([]*domain.Episode, len(rows))
	for i, row := range rows {
		res[i] = &domain.Episode{
			ID:     row.ID,
			FeedID: row.FeedID,
			Item: domain.Item{
				SourceID:    row.SourceID,
				Title:       row.Title,
				Description: row.Description,
				Link:        row.Link,
				Author:      row.Author,
				MediaPath:   row.MediaPath,
				MediaType:   row.MediaType,
				Size:        row.Size,
				Duration:    time.Duration(row.Duration),
				Published:   row.Published,
			},
			CreatedAt: row.CreatedAt,
		}
	}
	return res, nil
}

// prepare validates a feed definition and normalizes its options in place
func (r *FeedRepository) prepare(feed *domain.Feed) error {
	if feed.Name == "" {
		return fmt.Errorf("%w: empty name", domain.ErrInvalidFeed)
	}
	if feed.Source == "" {
		return fmt.Errorf("%w: empty source", domain.ErrInvalidFeed)
	}
	if feed.Rule != nil {
		if err := schedule.Validate(*feed.Rule); err != nil {
			return err
		}
	}
	opts, err := feed.Options.Normalize()
	if err != nil {
		return err
	}
	feed.Options = opts
	return nil
}

func (r *FeedRepository) fromDomainFeed(feed *domain.Feed) *feedSQL {
	res := &feedSQL{
		ID:        feed.ID,
		Name:      feed.Name,
		Source:    feed.Source,
		Options:   optionsSQL(feed.Options),
		Enabled:   feed.Enabled,
		Burst:     feed.Position.Burst,
		CreatedAt: feed.CreatedAt.UTC(),
	}
	if feed.Rule != nil {
		res.ScheduleBase = sql.NullString{String: feed.Rule.Base, Valid: true}
		res.ScheduleOffsets = offsetsSQL(feed.Rule.Offsets)
	}
	return res
}

func (r *FeedRepository) toDomainFeed(f *feedSQL) *domain.Feed {
	res := &domain.Feed{
		ID:            f.ID,
		Name:          f.Name,
		Source:        f.Source,
		Options:       domain.AcquireOptions(f.Options),
		Enabled:       f.Enabled,
		LastSuccessAt: f.LastSuccessAt,
		LastAttemptAt: f.LastAttemptAt,
		NextDue:       f.NextDue,
		Position:      domain.Position{Burst: f.Burst},
		LastError:     f.LastError,
		CreatedAt:     f.CreatedAt,
	}
	if f.ScheduleBase.Valid {
		res.Rule = &domain.ScheduleRule{Base: f.ScheduleBase.String, Offsets: f.ScheduleOffsets}
	}
	if f.Burst < 0 {
		res.Position = domain.BasePosition()
	} else if f.Anchor != nil {
		res.Position.Anchor = *f.Anchor
	}
	if f.AlertAt != nil {
		res.Alert = &domain.Alert{Reason: f.AlertReason, At: *f.AlertAt}
	}
	return res
}

func (r *FeedRepository) toDomainFeeds(rows []feedSQL) []*domain.Feed {
	res := make([]*domain.Feed, len(rows))
	for i := range rows {
		res[i] = r.toDomainFeed(&rows[i])
	}
	return res
}

func fromDomainItem(feedID int64, it domain.Item, at time.Time) *episodeSQL {
	published := it.Published
	if published.IsZero() {
		published = at
	}
	return &episodeSQL{
		FeedID:      feedID,
		SourceID:    it.SourceID,
		Title:       it.Title,
		Description: it.Description,
		Link:        it.Link,
		Author:      it.Author,
		MediaPath:   it.MediaPath,
		MediaType:   it.MediaType,
		Size:        it.Size,
		Duration:    int64(it.Duration),
		Published:   published.UTC(),
		CreatedAt:   at,
	}
}

// timePtr converts t to a UTC pointer, nil for the zero time
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func anchorPtr(pos domain.Position) *time.Time {
	if pos.IsBase() {
		return nil
	}
	return timePtr(pos.Anchor)
}

// expectAffected returns ErrNotFound when the statement changed nothing
func expectAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s, rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return nil
}
