// Package fetcher acquires media for a feed: it lists the source feed entries and runs
// the external download tool for every entry not yet on disk.
package fetcher

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // used for directory names only
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/time/rate"

	"github.com/umputun/feedmirror/pkg/domain"
)

// Lister lists entries of a source feed
type Lister interface {
	List(ctx context.Context, url string) ([]Entry, error)
}

// commandRunner runs the download tool and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Params for the downloader
type Params struct {
	Binary       string        // download tool, yt-dlp by default
	MediaDir     string        // root directory for downloaded media
	ItemInterval time.Duration // minimal interval between two downloads, 0 for no pacing
	MaxItems     int           // newest entries considered per run, 0 for all
	Args         []string      // arguments added to every invocation
}

// Downloader acquires media with yt-dlp. Files already present in the media directory are not
// downloaded again, so repeating an acquisition after a failure or a crash is safe.
type Downloader struct {
	Params
	lister  Lister
	limiter *rate.Limiter
	run     commandRunner
}

// printTemplate makes yt-dlp print the final file path and the duration after post-processing
const printTemplate = "after_move:%(filepath)s\t%(duration)s"

var safeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// NewDownloader makes a downloader listing sources with lister
func NewDownloader(lister Lister, params Params) *Downloader {
	if params.Binary == "" {
		params.Binary = "yt-dlp"
	}
	if params.MediaDir == "" {
		params.MediaDir = "media"
	}
	limit := rate.Inf
	if params.ItemInterval > 0 {
		limit = rate.Every(params.ItemInterval)
	}
	return &Downloader{
		Params:  params,
		lister:  lister,
		limiter: rate.NewLimiter(limit, 1),
		run:     execRunner,
	}
}

// Acquire downloads media of the source entries and returns all entries as items, including
// those downloaded earlier. Entries that fail to download are skipped and retried by the next run,
// the acquisition fails only when listing fails or no entry could be acquired.
func (d *Downloader) Acquire(ctx context.Context, source string, opts domain.AcquireOptions) ([]domain.Item, error) {
	entries, err := d.lister.List(ctx, source)
	if err != nil {
		return nil, d.failure(ctx, fmt.Errorf("list %s: %w", source, err))
	}
	if d.MaxItems > 0 && len(entries) > d.MaxItems {
		entries = entries[:d.MaxItems]
	}

	dir := SourceDir(source)
	if err := os.MkdirAll(filepath.Join(d.MediaDir, dir), 0o750); err != nil {
		return nil, d.failure(ctx, fmt.Errorf("make media dir: %w", err))
	}

	items := make([]domain.Item, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		item, err := d.acquireEntry(ctx, dir, entry, opts)
		if ctx.Err() != nil {
			return nil, d.failure(ctx, fmt.Errorf("acquire %s: %w", entry.ID, ctx.Err()))
		}
		if err != nil {
			// premieres, members-only and removed videos can't be downloaded, the rest of the feed still can
			lgr.Printf("[WARN] can't acquire %s (%s): %v", entry.ID, entry.Title, err)
			errs = append(errs, fmt.Errorf("acquire %s: %w", entry.ID, err))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 && len(errs) > 0 {
		return nil, d.failure(ctx, errors.Join(errs...))
	}
	return items, nil
}

func (d *Downloader) acquireEntry(ctx context.Context, dir string, entry Entry, opts domain.AcquireOptions) (domain.Item, error) {
	item := domain.Item{
		SourceID:    entry.ID,
		Title:       entry.Title,
		Description: entry.Description,
		Link:        entry.Link,
		Author:      entry.Author,
		Published:   entry.Published,
	}
	name := safeName.ReplaceAllString(entry.VideoID, "_")

	if existing := d.findMedia(dir, name); existing != "" {
		lgr.Printf("[DEBUG] media for %s already in %s", entry.ID, existing)
		return d.withMedia(item, dir, existing, 0)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return item, err
	}

	target := filepath.Join(d.MediaDir, dir, name+".%(ext)s")
	args := d.buildArgs(target, opts, entry.Link)
	lgr.Printf("[INFO] download %s (%s) to %s", entry.ID, entry.Title, filepath.Join(d.MediaDir, dir))
	out, err := d.run(ctx, d.Binary, args...)
	if err != nil {
		return item, err
	}

	path, duration := parsePrintOutput(out)
	if path == "" {
		// no print line, the tool may have skipped post-processing
		if path = d.findMedia(dir, name); path == "" {
			return item, errors.New("no media file produced")
		}
	}
	return d.withMedia(item, dir, filepath.Base(path), duration)
}

// buildArgs makes the download tool arguments for a single entry
func (d *Downloader) buildArgs(target string, opts domain.AcquireOptions, link string) []string {
	args := []string{"--no-progress", "--no-simulate", "--print", printTemplate, "-o", target}
	if opts.FormatSelector != "" {
		args = append(args, "-f", opts.FormatSelector)
	}
	if len(opts.SponsorCategories) > 0 {
		cats := strings.Join(opts.SponsorCategories, ",")
		switch opts.SponsorMarking {
		case domain.SponsorMark:
			args = append(args, "--sponsorblock-mark", cats)
		case domain.SponsorRemove:
			args = append(args, "--sponsorblock-remove", cats)
		}
	}
	if opts.ChapterStripping {
		args = append(args, "--no-embed-chapters")
	} else {
		args = append(args, "--embed-chapters")
	}
	args = append(args, d.Args...)
	args = append(args, opts.ExtraArgs...)
	return append(args, "--", link)
}

// findMedia returns the file name of a completed download for name, empty if there is none
func (d *Downloader) findMedia(dir, name string) string {
	matches, err := filepath.Glob(filepath.Join(d.MediaDir, dir, name+".*"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".part", ".ytdl", ".tmp", ".temp":
			continue
		}
		if strings.Contains(filepath.Base(m), ".part-") {
			continue
		}
		return filepath.Base(m)
	}
	return ""
}

func (d *Downloader) withMedia(item domain.Item, dir, file string, duration time.Duration) (domain.Item, error) {
	fi, err := os.Stat(filepath.Join(d.MediaDir, dir, file))
	if err != nil {
		return item, fmt.Errorf("stat media: %w", err)
	}
	item.MediaPath = filepath.ToSlash(filepath.Join(dir, file))
	item.MediaType = MediaType(file)
	item.Size = fi.Size()
	item.Duration = duration
	return item, nil
}

// failure wraps err as a fetch failure, marking deadline overruns as timeouts
func (d *Downloader) failure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", domain.ErrFetchFailure, domain.ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrFetchFailure, err)
}

// SourceDir returns the media sub-directory for a source. YouTube channel and playlist feeds
// use their id, anything else a short hash of the source.
func SourceDir(source string) string {
	if u, err := url.Parse(source); err == nil {
		for _, key := range []string{"channel_id", "playlist_id", "user"} {
			if v := u.Query().Get(key); v != "" {
				return safeName.ReplaceAllString(v, "_")
			}
		}
	}
	h := sha1.Sum([]byte(source)) //nolint:gosec // not a security hash
	return hex.EncodeToString(h[:])[:12]
}

// MediaType returns the mime type for a media file name
func MediaType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".m4a":
		return "audio/mp4"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// parsePrintOutput extracts the last printed path and duration
func parsePrintOutput(out []byte) (path string, duration time.Duration) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		p, dur, _ := strings.Cut(strings.TrimSpace(lines[i]), "\t")
		if p == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(dur, 64); err == nil {
			duration = time.Duration(secs * float64(time.Second))
		}
		return p, duration
	}
	return "", 0
}

// execRunner runs the command, the process is killed when ctx is done
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return stdout.Bytes(), nil
}
