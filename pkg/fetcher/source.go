package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Entry is a single entry of a source feed
type Entry struct {
	ID          string // stable identity, the feed GUID, e.g. "yt:video:XXXX"
	VideoID     string // id passed to the download tool, used as the media file name
	Title       string
	Description string
	Link        string
	Author      string
	Published   time.Time
}

// Source lists entries of remote feeds, e.g. YouTube channel feeds
type Source struct {
	client    *http.Client
	userAgent string
}

// NewSource creates a new source lister
func NewSource(timeout time.Duration, userAgent string) *Source {
	return &Source{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// List fetches and parses the feed at url and returns its entries, newest first
func (s *Source) List(ctx context.Context, url string) ([]Entry, error) {
	body, err := s.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close()

	feed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	res := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entry := Entry{
			ID:          item.GUID,
			Title:       item.Title,
			Link:        item.Link,
			Description: item.Description,
			VideoID:     extValue(item.Extensions, "yt", "videoId"),
		}

		// media:group/media:description carries the video description in youtube feeds
		if entry.Description == "" {
			entry.Description = mediaDescription(item.Extensions)
		}
		if entry.ID == "" {
			entry.ID = item.Link
		}
		if entry.VideoID == "" {
			entry.VideoID = videoIDFromLink(item.Link)
		}
		if entry.ID == "" || entry.VideoID == "" {
			continue // nothing to download
		}

		if item.Author != nil {
			entry.Author = item.Author.Name
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			entry.Author = item.Authors[0].Name
		}

		if item.PublishedParsed != nil {
			entry.Published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.Published = *item.UpdatedParsed
		}

		res = append(res, entry)
	}

	sort.SliceStable(res, func(i, j int) bool { return res[i].Published.After(res[j].Published) })
	return res, nil
}

// fetch retrieves content from a URL
func (s *Source) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", s.userAgent)
	addBrowserHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return resp.Body, nil
}

func extValue(exts ext.Extensions, namespace, name string) string {
	if exts == nil {
		return ""
	}
	vals := exts[namespace][name]
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0].Value)
}

func mediaDescription(exts ext.Extensions) string {
	if exts == nil {
		return ""
	}
	groups := exts["media"]["group"]
	if len(groups) == 0 {
		return ""
	}
	desc := groups[0].Children["description"]
	if len(desc) == 0 {
		return ""
	}
	return strings.TrimSpace(desc[0].Value)
}

// videoIDFromLink extracts the v= parameter of watch links
func videoIDFromLink(link string) string {
	_, query, ok := strings.Cut(link, "?")
	if !ok {
		return ""
	}
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "v="); ok {
			return v
		}
	}
	return ""
}
