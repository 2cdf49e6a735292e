// Package feed republishes mirrored episodes as RSS feeds with media enclosures
package feed

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/umputun/feedmirror/pkg/domain"
)

// Generator creates RSS feeds from stored episodes
type Generator struct {
	baseURL string
	policy  *bluemonday.Policy
}

// NewGenerator creates a new feed generator, baseURL is the public address of the server
func NewGenerator(baseURL string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  bluemonday.UGCPolicy(),
	}
}

// FeedURL returns the public address of the republished feed
func (g *Generator) FeedURL(feedID int64) string {
	return fmt.Sprintf("%s/feeds/%d/rss", g.baseURL, feedID)
}

// MediaURL returns the public address of a media file, path is relative to the media directory
func (g *Generator) MediaURL(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return g.baseURL + "/media/" + strings.Join(parts, "/")
}

// GenerateRSS creates an RSS 2.0 feed from episodes of the feed, episodes are expected newest first
func (g *Generator) GenerateRSS(feed *domain.Feed, episodes []*domain.Episode) (string, error) {
	rssItems := make([]*RSSItem, 0, len(episodes))
	var lastBuild time.Time
	for _, ep := range episodes {
		rssItems = append(rssItems, g.convertToRSSItem(ep))
		if ep.CreatedAt.After(lastBuild) {
			lastBuild = ep.CreatedAt
		}
	}

	channel := &RSSChannel{
		Title:       feed.Name,
		Link:        feed.Source,
		Description: fmt.Sprintf("Mirror of %s", feed.Source),
		AtomLink:    &AtomLink{Href: g.FeedURL(feed.ID), Rel: "self", Type: "application/rss+xml"},
		Items:       rssItems,
	}
	if !lastBuild.IsZero() {
		channel.LastBuildDate = lastBuild.UTC().Format(time.RFC1123Z)
	}
	if len(episodes) > 0 {
		channel.Author = episodes[0].Author
	}

	rss := &RSS{
		Version: "2.0",
		Atom:    "http://www.w3.org/2005/Atom",
		ITunes:  "http://www.itunes.com/dtds/podcast-1.0.dtd",
		Channel: channel,
	}

	output, err := xml.MarshalIndent(rss, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal RSS: %w", err)
	}
	return xml.Header + string(output), nil
}

// convertToRSSItem converts a stored episode to an RSS item, episodes without media get no enclosure
func (g *Generator) convertToRSSItem(ep *domain.Episode) *RSSItem {
	res := &RSSItem{
		Title:       ep.Title,
		Link:        ep.Link,
		GUID:        &GUID{Value: ep.SourceID},
		Description: strings.TrimSpace(g.policy.Sanitize(ep.Description)),
		Author:      ep.Author,
		PubDate:     ep.Published.UTC().Format(time.RFC1123Z),
	}
	if ep.MediaPath != "" {
		res.Enclosure = &Enclosure{URL: g.MediaURL(ep.MediaPath), Length: ep.Size, Type: ep.MediaType}
	}
	if ep.Duration > 0 {
		res.Duration = formatDuration(ep.Duration)
	}
	return res
}

// GenerateOPML creates an OPML file listing republished feeds
func (g *Generator) GenerateOPML(feeds []*domain.Feed) (string, error) {
	type outline struct {
		XMLName xml.Name `xml:"outline"`
		Text    string   `xml:"text,attr"`
		Title   string   `xml:"title,attr"`
		Type    string   `xml:"type,attr"`
		XMLUrl  string   `xml:"xmlUrl,attr"`
		HTMLUrl string   `xml:"htmlUrl,attr,omitempty"`
	}

	type body struct {
		XMLName  xml.Name  `xml:"body"`
		Outlines []outline `xml:"outline"`
	}

	type head struct {
		XMLName xml.Name `xml:"head"`
		Title   string   `xml:"title"`
	}

	type opml struct {
		XMLName xml.Name `xml:"opml"`
		Version string   `xml:"version,attr"`
		Head    head     `xml:"head"`
		Body    body     `xml:"body"`
	}

	outlines := make([]outline, 0, len(feeds))
	for _, f := range feeds {
		if !f.Enabled {
			continue
		}
		outlines = append(outlines, outline{
			Text:    f.Name,
			Title:   f.Name,
			Type:    "rss",
			XMLUrl:  g.FeedURL(f.ID),
			HTMLUrl: f.Source,
		})
	}

	doc := opml{
		Version: "2.0",
		Head:    head{Title: "feedmirror subscriptions"},
		Body:    body{Outlines: outlines},
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal OPML: %w", err)
	}
	return xml.Header + string(output), nil
}

// formatDuration formats a duration as HH:MM:SS for itunes:duration
func formatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
