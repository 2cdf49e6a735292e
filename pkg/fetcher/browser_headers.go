package fetcher

import (
	"math/rand"
	"net/http"
)

// feedLanguages are Accept-Language values sent with source requests
var feedLanguages = []string{"en-US,en;q=0.9", "en-GB,en;q=0.9", "en;q=0.8"}

// addBrowserHeaders makes source requests look like a regular feed reader,
// channel feeds throttle clients without these headers
func addBrowserHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/atom+xml,application/rss+xml;q=0.9,application/xml;q=0.8,*/*;q=0.5")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept-Language", feedLanguages[rand.Intn(len(feedLanguages))]) //nolint:gosec // header variation only
	req.Header.Set("Connection", "keep-alive")
}
