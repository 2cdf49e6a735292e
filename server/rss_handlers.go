package server

import (
	"log"
	"net/http"
)

// defaultRSSLimit is the number of newest episodes in a republished feed
const defaultRSSLimit = 100

// rssHandler serves the republished feed with media enclosures
func (s *Server) rssHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeed(w, r)
	if !ok {
		return
	}

	episodes, err := s.Feeds.ListEpisodes(r.Context(), f.ID, defaultRSSLimit)
	if err != nil {
		log.Printf("[ERROR] failed to get episodes for RSS: %v", err)
		http.Error(w, "Failed to generate RSS feed", http.StatusInternalServerError)
		return
	}

	rss, err := s.generator.GenerateRSS(f, episodes)
	if err != nil {
		log.Printf("[ERROR] failed to generate RSS feed: %v", err)
		http.Error(w, "Failed to generate RSS feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if _, err := w.Write([]byte(rss)); err != nil {
		log.Printf("[ERROR] failed to write RSS response: %v", err)
	}
}

// opmlHandler lists all republished feeds
func (s *Server) opmlHandler(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.Feeds.ListFeeds(r.Context(), true)
	if err != nil {
		log.Printf("[ERROR] failed to get feeds for OPML: %v", err)
		http.Error(w, "Failed to generate OPML", http.StatusInternalServerError)
		return
	}

	opml, err := s.generator.GenerateOPML(feeds)
	if err != nil {
		log.Printf("[ERROR] failed to generate OPML: %v", err)
		http.Error(w, "Failed to generate OPML", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	if _, err := w.Write([]byte(opml)); err != nil {
		log.Printf("[ERROR] failed to write OPML response: %v", err)
	}
}
