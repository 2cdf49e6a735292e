package domain

import "time"

// Item is a single entry retrieved by the fetcher
type Item struct {
	SourceID    string // stable identity of the item at the source, used for deduplication
	Title       string
	Description string
	Link        string
	Author      string
	MediaPath   string // path relative to the media directory
	MediaType   string
	Size        int64
	Duration    time.Duration
	Published   time.Time
}

// Episode is an item stored for a feed
type Episode struct {
	ID     int64
	FeedID int64
	Item
	CreatedAt time.Time
}

// RunOutcome is folded into a feed after its job reached a terminal state
type RunOutcome struct {
	Success  bool
	At       time.Time
	Episodes []Item
	NextDue  time.Time
	Position Position
	Error    string
}
