package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Feed represents a mirrored remote media source with its own refresh schedule
type Feed struct {
	ID            int64
	Name          string
	Source        string // source reference passed to the fetcher, e.g. a channel feed URL
	Rule          *ScheduleRule
	Options       AcquireOptions
	Enabled       bool
	LastSuccessAt *time.Time
	LastAttemptAt *time.Time
	NextDue       *time.Time
	Position      Position
	LastError     string
	Alert         *Alert
	CreatedAt     time.Time
}

// ScheduleRule is a recurrence made of a base cadence and follow-up offsets relative to each base fire
type ScheduleRule struct {
	Base    string          `json:"base" yaml:"base"` // cron expression or descriptor, e.g. "0 18 * * 1" or "@every 6h"
	Offsets []time.Duration `json:"offsets,omitempty" yaml:"offsets"`
}

// AtBase marks a feed waiting for the next base fire
const AtBase = -1

// Position is where a feed is within its schedule cycle.
// Burst is AtBase or the index of the next follow-up offset, Anchor is the base fire the burst belongs to.
type Position struct {
	Burst  int
	Anchor time.Time
}

// IsBase reports whether the position awaits a base fire
func (p Position) IsBase() bool {
	return p.Burst < 0
}

// BasePosition returns the awaiting-base-fire position
func BasePosition() Position {
	return Position{Burst: AtBase}
}

// Alert is raised when a feed exhausted its retry attempts
type Alert struct {
	Reason string
	At     time.Time
}

// SponsorMarking controls what the acquisition tool does with sponsor segments
type SponsorMarking string

// sponsor marking modes
const (
	SponsorNone   SponsorMarking = "none"
	SponsorMark   SponsorMarking = "mark"
	SponsorRemove SponsorMarking = "remove"
)

// AcquireOptions are passed to the fetcher as is
type AcquireOptions struct {
	ChapterStripping  bool           `json:"chapter_stripping"`
	SponsorMarking    SponsorMarking `json:"sponsor_marking"`
	SponsorCategories []string       `json:"sponsor_categories,omitempty"`
	FormatSelector    string         `json:"format_selector,omitempty"`
	ExtraArgs         []string       `json:"extra_args,omitempty"`
}

// SponsorCategories lists categories known to SponsorBlock with their descriptions
var SponsorCategories = map[string]string{
	"sponsor":        "Sponsor",
	"intro":          "Intermission/Intro Animation",
	"outro":          "Endcards/Credits",
	"selfpromo":      "Unpaid/Self Promotion",
	"interaction":    "Interaction Reminder",
	"preview":        "Preview/Recap",
	"music_offtopic": "Non-Music Section",
}

// allSponsorCategories is the shortcut expanding to every known category
const allSponsorCategories = "all"

// Normalize validates the options and returns them with sponsor categories expanded and sorted.
// An empty marking mode defaults to none, "all" expands to every known category.
func (o AcquireOptions) Normalize() (AcquireOptions, error) {
	res := o
	switch o.SponsorMarking {
	case "":
		res.SponsorMarking = SponsorNone
	case SponsorNone, SponsorMark, SponsorRemove:
	default:
		return o, fmt.Errorf("%w: unknown sponsor marking %q", ErrInvalidFeed, o.SponsorMarking)
	}

	seen := map[string]bool{}
	for _, c := range o.SponsorCategories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == allSponsorCategories {
			for k := range SponsorCategories {
				seen[k] = true
			}
			continue
		}
		if _, ok := SponsorCategories[c]; !ok {
			return o, fmt.Errorf("%w: unknown sponsor category %q", ErrInvalidFeed, c)
		}
		seen[c] = true
	}
	res.SponsorCategories = nil
	for c := range seen {
		res.SponsorCategories = append(res.SponsorCategories, c)
	}
	sort.Strings(res.SponsorCategories)

	if res.SponsorMarking != SponsorNone && len(res.SponsorCategories) == 0 {
		return o, fmt.Errorf("%w: sponsor marking %q needs at least one category", ErrInvalidFeed, res.SponsorMarking)
	}
	return res, nil
}
