// Package schedule calculates when a feed is due next.
// A rule is a base cadence (cron expression or descriptor) plus optional follow-up offsets fired
// relative to each base fire. The calculation is a pure function of the rule, the current time
// and the feed position, so the same inputs always give the same result, and replay after a
// restart is safe.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/umputun/feedmirror/pkg/domain"
)

// BurstPolicy decides what a run that found new items does to the remaining follow-ups
type BurstPolicy string

// burst policies
const (
	PolicyAbort    BurstPolicy = "abort"    // new items end the burst, next run is the next base fire
	PolicyContinue BurstPolicy = "continue" // burst runs to the end regardless of results
)

// gapSamples is the number of consecutive base fires checked to find the minimal base interval
const gapSamples = 64

var gapReference = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NextDue returns the next due time for a feed at position pos and the position the feed moves
// to once that run is done. Follow-ups already before now are skipped. A burst position outside of
// the current offsets, or a follow-up that would land on or after the following base fire, is
// treated as awaiting the base fire.
func NextDue(rule domain.ScheduleRule, now time.Time, pos domain.Position) (time.Time, domain.Position, error) {
	sched, err := parseBase(rule.Base)
	if err != nil {
		return time.Time{}, pos, err
	}

	if !pos.IsBase() && pos.Burst < len(rule.Offsets) {
		anchor := pos.Anchor.In(now.Location())
		limit := sched.Next(anchor)
		for k := pos.Burst; k < len(rule.Offsets); k++ {
			due := anchor.Add(rule.Offsets[k])
			if !due.Before(limit) {
				break
			}
			if due.Before(now) {
				continue // missed follow-up, e.g. during downtime
			}
			if k == len(rule.Offsets)-1 {
				return due, domain.BasePosition(), nil
			}
			return due, domain.Position{Burst: k + 1, Anchor: anchor}, nil
		}
	}

	fire := nextFire(sched, now)
	if len(rule.Offsets) == 0 {
		return fire, domain.BasePosition(), nil
	}
	return fire, domain.Position{Burst: 0, Anchor: fire}, nil
}

// AfterRun applies the burst policy to the stored position of a feed whose run just finished
func AfterRun(pos domain.Position, foundNew bool, policy BurstPolicy) domain.Position {
	if foundNew && policy != PolicyContinue && !pos.IsBase() {
		return domain.BasePosition()
	}
	return pos
}

// Preview lists the next n due times, assuming no run finds anything new
func Preview(rule domain.ScheduleRule, now time.Time, pos domain.Position, n int) ([]time.Time, error) {
	res := make([]time.Time, 0, n)
	for range n {
		due, next, err := NextDue(rule, now, pos)
		if err != nil {
			return nil, err
		}
		res = append(res, due)
		now, pos = due.Add(time.Second), next
	}
	return res, nil
}

// Validate checks the base expression parses and the offsets are positive, strictly increasing
// and shorter than the smallest gap between two base fires
func Validate(rule domain.ScheduleRule) error {
	sched, err := parseBase(rule.Base)
	if err != nil {
		return err
	}
	if len(rule.Offsets) == 0 {
		return nil
	}

	var prev time.Duration
	for i, off := range rule.Offsets {
		if off <= 0 {
			return fmt.Errorf("%w: offset #%d (%s) must be positive", domain.ErrScheduleRuleInvalid, i, off)
		}
		if i > 0 && off <= prev {
			return fmt.Errorf("%w: offset #%d (%s) must be greater than %s", domain.ErrScheduleRuleInvalid, i, off, prev)
		}
		prev = off
	}

	if gap := MinInterval(sched); prev >= gap {
		return fmt.Errorf("%w: last offset %s must be shorter than the base interval %s", domain.ErrScheduleRuleInvalid, prev, gap)
	}
	return nil
}

// MinInterval returns the smallest gap between consecutive fires of the schedule
func MinInterval(sched cron.Schedule) time.Duration {
	var gap time.Duration
	t := sched.Next(gapReference)
	for range gapSamples {
		next := sched.Next(t)
		if d := next.Sub(t); gap == 0 || d < gap {
			gap = d
		}
		t = next
	}
	return gap
}

// ParseRule is a convenience for building a rule from a base expression and offset strings like "1h"
func ParseRule(base string, offsets ...string) (domain.ScheduleRule, error) {
	rule := domain.ScheduleRule{Base: base}
	for _, o := range offsets {
		d, err := time.ParseDuration(o)
		if err != nil {
			return rule, fmt.Errorf("%w: offset %q: %v", domain.ErrScheduleRuleInvalid, o, err)
		}
		rule.Offsets = append(rule.Offsets, d)
	}
	return rule, Validate(rule)
}

func parseBase(base string) (cron.Schedule, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: empty base", domain.ErrScheduleRuleInvalid)
	}
	sched, err := cron.ParseStandard(base)
	if err != nil {
		return nil, fmt.Errorf("%w: base %q: %v", domain.ErrScheduleRuleInvalid, base, err)
	}
	return sched, nil
}

// nextFire returns the first base fire at or after now. Interval schedules have no fixed grid
// and always fire one full interval after now.
func nextFire(sched cron.Schedule, now time.Time) time.Time {
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return sched.Next(now)
	}
	fire := sched.Next(now.Add(-time.Second))
	if fire.Before(now) {
		fire = sched.Next(now)
	}
	return fire
}
