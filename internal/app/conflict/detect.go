package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// detector runs the detection passes over an already loaded schedule.
type detector struct {
	cfg       Config
	candidate schema.Commitment
	opts      Options
	// sameDay holds commitments intersecting the candidate's date (plus buffer).
	sameDay []schema.Commitment
	// busy holds every commitment within the suggestion horizon.
	busy []schema.Commitment

	slotSearched bool
	slotFound    bool
	slot         time.Time
}

func newDetector(cfg Config, candidate schema.Commitment, opts Options, loaded []schema.Commitment) *detector {
	d := &detector{cfg: cfg, candidate: candidate, opts: opts}
	excluded := make(map[string]struct{}, len(opts.ExcludeIDs)+1)
	excluded[candidate.ID] = struct{}{}
	for _, id := range opts.ExcludeIDs {
		excluded[id] = struct{}{}
	}
	from, to := dayWindow(candidate, opts.buffer())
	for _, c := range loaded {
		if _, skip := excluded[c.ID]; skip || c.Cancelled() {
			continue
		}
		d.busy = append(d.busy, c)
		if schema.IntervalsOverlap(c.Start, c.End, from, to) {
			d.sameDay = append(d.sameDay, c)
		}
	}
	return d
}

// dayWindow spans the calendar days touched by the candidate, widened by buffer.
func dayWindow(candidate schema.Commitment, buffer time.Duration) (time.Time, time.Time) {
	from := startOfDay(candidate.Start)
	to := startOfDay(candidate.End)
	if !to.Equal(candidate.End) || !to.After(from) {
		to = to.AddDate(0, 0, 1)
	}
	return from.Add(-buffer), to.Add(buffer)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (d *detector) run() []schema.Conflict {
	out := make([]schema.Conflict, 0)
	if !d.opts.DisableTimeOverlap {
		out = append(out, d.timeOverlaps()...)
	}
	if buffer := d.opts.buffer(); buffer > 0 {
		out = append(out, d.bufferViolations(buffer)...)
	}
	if !d.opts.DisableVenue {
		out = append(out, d.venueConflicts()...)
	}
	if !d.opts.DisableDoubleBooking {
		if c, ok := d.doubleBooking(); ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Weight() > out[j].Severity.Weight()
	})
	return out
}

func (d *detector) overlapping() []schema.Commitment {
	var out []schema.Commitment
	for _, c := range d.sameDay {
		if d.candidate.Overlaps(c) {
			out = append(out, c)
		}
	}
	return out
}

// overlapSeverity grades a time overlap by its length in minutes.
func overlapSeverity(minutes int) schema.Severity {
	switch {
	case minutes >= 60:
		return schema.SeverityCritical
	case minutes >= 30:
		return schema.SeverityHigh
	case minutes >= 15:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}

func (d *detector) timeOverlaps() []schema.Conflict {
	var out []schema.Conflict
	cand := d.candidate
	for _, existing := range d.overlapping() {
		minutes := schema.OverlapMinutes(cand.Start, cand.End, existing.Start, existing.End)
		out = append(out, schema.Conflict{
			Type:            schema.ConflictTimeOverlap,
			Severity:        overlapSeverity(minutes),
			Message:         fmt.Sprintf("overlaps %s by %d minutes", describe(existing), minutes),
			ConflictingItem: existing,
			OverlapMinutes:  minutes,
			Suggestions:     d.overlapSuggestions(existing),
		})
	}
	return out
}

func (d *detector) bufferViolations(buffer time.Duration) []schema.Conflict {
	var out []schema.Conflict
	cand := d.candidate
	expandedStart, expandedEnd := cand.Start.Add(-buffer), cand.End.Add(buffer)
	for _, existing := range d.sameDay {
		if cand.Overlaps(existing) {
			continue
		}
		if !schema.IntervalsOverlap(expandedStart, expandedEnd, existing.Start, existing.End) {
			continue
		}
		side := schema.BufferAfter
		if !existing.End.After(cand.Start) {
			side = schema.BufferBefore
		}
		out = append(out, schema.Conflict{
			Type:            schema.ConflictBufferViolation,
			Severity:        schema.SeverityMedium,
			Message:         fmt.Sprintf("less than %d minutes %s %s", int(buffer/time.Minute), side, describe(existing)),
			ConflictingItem: existing,
			BufferSide:      side,
			Suggestions:     d.bufferSuggestions(existing, side, buffer),
		})
	}
	return out
}

func (d *detector) venueConflicts() []schema.Conflict {
	if !physical(d.candidate) {
		return nil
	}
	var out []schema.Conflict
	for _, existing := range d.overlapping() {
		if !physical(existing) {
			continue
		}
		out = append(out, schema.Conflict{
			Type:            schema.ConflictVenue,
			Severity:        schema.SeverityHigh,
			Message:         fmt.Sprintf("cannot attend %s in person at the same time", describe(existing)),
			ConflictingItem: existing,
			OverlapMinutes:  schema.OverlapMinutes(d.candidate.Start, d.candidate.End, existing.Start, existing.End),
			Suggestions:     d.venueSuggestions(existing),
		})
	}
	return out
}

func (d *detector) doubleBooking() (schema.Conflict, bool) {
	concurrent := d.overlapping()
	if len(concurrent) == 0 {
		return schema.Conflict{}, false
	}
	severity := schema.SeverityHigh
	if len(concurrent) > 1 {
		severity = schema.SeverityCritical
	}
	return schema.Conflict{
		Type:            schema.ConflictDoubleBooking,
		Severity:        severity,
		Message:         fmt.Sprintf("double booked with %d other commitment(s)", len(concurrent)),
		ConflictingItem: concurrent[0],
		Related:         concurrent,
		Suggestions:     d.doubleBookingSuggestions(concurrent[0]),
	}, true
}

// physical reports whether a commitment requires presence at a place.
func physical(c schema.Commitment) bool {
	if c.InPerson {
		return true
	}
	loc := strings.TrimSpace(c.Location)
	if loc == "" {
		return false
	}
	lower := strings.ToLower(loc)
	return !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://")
}

func describe(c schema.Commitment) string {
	if c.Title != "" {
		return fmt.Sprintf("%q", c.Title)
	}
	return string(c.Kind) + " " + c.ID
}
