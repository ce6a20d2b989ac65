package conflict

import (
	"fmt"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

const minShortened = 15 * time.Minute

func (d *detector) reschedule() (schema.ResolutionSuggestion, bool) {
	start, ok := d.freeSlot()
	if !ok {
		return schema.ResolutionSuggestion{}, false
	}
	end := start.Add(d.candidate.End.Sub(d.candidate.Start))
	return schema.ResolutionSuggestion{
		Action:        schema.ActionRescheduleCandidate,
		Description:   "move to the next free slot at " + start.Format(time.RFC3339),
		ProposedStart: start,
		ProposedEnd:   end,
	}, true
}

// freeSlot searches forward from the candidate's start for a slot of the same
// length that respects working hours and the buffer around busy commitments.
func (d *detector) freeSlot() (time.Time, bool) {
	if !d.slotSearched {
		d.slot, d.slotFound = d.searchSlot()
		d.slotSearched = true
	}
	return d.slot, d.slotFound
}

func (d *detector) searchSlot() (time.Time, bool) {
	duration := d.candidate.End.Sub(d.candidate.Start)
	if duration <= 0 {
		return time.Time{}, false
	}
	buffer := d.opts.buffer()
	limit := d.candidate.Start.Add(d.cfg.SearchHorizon)
	for t := d.candidate.Start.Add(d.cfg.SlotStep); !t.After(limit); t = t.Add(d.cfg.SlotStep) {
		end := t.Add(duration)
		if !d.withinWorkday(t, end) {
			continue
		}
		if d.clashes(t.Add(-buffer), end.Add(buffer)) {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func (d *detector) withinWorkday(start, end time.Time) bool {
	day := startOfDay(start)
	open := day.Add(time.Duration(d.cfg.WorkdayStart) * time.Hour)
	closing := day.Add(time.Duration(d.cfg.WorkdayEnd) * time.Hour)
	return !start.Before(open) && !end.After(closing)
}

func (d *detector) clashes(start, end time.Time) bool {
	for _, c := range d.busy {
		if schema.IntervalsOverlap(start, end, c.Start, c.End) {
			return true
		}
	}
	return false
}

// shorten trims the candidate so it no longer overlaps existing, when enough time remains.
func (d *detector) shorten(existing schema.Commitment) (schema.ResolutionSuggestion, bool) {
	cand := d.candidate
	if existing.Start.After(cand.Start) && existing.Start.Sub(cand.Start) >= minShortened {
		return schema.ResolutionSuggestion{
			Action:        schema.ActionShortenCandidate,
			Description:   "end before " + describe(existing) + " starts",
			ProposedStart: cand.Start,
			ProposedEnd:   existing.Start,
		}, true
	}
	if existing.End.Before(cand.End) && cand.End.Sub(existing.End) >= minShortened {
		return schema.ResolutionSuggestion{
			Action:        schema.ActionShortenCandidate,
			Description:   "start after " + describe(existing) + " ends",
			ProposedStart: existing.End,
			ProposedEnd:   cand.End,
		}, true
	}
	return schema.ResolutionSuggestion{}, false
}

func decline(existing schema.Commitment) schema.ResolutionSuggestion {
	return schema.ResolutionSuggestion{
		Action:      schema.ActionDeclineExisting,
		Description: "decline " + describe(existing),
	}
}

func keep(existing schema.Commitment) schema.ResolutionSuggestion {
	return schema.ResolutionSuggestion{
		Action:      schema.ActionKeepExisting,
		Description: "keep " + describe(existing) + " and drop the new booking",
	}
}

func (d *detector) overlapSuggestions(existing schema.Commitment) []schema.ResolutionSuggestion {
	var out []schema.ResolutionSuggestion
	if s, ok := d.reschedule(); ok {
		out = append(out, s)
	}
	if s, ok := d.shorten(existing); ok {
		out = append(out, s)
	}
	return append(out, decline(existing), keep(existing))
}

func (d *detector) bufferSuggestions(existing schema.Commitment, side schema.BufferSide, buffer time.Duration) []schema.ResolutionSuggestion {
	cand := d.candidate
	duration := cand.End.Sub(cand.Start)
	var start time.Time
	if side == schema.BufferBefore {
		start = existing.End.Add(buffer)
	} else {
		start = existing.Start.Add(-buffer).Add(-duration)
	}
	out := make([]schema.ResolutionSuggestion, 0, 3)
	end := start.Add(duration)
	if !d.clashes(start.Add(-buffer), end.Add(buffer)) {
		out = append(out, schema.ResolutionSuggestion{
			Action:        schema.ActionRescheduleCandidate,
			Description:   fmt.Sprintf("shift by %d minutes to keep a %d minute gap", int(absDuration(start.Sub(cand.Start))/time.Minute), int(buffer/time.Minute)),
			ProposedStart: start,
			ProposedEnd:   end,
		})
	} else if s, ok := d.reschedule(); ok {
		out = append(out, s)
	}
	return append(out, schema.ResolutionSuggestion{
		Action:      schema.ActionAcceptOverlap,
		Description: "accept the shorter gap",
	})
}

func (d *detector) venueSuggestions(existing schema.Commitment) []schema.ResolutionSuggestion {
	out := []schema.ResolutionSuggestion{{
		Action:      schema.ActionConvertToVirtual,
		Description: "hold the new meeting online",
	}}
	if s, ok := d.reschedule(); ok {
		out = append(out, s)
	}
	return append(out, keep(existing))
}

func (d *detector) doubleBookingSuggestions(first schema.Commitment) []schema.ResolutionSuggestion {
	var out []schema.ResolutionSuggestion
	if s, ok := d.reschedule(); ok {
		out = append(out, s)
	}
	return append(out, decline(first), keep(first))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
