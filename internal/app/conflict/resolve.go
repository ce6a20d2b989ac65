package conflict

import (
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type resolver struct {
	skew      time.Duration
	candidate schema.Commitment
	prefs     Preferences
}

// resolve settles one conflict. Every call yields exactly one result.
func (r resolver) resolve(c schema.Conflict, strategy schema.ResolutionStrategy) schema.ResolutionResult {
	switch strategy {
	case schema.StrategyPriorityBased:
		return r.priorityBased(c)
	case schema.StrategyTimeBased:
		return r.timeBased(c)
	case schema.StrategyAutomatic:
		return r.automatic(c)
	case schema.StrategyNewestWins:
		return r.newestWins(c)
	default:
		return pending(c, schema.StrategyUserChoice, "awaiting user decision")
	}
}

func pending(c schema.Conflict, strategy schema.ResolutionStrategy, reason string) schema.ResolutionResult {
	return schema.ResolutionResult{
		Conflict:    c,
		Status:      schema.ResolutionPending,
		Strategy:    strategy,
		Suggestions: c.Suggestions,
		Reason:      reason,
	}
}

func resolved(c schema.Conflict, strategy schema.ResolutionStrategy, s schema.ResolutionSuggestion) schema.ResolutionResult {
	return schema.ResolutionResult{
		Conflict:   c,
		Status:     schema.ResolutionResolved,
		Strategy:   strategy,
		Resolution: &s,
	}
}

func failed(c schema.Conflict, strategy schema.ResolutionStrategy, reason string) schema.ResolutionResult {
	return schema.ResolutionResult{
		Conflict:    c,
		Status:      schema.ResolutionFailed,
		Strategy:    strategy,
		Suggestions: c.Suggestions,
		Reason:      reason,
	}
}

// weight ranks a commitment for priority_based resolution. Native bookings
// outrank mirrored events and confirmed outranks tentative.
func weight(c schema.Commitment) int {
	w := 0
	if c.Kind == schema.CommitmentAppointment {
		w += 2
	}
	if c.Status == schema.CommitmentConfirmed {
		w++
	}
	return w
}

func (r resolver) priorityBased(c schema.Conflict) schema.ResolutionResult {
	existing := c.ConflictingItem
	if weight(r.candidate) > weight(existing) {
		return resolved(c, schema.StrategyPriorityBased, schema.ResolutionSuggestion{
			Action:      schema.ActionOverrideExisting,
			Description: "new booking takes precedence over " + describe(existing),
		})
	}
	if s, ok := r.firstProposal(c, schema.ActionRescheduleCandidate); ok {
		return resolved(c, schema.StrategyPriorityBased, s)
	}
	return resolved(c, schema.StrategyPriorityBased, keep(existing))
}

func (r resolver) timeBased(c schema.Conflict) schema.ResolutionResult {
	if s, ok := r.firstProposal(c); ok {
		return resolved(c, schema.StrategyTimeBased, s)
	}
	return failed(c, schema.StrategyTimeBased, "no free slot within the search horizon")
}

func (r resolver) automatic(c schema.Conflict) schema.ResolutionResult {
	switch c.Severity {
	case schema.SeverityLow:
		return resolved(c, schema.StrategyAutomatic, schema.ResolutionSuggestion{
			Action:      schema.ActionAcceptOverlap,
			Description: "minor conflict accepted",
		})
	case schema.SeverityMedium:
		if s, ok := r.firstProposal(c); ok {
			return resolved(c, schema.StrategyAutomatic, s)
		}
		if c.Type == schema.ConflictBufferViolation {
			return resolved(c, schema.StrategyAutomatic, schema.ResolutionSuggestion{
				Action:      schema.ActionAcceptOverlap,
				Description: "no slot keeps the gap; shorter gap accepted",
			})
		}
		return failed(c, schema.StrategyAutomatic, "no shift or shortening available")
	default:
		if c.Type == schema.ConflictVenue && r.prefs.PreferVirtual {
			return resolved(c, schema.StrategyAutomatic, schema.ResolutionSuggestion{
				Action:      schema.ActionConvertToVirtual,
				Description: "hold the new meeting online",
			})
		}
		if s, ok := r.firstProposal(c, schema.ActionRescheduleCandidate); ok {
			return resolved(c, schema.StrategyAutomatic, s)
		}
		return failed(c, schema.StrategyAutomatic, "no free slot within the search horizon")
	}
}

func (r resolver) newestWins(c schema.Conflict) schema.ResolutionResult {
	existing := c.ConflictingItem
	if r.candidate.UpdatedAt.IsZero() || existing.UpdatedAt.IsZero() {
		return pending(c, schema.StrategyNewestWins, "modification time unknown; awaiting user decision")
	}
	diff := r.candidate.UpdatedAt.Sub(existing.UpdatedAt)
	if absDuration(diff) <= r.skew {
		return pending(c, schema.StrategyNewestWins, "modifications within clock skew tolerance; awaiting user decision")
	}
	if diff > 0 {
		return resolved(c, schema.StrategyNewestWins, schema.ResolutionSuggestion{
			Action:      schema.ActionOverrideExisting,
			Description: "newer change supersedes " + describe(existing),
		})
	}
	return resolved(c, schema.StrategyNewestWins, keep(existing))
}

// firstProposal returns the first suggestion carrying a usable time slot,
// optionally restricted to the given actions.
func (r resolver) firstProposal(c schema.Conflict, actions ...schema.ResolutionAction) (schema.ResolutionSuggestion, bool) {
	for _, s := range c.Suggestions {
		if !s.HasProposal() {
			continue
		}
		if len(actions) > 0 && !containsAction(actions, s.Action) {
			continue
		}
		if s.Action == schema.ActionShortenCandidate && s.ProposedEnd.Sub(s.ProposedStart) < r.prefs.minDuration() {
			continue
		}
		return s, true
	}
	return schema.ResolutionSuggestion{}, false
}

func containsAction(actions []schema.ResolutionAction, a schema.ResolutionAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
