package schema

import "time"

// CommitmentKind distinguishes native appointments from mirrored provider events.
type CommitmentKind string

const (
	CommitmentAppointment   CommitmentKind = "appointment"
	CommitmentExternalEvent CommitmentKind = "external_event"
)

// CommitmentStatus is the booking status of a commitment.
type CommitmentStatus string

const (
	CommitmentConfirmed CommitmentStatus = "confirmed"
	CommitmentTentative CommitmentStatus = "tentative"
	CommitmentCancelled CommitmentStatus = "cancelled"
)

// Commitment is anything occupying time on a user's schedule.
type Commitment struct {
	ID         string           `json:"id"`
	UserID     string           `json:"userId,omitempty"`
	Kind       CommitmentKind   `json:"kind"`
	Title      string           `json:"title,omitempty"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Status     CommitmentStatus `json:"status"`
	InPerson   bool             `json:"inPerson"`
	Location   string           `json:"location,omitempty"`
	Provider   Provider         `json:"provider,omitempty"`
	CalendarID string           `json:"calendarId,omitempty"`
	ExternalID string           `json:"externalId,omitempty"`
	ETag       string           `json:"etag,omitempty"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Cancelled reports whether the commitment no longer occupies time.
func (c Commitment) Cancelled() bool { return c.Status == CommitmentCancelled }

// Overlaps reports whether the half-open intervals [c.Start,c.End) and [o.Start,o.End) intersect.
func (c Commitment) Overlaps(o Commitment) bool {
	return IntervalsOverlap(c.Start, c.End, o.Start, o.End)
}

// IntervalsOverlap reports whether [s1,e1) and [s2,e2) intersect.
func IntervalsOverlap(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// OverlapMinutes returns the whole minutes shared by [s1,e1) and [s2,e2).
func OverlapMinutes(s1, e1, s2, e2 time.Time) int {
	start := s1
	if s2.After(start) {
		start = s2
	}
	end := e1
	if e2.Before(end) {
		end = e2
	}
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}

// ConflictType names a detection pass.
type ConflictType string

const (
	ConflictTimeOverlap     ConflictType = "time_overlap"
	ConflictBufferViolation ConflictType = "buffer_violation"
	ConflictVenue           ConflictType = "venue_conflict"
	ConflictDoubleBooking   ConflictType = "double_booking"
)

// Severity ranks conflicts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight orders severities; higher is more severe.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// BufferSide reports on which side of the candidate a buffer violation occurs.
type BufferSide string

const (
	BufferBefore BufferSide = "before"
	BufferAfter  BufferSide = "after"
)

// ResolutionAction is what a suggestion or resolution proposes.
type ResolutionAction string

const (
	ActionRescheduleCandidate ResolutionAction = "reschedule_candidate"
	ActionShortenCandidate    ResolutionAction = "shorten_candidate"
	ActionDeclineExisting     ResolutionAction = "decline_existing"
	ActionConvertToVirtual    ResolutionAction = "convert_to_virtual"
	ActionKeepExisting        ResolutionAction = "keep_existing"
	ActionOverrideExisting    ResolutionAction = "override_existing"
	ActionAcceptOverlap       ResolutionAction = "accept_overlap"
)

// ResolutionSuggestion is one candidate remedy for a conflict.
type ResolutionSuggestion struct {
	Action        ResolutionAction `json:"action"`
	Description   string           `json:"description"`
	ProposedStart time.Time        `json:"proposedStart,omitempty"`
	ProposedEnd   time.Time        `json:"proposedEnd,omitempty"`
}

// HasProposal reports whether the suggestion carries a concrete new time slot.
func (s ResolutionSuggestion) HasProposal() bool {
	return !s.ProposedStart.IsZero() && s.ProposedEnd.After(s.ProposedStart)
}

// Conflict describes one detected clash between a candidate and an existing commitment.
type Conflict struct {
	Type            ConflictType           `json:"type"`
	Severity        Severity               `json:"severity"`
	Message         string                 `json:"message"`
	ConflictingItem Commitment             `json:"conflictingItem"`
	Related         []Commitment           `json:"related,omitempty"`
	OverlapMinutes  int                    `json:"overlapMinutes,omitempty"`
	BufferSide      BufferSide             `json:"bufferSide,omitempty"`
	Suggestions     []ResolutionSuggestion `json:"suggestions"`
}

// ResolutionStrategy selects how conflicts are settled.
type ResolutionStrategy string

const (
	StrategyUserChoice    ResolutionStrategy = "user_choice"
	StrategyPriorityBased ResolutionStrategy = "priority_based"
	StrategyTimeBased     ResolutionStrategy = "time_based"
	StrategyAutomatic     ResolutionStrategy = "automatic"
	StrategyNewestWins    ResolutionStrategy = "newest_wins"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyUserChoice, StrategyPriorityBased, StrategyTimeBased, StrategyAutomatic, StrategyNewestWins:
		return true
	default:
		return false
	}
}

// ResolutionStatus is the outcome of resolving one conflict.
type ResolutionStatus string

const (
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionFailed   ResolutionStatus = "failed"
)

// ResolutionResult pairs a conflict with its outcome.
type ResolutionResult struct {
	Conflict    Conflict               `json:"conflict"`
	Status      ResolutionStatus       `json:"status"`
	Strategy    ResolutionStrategy     `json:"strategy"`
	Resolution  *ResolutionSuggestion  `json:"resolution,omitempty"`
	Suggestions []ResolutionSuggestion `json:"suggestions,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// PendingStatus tracks a user_choice decision awaiting a human.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "pending"
	PendingDecided   PendingStatus = "decided"
	PendingAbandoned PendingStatus = "abandoned"
)

// PendingResolution stores conflicts awaiting a human decision.
type PendingResolution struct {
	ID          string             `json:"id"`
	CandidateID string             `json:"candidateId"`
	UserID      string             `json:"userId"`
	Candidate   Commitment         `json:"candidate"`
	Conflicts   []Conflict         `json:"conflicts"`
	Status      PendingStatus      `json:"status"`
	Decisions   []ResolutionResult `json:"decisions,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	DecidedAt   time.Time          `json:"decidedAt,omitempty"`
}

// Expired reports whether the decision window has closed at now.
func (p PendingResolution) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
