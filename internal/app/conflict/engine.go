// Package conflict detects scheduling conflicts for a candidate commitment and
// resolves them with a caller-selected strategy.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/conflictstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Engine runs detection against a user's stored schedule and tracks decisions
// that await a human.
type Engine struct {
	cfg         Config
	commitments calendarstore.Commitments
	pending     conflictstore.Store
	sink        monitor.Sink
	log         *zap.Logger
	now         func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithMonitor reports abandoned decisions to sink.
func WithMonitor(sink monitor.Sink) Option {
	return func(e *Engine) { e.sink = monitor.OrNop(sink) }
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log.Named("conflict")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an engine over the commitment mirror and the pending store.
func NewEngine(commitments calendarstore.Commitments, pending conflictstore.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		commitments: commitments,
		pending:     pending,
		sink:        monitor.Nop{},
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// DefaultOptions returns detection options using the configured buffer.
func (e *Engine) DefaultOptions() Options {
	return Options{BufferMinutes: e.cfg.DefaultBufferMinutes}
}

// Detect returns the conflicts of candidate against userID's schedule, most
// severe first; equal severities keep detection order.
func (e *Engine) Detect(ctx context.Context, userID string, candidate schema.Commitment, opts Options) ([]schema.Conflict, error) {
	if !candidate.End.After(candidate.Start) {
		return nil, errs.New("conflict", errs.CodeInvalid, errs.WithMessage("candidate end must be after start"))
	}
	buffer := opts.buffer()
	from, dayEnd := dayWindow(candidate, buffer)
	to := candidate.End.Add(e.cfg.SearchHorizon).Add(buffer)
	if dayEnd.After(to) {
		to = dayEnd
	}
	loaded, err := e.commitments.ListCommitments(ctx, userID, from, to)
	if err != nil {
		return nil, errs.New("conflict", errs.CodeUnavailable, errs.WithMessage("load schedule"), errs.WithCause(err))
	}
	return newDetector(e.cfg, candidate, opts, loaded).run(), nil
}

// Resolve settles every conflict with strategy. Results needing a human are
// stored as a pending decision keyed by the candidate id.
func (e *Engine) Resolve(ctx context.Context, userID string, candidate schema.Commitment, conflicts []schema.Conflict, strategy schema.ResolutionStrategy, prefs Preferences) ([]schema.ResolutionResult, error) {
	if strategy == "" {
		strategy = schema.StrategyUserChoice
	}
	if !strategy.Valid() {
		return nil, errs.New("conflict", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown strategy %q", strategy)))
	}
	r := resolver{skew: e.cfg.SkewTolerance, candidate: candidate, prefs: prefs}
	results := make([]schema.ResolutionResult, 0, len(conflicts))
	var open []schema.Conflict
	for _, c := range conflicts {
		res := r.resolve(c, strategy)
		if res.Status == schema.ResolutionPending {
			open = append(open, c)
		}
		results = append(results, res)
	}
	if len(open) == 0 {
		return results, nil
	}
	now := e.now()
	record := schema.PendingResolution{
		ID:          uuid.NewString(),
		CandidateID: candidate.ID,
		UserID:      userID,
		Candidate:   candidate,
		Conflicts:   open,
		Status:      schema.PendingOpen,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.PendingTTL),
	}
	if err := e.pending.Save(ctx, record); err != nil {
		return results, errs.New("conflict", errs.CodeUnavailable, errs.WithMessage("store pending decision"), errs.WithCause(err))
	}
	e.log.Info("conflicts awaiting decision",
		zap.String("candidate_id", candidate.ID),
		zap.String("user_id", userID),
		zap.Int("conflicts", len(open)),
		zap.Time("expires_at", record.ExpiresAt))
	return results, nil
}

// Pending returns the decision record of a candidate.
func (e *Engine) Pending(ctx context.Context, candidateID string) (schema.PendingResolution, error) {
	p, err := e.pending.Get(ctx, candidateID)
	if errors.Is(err, conflictstore.ErrNotFound) {
		return schema.PendingResolution{}, errs.New("conflict", errs.CodeNotFound,
			errs.WithMessage("no pending decision for "+candidateID), errs.WithCause(err))
	}
	if err != nil {
		return schema.PendingResolution{}, errs.New("conflict", errs.CodeUnavailable, errs.WithCause(err))
	}
	return p, nil
}

// Decide records the human choice for each pending conflict, in order. A
// decision arriving after the window closed is rejected and the record abandoned.
func (e *Engine) Decide(ctx context.Context, candidateID string, choices []schema.ResolutionSuggestion) (schema.PendingResolution, error) {
	p, err := e.Pending(ctx, candidateID)
	if err != nil {
		return schema.PendingResolution{}, err
	}
	now := e.now()
	switch p.Status {
	case schema.PendingDecided:
		return p, errs.New("conflict", errs.CodeInvalid, errs.WithMessage("decision already recorded"))
	case schema.PendingAbandoned:
		return p, unresolved(candidateID, p.ExpiresAt)
	}
	if p.Expired(now) {
		if err := e.abandon(ctx, p, now); err != nil {
			return p, err
		}
		return p, unresolved(candidateID, p.ExpiresAt)
	}
	if len(choices) != len(p.Conflicts) {
		return p, errs.New("conflict", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("expected %d choices, got %d", len(p.Conflicts), len(choices))))
	}
	decisions := make([]schema.ResolutionResult, 0, len(choices))
	for i, choice := range choices {
		if choice.Action == "" {
			return p, errs.New("conflict", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("choice %d has no action", i)))
		}
		decisions = append(decisions, resolved(p.Conflicts[i], schema.StrategyUserChoice, choice))
	}
	if err := e.pending.MarkDecided(ctx, candidateID, decisions, now); err != nil {
		return p, errs.New("conflict", errs.CodeUnavailable, errs.WithMessage("store decision"), errs.WithCause(err))
	}
	p.Status = schema.PendingDecided
	p.Decisions = decisions
	p.DecidedAt = now
	return p, nil
}

func unresolved(candidateID string, expiredAt time.Time) error {
	return errs.New("conflict", errs.CodeConflictUnresolved,
		errs.WithMessage("decision window for "+candidateID+" closed at "+expiredAt.Format(time.RFC3339)))
}

// SweepAbandoned closes every pending decision whose window has expired and
// reports each one. Abandoned conflicts are never retried.
func (e *Engine) SweepAbandoned(ctx context.Context) (int, error) {
	total := 0
	for {
		now := e.now()
		expired, err := e.pending.ListExpired(ctx, now, e.cfg.SweepBatch)
		if err != nil {
			return total, errs.New("conflict", errs.CodeUnavailable, errs.WithMessage("list expired decisions"), errs.WithCause(err))
		}
		for _, p := range expired {
			if err := e.abandon(ctx, p, now); err != nil {
				return total, err
			}
			total++
		}
		if len(expired) < e.cfg.SweepBatch {
			return total, nil
		}
	}
}

func (e *Engine) abandon(ctx context.Context, p schema.PendingResolution, now time.Time) error {
	if err := e.pending.MarkAbandoned(ctx, p.CandidateID, now); err != nil {
		return errs.New("conflict", errs.CodeUnavailable, errs.WithMessage("mark abandoned"), errs.WithCause(err))
	}
	e.log.Warn("conflict decision abandoned",
		zap.String("candidate_id", p.CandidateID),
		zap.String("user_id", p.UserID),
		zap.Int("conflicts", len(p.Conflicts)))
	e.sink.Record(ctx, monitor.Event{
		Kind:    monitor.KindConflictAbandoned,
		Level:   monitor.LevelWarning,
		Message: fmt.Sprintf("%d conflict(s) left undecided for %s", len(p.Conflicts), p.CandidateID),
		Fields: map[string]string{
			"candidate_id": p.CandidateID,
			"user_id":      p.UserID,
			"expires_at":   p.ExpiresAt.Format(time.RFC3339),
		},
		At: now,
	})
	return nil
}

// Run sweeps abandoned decisions until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := e.SweepAbandoned(ctx); err != nil {
				e.log.Warn("abandonment sweep failed", zap.Error(err))
			} else if n > 0 {
				e.log.Info("abandonment sweep", zap.Int("abandoned", n))
			}
		}
	}
}
