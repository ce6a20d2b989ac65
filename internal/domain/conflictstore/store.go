// Package conflictstore defines persistence contracts for conflicts awaiting a human decision.
package conflictstore

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// ErrNotFound is returned when no pending record exists for a candidate.
var ErrNotFound = errors.New("conflictstore: pending resolution not found")

// Store persists pending resolutions keyed by candidate id.
type Store interface {
	Save(ctx context.Context, pending schema.PendingResolution) error
	Get(ctx context.Context, candidateID string) (schema.PendingResolution, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]schema.PendingResolution, error)
	MarkAbandoned(ctx context.Context, candidateID string, now time.Time) error
	MarkDecided(ctx context.Context, candidateID string, decisions []schema.ResolutionResult, now time.Time) error
}
