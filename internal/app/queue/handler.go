package queue

import (
	"context"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Handler processes one claimed job and returns an optional result summary.
// Returning an errs.CodePermanent (or other non-retryable) error fails the job
// without further attempts.
type Handler interface {
	Handle(ctx context.Context, job schema.Job) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job schema.Job) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job schema.Job) (string, error) {
	return f(ctx, job)
}
