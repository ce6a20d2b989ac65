// Package notify carries notification decisions to the delivery collaborator.
// Rendering and delivery happen elsewhere.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Topic names what a notification is about.
type Topic string

const (
	TopicConflictDetected Topic = "conflict_detected"
	TopicConflictResolved Topic = "conflict_resolved"
	TopicDecisionRequired Topic = "decision_required"
	TopicMeetingStarted   Topic = "meeting_started"
	TopicMeetingEnded     Topic = "meeting_ended"
	TopicMeetingCancelled Topic = "meeting_cancelled"
	TopicCalendarChanged  Topic = "calendar_changed"
)

// Notification is a decision that a user should be told something.
type Notification struct {
	UserID       string                    `json:"userId"`
	Topic        Topic                     `json:"topic"`
	Provider     schema.Provider           `json:"provider,omitempty"`
	CommitmentID string                    `json:"commitmentId,omitempty"`
	Summary      string                    `json:"summary"`
	Results      []schema.ResolutionResult `json:"results,omitempty"`
	CreatedAt    time.Time                 `json:"createdAt"`
}

// Notifier delivers notification decisions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier constructs a notifier logging at info level.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("notification",
		zap.String("user_id", n.UserID),
		zap.String("topic", string(n.Topic)),
		zap.String("provider", string(n.Provider)),
		zap.String("commitment_id", n.CommitmentID),
		zap.String("summary", n.Summary),
		zap.Int("results", len(n.Results)))
	return nil
}

// Recorder keeps notifications in memory for tests and the dev server.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
	return nil
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// ByTopic returns the recorded notifications of one topic.
func (r *Recorder) ByTopic(topic Topic) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Topic == topic {
			out = append(out, n)
		}
	}
	return out
}

// Fanout delivers to every notifier, returning the first error.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, target := range f {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
