package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meetbridge/internal/domain/conflictstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// ConflictStore persists conflicts awaiting a human decision.
type ConflictStore struct {
	pool *pgxpool.Pool
}

// NewConflictStore constructs a ConflictStore backed by the provided pool.
func NewConflictStore(pool *pgxpool.Pool) *ConflictStore {
	return &ConflictStore{pool: pool}
}

const (
	pendingColumns = `id, candidate_id, user_id, candidate, conflicts, status, decisions,
    created_at, expires_at, decided_at`

	pendingUpsertSQL = `
INSERT INTO pending_resolutions (
    id, candidate_id, user_id, candidate, conflicts, status, decisions,
    created_at, expires_at, decided_at
)
VALUES (
    @id, @candidate_id, @user_id, @candidate::jsonb, @conflicts::jsonb, @status, @decisions::jsonb,
    @created_at, @expires_at, @decided_at
)
ON CONFLICT (candidate_id) DO UPDATE SET
    id = EXCLUDED.id,
    user_id = EXCLUDED.user_id,
    candidate = EXCLUDED.candidate,
    conflicts = EXCLUDED.conflicts,
    status = EXCLUDED.status,
    decisions = EXCLUDED.decisions,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    decided_at = EXCLUDED.decided_at;
`

	pendingGetSQL = `SELECT ` + pendingColumns + ` FROM pending_resolutions WHERE candidate_id = @candidate_id;`

	pendingExpiredSQL = `
SELECT ` + pendingColumns + `
FROM pending_resolutions
WHERE status = 'pending' AND expires_at <= @now
ORDER BY expires_at
LIMIT @limit;
`

	pendingAbandonSQL = `
UPDATE pending_resolutions
SET status = 'abandoned', decided_at = @now
WHERE candidate_id = @candidate_id;
`

	pendingDecideSQL = `
UPDATE pending_resolutions
SET status = 'decided', decisions = @decisions::jsonb, decided_at = @now
WHERE candidate_id = @candidate_id;
`

	defaultExpiredLimit = 100
)

func (s *ConflictStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("conflict store: nil pool")
	}
	return s.pool, nil
}

// Save inserts or replaces the pending record of a candidate.
func (s *ConflictStore) Save(ctx context.Context, p schema.PendingResolution) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	candidate, err := json.Marshal(p.Candidate)
	if err != nil {
		return fmt.Errorf("conflict store: encode candidate: %w", err)
	}
	conflicts, err := json.Marshal(p.Conflicts)
	if err != nil {
		return fmt.Errorf("conflict store: encode conflicts: %w", err)
	}
	decisions, err := encodeDecisions(p.Decisions)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":           p.ID,
		"candidate_id": p.CandidateID,
		"user_id":      p.UserID,
		"candidate":    string(candidate),
		"conflicts":    string(conflicts),
		"status":       string(p.Status),
		"decisions":    decisions,
		"created_at":   p.CreatedAt.UTC(),
		"expires_at":   p.ExpiresAt.UTC(),
		"decided_at":   nullableTime(p.DecidedAt),
	}
	if _, err := pool.Exec(ctx, pendingUpsertSQL, args); err != nil {
		return fmt.Errorf("conflict store: save: %w", err)
	}
	return nil
}

// Get returns the record of a candidate.
func (s *ConflictStore) Get(ctx context.Context, candidateID string) (schema.PendingResolution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.PendingResolution{}, err
	}
	p, err := scanPending(pool.QueryRow(ctx, pendingGetSQL, pgx.NamedArgs{"candidate_id": candidateID}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.PendingResolution{}, conflictstore.ErrNotFound
		}
		return schema.PendingResolution{}, fmt.Errorf("conflict store: get: %w", err)
	}
	return p, nil
}

// ListExpired returns open records whose decision window closed, oldest first.
func (s *ConflictStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]schema.PendingResolution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultExpiredLimit
	}
	rows, err := pool.Query(ctx, pendingExpiredSQL, pgx.NamedArgs{"now": now.UTC(), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("conflict store: list expired: %w", err)
	}
	defer rows.Close()
	var out []schema.PendingResolution
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("conflict store: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict store: rows: %w", err)
	}
	return out, nil
}

// MarkAbandoned closes an open record without a decision.
func (s *ConflictStore) MarkAbandoned(ctx context.Context, candidateID string, now time.Time) error {
	return s.update(ctx, "abandon", pendingAbandonSQL, pgx.NamedArgs{"candidate_id": candidateID, "now": now.UTC()})
}

// MarkDecided stores a human decision.
func (s *ConflictStore) MarkDecided(ctx context.Context, candidateID string, decisions []schema.ResolutionResult, now time.Time) error {
	encoded, err := encodeDecisions(decisions)
	if err != nil {
		return err
	}
	return s.update(ctx, "decide", pendingDecideSQL, pgx.NamedArgs{
		"candidate_id": candidateID,
		"decisions":    encoded,
		"now":          now.UTC(),
	})
}

func (s *ConflictStore) update(ctx context.Context, op, sql string, args pgx.NamedArgs) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args)
	if err != nil {
		return fmt.Errorf("conflict store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return conflictstore.ErrNotFound
	}
	return nil
}

func encodeDecisions(decisions []schema.ResolutionResult) (*string, error) {
	if len(decisions) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(decisions)
	if err != nil {
		return nil, fmt.Errorf("conflict store: encode decisions: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}

func scanPending(row pgx.Row) (schema.PendingResolution, error) {
	var (
		p                              schema.PendingResolution
		status                         string
		candidate, conflicts, decision []byte
		decidedAt                      *time.Time
	)
	if err := row.Scan(
		&p.ID,
		&p.CandidateID,
		&p.UserID,
		&candidate,
		&conflicts,
		&status,
		&decision,
		&p.CreatedAt,
		&p.ExpiresAt,
		&decidedAt,
	); err != nil {
		return schema.PendingResolution{}, err
	}
	if err := json.Unmarshal(candidate, &p.Candidate); err != nil {
		return schema.PendingResolution{}, fmt.Errorf("decode candidate: %w", err)
	}
	if err := json.Unmarshal(conflicts, &p.Conflicts); err != nil {
		return schema.PendingResolution{}, fmt.Errorf("decode conflicts: %w", err)
	}
	if len(decision) > 0 {
		if err := json.Unmarshal(decision, &p.Decisions); err != nil {
			return schema.PendingResolution{}, fmt.Errorf("decode decisions: %w", err)
		}
	}
	p.Status = schema.PendingStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.DecidedAt = timeValue(decidedAt)
	return p, nil
}

var _ conflictstore.Store = (*ConflictStore)(nil)
