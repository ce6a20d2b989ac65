package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// CalendarStore persists subscriptions, the commitment mirror, sync progress
// and meeting links.
type CalendarStore struct {
	pool *pgxpool.Pool
}

// NewCalendarStore constructs a CalendarStore backed by the provided pool.
func NewCalendarStore(pool *pgxpool.Pool) *CalendarStore {
	return &CalendarStore{pool: pool}
}

const (
	subscriptionUpsertSQL = `
INSERT INTO subscriptions (provider, correlation_key, user_id, calendar_id, strategy, created_at)
VALUES (@provider, @correlation_key, @user_id, @calendar_id, @strategy, @created_at)
ON CONFLICT (provider, correlation_key) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    calendar_id = EXCLUDED.calendar_id,
    strategy = EXCLUDED.strategy;
`

	subscriptionSelectSQL = `
SELECT provider, correlation_key, user_id, calendar_id, strategy, created_at
FROM subscriptions
WHERE provider = @provider AND correlation_key = @correlation_key;
`

	commitmentColumns = `id, user_id, kind, title, starts_at, ends_at, status, in_person,
    location, provider, calendar_id, external_id, etag, updated_at`

	// A row whose etag already matches is left untouched and returns nothing.
	commitmentApplySQL = `
INSERT INTO commitments (` + commitmentColumns + `)
VALUES (
    @id, @user_id, @kind, @title, @starts_at, @ends_at, @status, @in_person,
    @location, @provider, @calendar_id, @external_id, @etag, @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    kind = EXCLUDED.kind,
    title = EXCLUDED.title,
    starts_at = EXCLUDED.starts_at,
    ends_at = EXCLUDED.ends_at,
    status = EXCLUDED.status,
    in_person = EXCLUDED.in_person,
    location = EXCLUDED.location,
    provider = EXCLUDED.provider,
    calendar_id = EXCLUDED.calendar_id,
    external_id = EXCLUDED.external_id,
    etag = EXCLUDED.etag,
    updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.etag = '' OR commitments.etag IS DISTINCT FROM EXCLUDED.etag
RETURNING (xmax = 0) AS inserted;
`

	commitmentWindowSQL = `
SELECT ` + commitmentColumns + `
FROM commitments
WHERE user_id = @user_id AND starts_at < @to AND ends_at > @from
ORDER BY starts_at, id;
`

	commitmentDeleteSQL = `DELETE FROM commitments WHERE id = @id;`

	syncStateSelectSQL = `
SELECT provider, calendar_id, sync_token, last_synced_at
FROM sync_states
WHERE provider = @provider AND calendar_id = @calendar_id;
`

	syncStateUpsertSQL = `
INSERT INTO sync_states (provider, calendar_id, sync_token, last_synced_at)
VALUES (@provider, @calendar_id, @sync_token, @last_synced_at)
ON CONFLICT (provider, calendar_id) DO UPDATE SET
    sync_token = EXCLUDED.sync_token,
    last_synced_at = EXCLUDED.last_synced_at;
`

	meetingLinkUpsertSQL = `
INSERT INTO meeting_links (
    meeting_provider, meeting_id, user_id, calendar_provider, calendar_id, event_id,
    starts_at, status, participants, updated_at
)
VALUES (
    @meeting_provider, @meeting_id, @user_id, @calendar_provider, @calendar_id, @event_id,
    @starts_at, @status, @participants, @updated_at
)
ON CONFLICT (meeting_provider, meeting_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    calendar_provider = EXCLUDED.calendar_provider,
    calendar_id = EXCLUDED.calendar_id,
    event_id = EXCLUDED.event_id,
    starts_at = EXCLUDED.starts_at,
    status = EXCLUDED.status,
    participants = EXCLUDED.participants,
    updated_at = EXCLUDED.updated_at;
`

	meetingLinkSelectSQL = `
SELECT meeting_provider, meeting_id, user_id, calendar_provider, calendar_id, event_id,
    starts_at, status, participants, updated_at
FROM meeting_links
WHERE meeting_provider = @meeting_provider AND meeting_id = @meeting_id;
`

	meetingLinkDeleteSQL = `
DELETE FROM meeting_links
WHERE meeting_provider = @meeting_provider AND meeting_id = @meeting_id;
`
)

func (s *CalendarStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("calendar store: nil pool")
	}
	return s.pool, nil
}

// PutSubscription registers or replaces a notification channel binding.
func (s *CalendarStore) PutSubscription(ctx context.Context, sub schema.Subscription) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	args := pgx.NamedArgs{
		"provider":        string(sub.Provider),
		"correlation_key": sub.CorrelationKey,
		"user_id":         sub.UserID,
		"calendar_id":     sub.CalendarID,
		"strategy":        string(sub.Strategy),
		"created_at":      created.UTC(),
	}
	if _, err := pool.Exec(ctx, subscriptionUpsertSQL, args); err != nil {
		return fmt.Errorf("calendar store: put subscription: %w", err)
	}
	return nil
}

// LookupSubscription resolves a notification channel.
func (s *CalendarStore) LookupSubscription(ctx context.Context, p schema.Provider, correlationKey string) (schema.Subscription, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Subscription{}, err
	}
	var (
		sub                schema.Subscription
		provider, strategy string
	)
	err = pool.QueryRow(ctx, subscriptionSelectSQL, pgx.NamedArgs{
		"provider":        string(p),
		"correlation_key": correlationKey,
	}).Scan(&provider, &sub.CorrelationKey, &sub.UserID, &sub.CalendarID, &strategy, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Subscription{}, calendarstore.ErrNotFound
		}
		return schema.Subscription{}, fmt.Errorf("calendar store: lookup subscription: %w", err)
	}
	sub.Provider = schema.Provider(provider)
	sub.Strategy = schema.ResolutionStrategy(strategy)
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub, nil
}

// ListCommitments returns the user's commitments intersecting [from, to), ordered by start.
func (s *CalendarStore) ListCommitments(ctx context.Context, userID string, from, to time.Time) ([]schema.Commitment, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, commitmentWindowSQL, pgx.NamedArgs{
		"user_id": userID,
		"from":    from.UTC(),
		"to":      to.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("calendar store: list commitments: %w", err)
	}
	defer rows.Close()
	var out []schema.Commitment
	for rows.Next() {
		var (
			c                      schema.Commitment
			kind, status, provider string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &kind, &c.Title, &c.Start, &c.End, &status, &c.InPerson,
			&c.Location, &provider, &c.CalendarID, &c.ExternalID, &c.ETag, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("calendar store: scan commitment: %w", err)
		}
		c.Kind = schema.CommitmentKind(kind)
		c.Status = schema.CommitmentStatus(status)
		c.Provider = schema.Provider(provider)
		c.Start, c.End, c.UpdatedAt = c.Start.UTC(), c.End.UTC(), c.UpdatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calendar store: commitment rows: %w", err)
	}
	return out, nil
}

// ApplyCommitment upserts a commitment; the same etag is a no-op.
func (s *CalendarStore) ApplyCommitment(ctx context.Context, c schema.Commitment) (calendarstore.ApplyOutcome, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return "", err
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	args := pgx.NamedArgs{
		"id":          c.ID,
		"user_id":     c.UserID,
		"kind":        string(c.Kind),
		"title":       c.Title,
		"starts_at":   c.Start.UTC(),
		"ends_at":     c.End.UTC(),
		"status":      string(c.Status),
		"in_person":   c.InPerson,
		"location":    c.Location,
		"provider":    string(c.Provider),
		"calendar_id": c.CalendarID,
		"external_id": c.ExternalID,
		"etag":        c.ETag,
		"updated_at":  updated.UTC(),
	}
	var inserted bool
	if err := pool.QueryRow(ctx, commitmentApplySQL, args).Scan(&inserted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calendarstore.ApplyUnchanged, nil
		}
		return "", fmt.Errorf("calendar store: apply commitment: %w", err)
	}
	if inserted {
		return calendarstore.ApplyInserted, nil
	}
	return calendarstore.ApplyUpdated, nil
}

// RemoveCommitment deletes a commitment, reporting whether it existed.
func (s *CalendarStore) RemoveCommitment(ctx context.Context, id string) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, commitmentDeleteSQL, pgx.NamedArgs{"id": id})
	if err != nil {
		return false, fmt.Errorf("calendar store: remove commitment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSyncState returns the sync progress of a calendar.
func (s *CalendarStore) GetSyncState(ctx context.Context, p schema.Provider, calendarID string) (schema.SyncState, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.SyncState{}, err
	}
	var (
		st       schema.SyncState
		provider string
	)
	err = pool.QueryRow(ctx, syncStateSelectSQL, pgx.NamedArgs{
		"provider":    string(p),
		"calendar_id": calendarID,
	}).Scan(&provider, &st.CalendarID, &st.SyncToken, &st.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.SyncState{}, calendarstore.ErrNotFound
		}
		return schema.SyncState{}, fmt.Errorf("calendar store: get sync state: %w", err)
	}
	st.Provider = schema.Provider(provider)
	st.LastSyncedAt = st.LastSyncedAt.UTC()
	return st, nil
}

// SaveSyncState stores sync progress.
func (s *CalendarStore) SaveSyncState(ctx context.Context, st schema.SyncState) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, syncStateUpsertSQL, pgx.NamedArgs{
		"provider":       string(st.Provider),
		"calendar_id":    st.CalendarID,
		"sync_token":     st.SyncToken,
		"last_synced_at": st.LastSyncedAt.UTC(),
	}); err != nil {
		return fmt.Errorf("calendar store: save sync state: %w", err)
	}
	return nil
}

// PutMeetingLink stores a meeting link.
func (s *CalendarStore) PutMeetingLink(ctx context.Context, link schema.MeetingLink) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, meetingLinkUpsertSQL, pgx.NamedArgs{
		"meeting_provider":  string(link.MeetingProvider),
		"meeting_id":        link.MeetingID,
		"user_id":           link.UserID,
		"calendar_provider": string(link.CalendarProvider),
		"calendar_id":       link.CalendarID,
		"event_id":          link.EventID,
		"starts_at":         nullableTime(link.Start),
		"status":            string(link.Status),
		"participants":      link.Participants,
		"updated_at":        nullableTime(link.UpdatedAt),
	}); err != nil {
		return fmt.Errorf("calendar store: put meeting link: %w", err)
	}
	return nil
}

// GetMeetingLink returns the link of a meeting.
func (s *CalendarStore) GetMeetingLink(ctx context.Context, p schema.Provider, meetingID string) (schema.MeetingLink, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.MeetingLink{}, err
	}
	var (
		link                     schema.MeetingLink
		meetingProvider, calProv string
		status                   string
		start, updated           *time.Time
	)
	err = pool.QueryRow(ctx, meetingLinkSelectSQL, pgx.NamedArgs{
		"meeting_provider": string(p),
		"meeting_id":       meetingID,
	}).Scan(&meetingProvider, &link.MeetingID, &link.UserID, &calProv, &link.CalendarID, &link.EventID,
		&start, &status, &link.Participants, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.MeetingLink{}, calendarstore.ErrNotFound
		}
		return schema.MeetingLink{}, fmt.Errorf("calendar store: get meeting link: %w", err)
	}
	link.MeetingProvider = schema.Provider(meetingProvider)
	link.CalendarProvider = schema.Provider(calProv)
	link.Status = schema.MeetingStatus(status)
	link.Start = timeValue(start)
	link.UpdatedAt = timeValue(updated)
	return link, nil
}

// DeleteMeetingLink removes a meeting link.
func (s *CalendarStore) DeleteMeetingLink(ctx context.Context, p schema.Provider, meetingID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, meetingLinkDeleteSQL, pgx.NamedArgs{
		"meeting_provider": string(p),
		"meeting_id":       meetingID,
	}); err != nil {
		return fmt.Errorf("calendar store: delete meeting link: %w", err)
	}
	return nil
}

var _ calendarstore.Store = (*CalendarStore)(nil)
