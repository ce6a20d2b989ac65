package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
}

func TestStoresRejectNilPool(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := New(nil)

	checks := map[string]func() error{
		"job insert": func() error {
			_, err := store.Jobs().Insert(ctx, schema.Job{ID: "job-1"})
			return err
		},
		"job claim": func() error {
			_, _, err := store.Jobs().Claim(ctx, now)
			return err
		},
		"job stats": func() error {
			_, err := store.Jobs().Stats(ctx)
			return err
		},
		"conflict save": func() error {
			return store.Conflicts().Save(ctx, schema.PendingResolution{CandidateID: "c-1"})
		},
		"conflict expired": func() error {
			_, err := store.Conflicts().ListExpired(ctx, now, 0)
			return err
		},
		"breaker save": func() error {
			return store.Breakers().SaveBreaker(ctx, schema.CircuitBreakerState{Provider: schema.ProviderGoogle})
		},
		"breaker load": func() error {
			_, err := store.Breakers().LoadBreakers(ctx)
			return err
		},
		"subscription lookup": func() error {
			_, err := store.Calendars().LookupSubscription(ctx, schema.ProviderGoogle, "chan")
			return err
		},
		"commitment apply": func() error {
			_, err := store.Calendars().ApplyCommitment(ctx, schema.Commitment{ID: "evt"})
			return err
		},
		"sync state save": func() error {
			return store.Calendars().SaveSyncState(ctx, schema.SyncState{Provider: schema.ProviderGoogle})
		},
		"meeting link get": func() error {
			_, err := store.Calendars().GetMeetingLink(ctx, schema.ProviderZoom, "m-1")
			return err
		},
	}
	for name, check := range checks {
		err := check()
		if err == nil {
			t.Fatalf("%s: expected nil pool error", name)
		}
		if !strings.Contains(err.Error(), "nil pool") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestNullableTimeRoundTrip(t *testing.T) {
	if nullableTime(time.Time{}) != nil {
		t.Fatalf("expected zero time to map to NULL")
	}
	if !timeValue(nil).IsZero() {
		t.Fatalf("expected NULL to map to zero time")
	}
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	got := timeValue(nullableTime(ts))
	if !got.Equal(ts) {
		t.Fatalf("expected %s, got %s", ts, got)
	}
}

func TestEncodeDecisionsEmptyIsNull(t *testing.T) {
	encoded, err := encodeDecisions(nil)
	if err != nil {
		t.Fatalf("encode decisions: %v", err)
	}
	if encoded != nil {
		t.Fatalf("expected nil for empty decisions")
	}
	encoded, err = encodeDecisions([]schema.ResolutionResult{{Status: schema.ResolutionPending}})
	if err != nil {
		t.Fatalf("encode decisions: %v", err)
	}
	if encoded == nil || !strings.Contains(*encoded, `"pending"`) {
		t.Fatalf("unexpected encoding %v", encoded)
	}
}
