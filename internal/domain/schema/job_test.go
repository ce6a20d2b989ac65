package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, evt ChangeEvent) ChangeEvent {
	t.Helper()
	out, err := NewChangeEvent(evt)
	require.NoError(t, err)
	return out
}

func TestClassifyPriority(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		evt  ChangeEvent
		want Priority
	}{
		{"live meeting", ChangeEvent{Provider: ProviderZoom, Kind: ChangeUpdated, MeetingEvent: MeetingStarted}, PriorityHigh},
		{"participant joined", ChangeEvent{Provider: ProviderZoom, Kind: ChangeUpdated, MeetingEvent: MeetingParticipantJoined}, PriorityHigh},
		{"meeting deleted", ChangeEvent{Provider: ProviderZoom, Kind: ChangeDeleted, MeetingEvent: MeetingDeleted}, PriorityMedium},
		{"meeting created", ChangeEvent{Provider: ProviderZoom, Kind: ChangeCreated, MeetingEvent: MeetingCreated}, PriorityLow},
		{"calendar update", ChangeEvent{Provider: ProviderGoogle, Kind: ChangeUpdated}, PriorityMedium},
		{"calendar delete", ChangeEvent{Provider: ProviderMicrosoft, Kind: ChangeDeleted}, PriorityMedium},
		{"calendar create", ChangeEvent{Provider: ProviderCalDAV, Kind: ChangeCreated}, PriorityLow},
		{"calendar level", ChangeEvent{Provider: ProviderGoogle, Kind: ChangeCalendar}, PriorityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.evt.RawCorrelationID = "corr"
			tc.evt.ReceivedAt = now
			require.Equal(t, tc.want, ClassifyPriority(mustEvent(t, tc.evt)))
		})
	}
}

func TestNewChangeEventRejectsMissingFields(t *testing.T) {
	_, err := NewChangeEvent(ChangeEvent{Provider: "icloud", Kind: ChangeCreated, RawCorrelationID: "x", ReceivedAt: time.Now()})
	require.Error(t, err)
	_, err = NewChangeEvent(ChangeEvent{Provider: ProviderGoogle, Kind: "moved", RawCorrelationID: "x", ReceivedAt: time.Now()})
	require.Error(t, err)
	_, err = NewChangeEvent(ChangeEvent{Provider: ProviderGoogle, Kind: ChangeCreated, RawCorrelationID: "  ", ReceivedAt: time.Now()})
	require.Error(t, err)
}

func TestNewJobFromChangeEventSelectsPayloadVariant(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	sync := NewJobFromChangeEvent("job-1", mustEvent(t, ChangeEvent{
		Provider: ProviderGoogle, Kind: ChangeUpdated, CalendarID: "primary", RawCorrelationID: "chan-1", ReceivedAt: now,
	}), 0)
	require.Equal(t, JobKindSync, sync.Kind)
	require.Equal(t, JobPending, sync.Status)
	require.Equal(t, DefaultMaxAttempts, sync.MaxAttempts)
	require.NoError(t, sync.Validate())
	payload, ok := sync.Payload.(SyncPayload)
	require.True(t, ok)
	require.Equal(t, "chan-1", payload.CorrelationID)

	meeting := NewJobFromChangeEvent("job-2", mustEvent(t, ChangeEvent{
		Provider: ProviderZoom, Kind: ChangeUpdated, MeetingEvent: MeetingEnded, ExternalID: "m-9", RawCorrelationID: "m-9", ReceivedAt: now,
	}), 5)
	require.Equal(t, JobKindMeetingEvent, meeting.Kind)
	require.Equal(t, PriorityHigh, meeting.Priority)
	require.Equal(t, 5, meeting.MaxAttempts)
	require.NoError(t, meeting.Validate())
}

func TestJobValidateRejectsMismatchedPayload(t *testing.T) {
	job := Job{ID: "j", Kind: JobKindSync, Priority: PriorityLow, MaxAttempts: 3, Payload: MeetingPayload{}}
	require.Error(t, job.Validate())
}

func TestDecodePayloadUsesKindDiscriminator(t *testing.T) {
	original := MeetingPayload{Provider: ProviderZoom, MeetingID: "123", Event: MeetingDeleted, CorrelationID: "123"}
	raw, err := EncodePayload(original)
	require.NoError(t, err)

	decoded, err := DecodePayload(JobKindMeetingEvent, raw)
	require.NoError(t, err)
	require.Equal(t, original, decoded)

	_, err = DecodePayload("unknown", raw)
	require.Error(t, err)
}

func TestOverlapMinutesHalfOpen(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	require.Equal(t, 30, OverlapMinutes(base, base.Add(time.Hour), base.Add(30*time.Minute), base.Add(2*time.Hour)))
	require.Equal(t, 0, OverlapMinutes(base, base.Add(time.Hour), base.Add(time.Hour), base.Add(2*time.Hour)))
	require.False(t, IntervalsOverlap(base, base.Add(time.Hour), base.Add(time.Hour), base.Add(2*time.Hour)))
}
