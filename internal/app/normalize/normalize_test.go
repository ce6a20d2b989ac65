package normalize

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

var received = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newNormalizer() *Normalizer {
	return New(WithClock(func() time.Time { return received }))
}

func googleHeaders(state string) http.Header {
	h := http.Header{}
	h.Set(HeaderGoogleResourceState, state)
	h.Set(HeaderGoogleResourceID, "res-1")
	h.Set(HeaderGoogleChannelID, "chan-1")
	h.Set(HeaderGoogleResourceURI, "https://www.googleapis.com/calendar/v3/calendars/team%40example.com/events?alt=json")
	return h
}

func TestGoogleHeaderOnlyNotifications(t *testing.T) {
	n := newNormalizer()

	evt, err := n.Normalize(schema.ProviderGoogle, googleHeaders("sync"), nil)
	require.NoError(t, err)
	require.Nil(t, evt)

	evt, err = n.Normalize(schema.ProviderGoogle, googleHeaders("exists"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.ChangeEvent{
		Provider:         schema.ProviderGoogle,
		ExternalID:       "res-1",
		CalendarID:       "team@example.com",
		Kind:             schema.ChangeUpdated,
		ReceivedAt:       received,
		RawCorrelationID: "chan-1",
	}, *evt)

	evt, err = n.Normalize(schema.ProviderGoogle, googleHeaders("not_exists"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.ChangeDeleted, evt.Kind)

	numbered := googleHeaders("exists")
	numbered.Set(HeaderGoogleMessageNumber, " 42 ")
	evt, err = n.Normalize(schema.ProviderGoogle, numbered, nil)
	require.NoError(t, err)
	require.Equal(t, "42", evt.DeliveryID)

	_, err = n.Normalize(schema.ProviderGoogle, googleHeaders("bogus"), nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestMicrosoftUsesFirstActionableNotification(t *testing.T) {
	n := newNormalizer()
	body := []byte(`{"value":[
		{"subscriptionId":"sub-1","lifecycleEvent":"reauthorizationRequired","clientState":"s"},
		{"subscriptionId":"sub-1","changeType":"deleted","resource":"Users/u1/calendars/cal-9/events/AAMk1","resourceData":{"id":""},"clientState":"s"},
		{"subscriptionId":"sub-1","changeType":"created","resource":"Users/u1/events/AAMk2","resourceData":{"id":"AAMk2"},"clientState":"s"}
	]}`)
	evt, err := n.Normalize(schema.ProviderMicrosoft, nil, body)
	require.NoError(t, err)
	require.Equal(t, schema.ChangeDeleted, evt.Kind)
	require.Equal(t, "AAMk1", evt.ExternalID)
	require.Equal(t, "cal-9", evt.CalendarID)
	require.Equal(t, "sub-1", evt.RawCorrelationID)
}

func TestMicrosoftStructuralErrors(t *testing.T) {
	n := newNormalizer()
	_, err := n.Normalize(schema.ProviderMicrosoft, nil, []byte(`{"value":[]}`))
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = n.Normalize(schema.ProviderMicrosoft, nil, []byte(`{"value":{}}`))
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, http.StatusBadRequest, errs.HTTPStatus(err))

	evt, err := n.Normalize(schema.ProviderMicrosoft, nil, []byte(`{"value":[{"subscriptionId":"s","lifecycleEvent":"subscriptionRemoved"}]}`))
	require.NoError(t, err)
	require.Nil(t, evt)

	evt, err = n.Normalize(schema.ProviderMicrosoft, nil, []byte(`{"value":[{"subscriptionId":"s","lifecycleEvent":"missed"}]}`))
	require.NoError(t, err)
	require.Equal(t, schema.ChangeCalendar, evt.Kind)
}

func TestZoomEvents(t *testing.T) {
	n := newNormalizer()

	evt, err := n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`))
	require.NoError(t, err)
	require.Nil(t, evt)
	token, ok := ZoomPlainToken([]byte(`{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`))
	require.True(t, ok)
	require.Equal(t, "abc", token)

	evt, err = n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":"meeting.started","event_ts":1714824000000,"payload":{"object":{"id":85746065432,"start_time":"2026-05-04T12:00:00Z"}}}`))
	require.NoError(t, err)
	require.Equal(t, "85746065432", evt.ExternalID)
	require.Equal(t, "85746065432", evt.RawCorrelationID)
	require.Equal(t, schema.MeetingStarted, evt.MeetingEvent)
	require.Equal(t, schema.ChangeUpdated, evt.Kind)
	require.Equal(t, received, evt.MeetingStart)

	evt, err = n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":"meeting.deleted","payload":{"object":{"id":"m-1"}}}`))
	require.NoError(t, err)
	require.Equal(t, schema.ChangeDeleted, evt.Kind)

	evt, err = n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":"recording.completed","payload":{"object":{"id":"m-1"}}}`))
	require.NoError(t, err)
	require.Nil(t, evt)

	_, err = n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":"meeting.ended","payload":{"object":{}}}`))
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = n.Normalize(schema.ProviderZoom, nil, []byte(`{"event":`))
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestCalDAVActions(t *testing.T) {
	n := newNormalizer()

	evt, err := n.Normalize(schema.ProviderCalDAV, nil, []byte(`{"calendarId":"home","action":"sync-init"}`))
	require.NoError(t, err)
	require.Nil(t, evt)

	evt, err = n.Normalize(schema.ProviderCalDAV, nil, []byte(`{"calendarId":"home","eventUid":"uid-1","action":"modified"}`))
	require.NoError(t, err)
	require.Equal(t, schema.ChangeUpdated, evt.Kind)
	require.Equal(t, "home", evt.CalendarID)
	require.Equal(t, "home", evt.RawCorrelationID)

	_, err = n.Normalize(schema.ProviderCalDAV, nil, []byte(`{"calendarId":"home","action":"created"}`))
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = n.Normalize(schema.ProviderCalDAV, nil, []byte(`[]`))
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
