// Package normalize turns authenticated provider payloads into ChangeEvents.
package normalize

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Header names read from header-only notifications.
const (
	HeaderGoogleResourceState = "X-Goog-Resource-State"
	HeaderGoogleResourceID    = "X-Goog-Resource-ID"
	HeaderGoogleResourceURI   = "X-Goog-Resource-URI"
	HeaderGoogleChannelID     = "X-Goog-Channel-ID"
	HeaderGoogleMessageNumber = "X-Goog-Message-Number"
)

// ZoomURLValidation is the meeting service's endpoint validation event.
const ZoomURLValidation = "endpoint.url_validation"

// Normalizer dispatches on provider and extracts a ChangeEvent. A nil event
// with a nil error means the payload carries nothing actionable.
type Normalizer struct {
	now func() time.Time
}

// Option customises a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// New constructs a normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Normalize parses one notification of provider p.
func (n *Normalizer) Normalize(p schema.Provider, headers http.Header, body []byte) (*schema.ChangeEvent, error) {
	switch p {
	case schema.ProviderGoogle:
		return n.google(headers)
	case schema.ProviderMicrosoft:
		return n.microsoft(body)
	case schema.ProviderZoom:
		return n.zoom(body)
	case schema.ProviderCalDAV:
		return n.caldav(body)
	default:
		return nil, invalid(p, "unsupported provider")
	}
}

func invalid(p schema.Provider, msg string) error {
	return errs.New(string(p), errs.CodeInvalid, errs.WithMessage(msg), errs.WithHTTP(http.StatusBadRequest))
}

func malformed(p schema.Provider, err error) error {
	return errs.New(string(p), errs.CodeInvalid,
		errs.WithMessage("malformed payload"),
		errs.WithHTTP(http.StatusBadRequest),
		errs.WithCause(err))
}

func (n *Normalizer) build(evt schema.ChangeEvent) (*schema.ChangeEvent, error) {
	evt.ReceivedAt = n.now()
	out, err := schema.NewChangeEvent(evt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *Normalizer) google(h http.Header) (*schema.ChangeEvent, error) {
	p := schema.ProviderGoogle
	var kind schema.ChangeKind
	switch state := strings.ToLower(strings.TrimSpace(h.Get(HeaderGoogleResourceState))); state {
	case "sync":
		return nil, nil
	case "exists":
		kind = schema.ChangeUpdated
	case "not_exists":
		kind = schema.ChangeDeleted
	case "":
		return nil, invalid(p, "missing resource state")
	default:
		return nil, invalid(p, "unknown resource state "+state)
	}
	channel := strings.TrimSpace(h.Get(HeaderGoogleChannelID))
	if channel == "" {
		return nil, invalid(p, "missing channel id")
	}
	return n.build(schema.ChangeEvent{
		Provider:         p,
		ExternalID:       h.Get(HeaderGoogleResourceID),
		CalendarID:       googleCalendarID(h.Get(HeaderGoogleResourceURI)),
		Kind:             kind,
		RawCorrelationID: channel,
		DeliveryID:       h.Get(HeaderGoogleMessageNumber),
	})
}

// googleCalendarID extracts the calendar from a watched resource URI such as
// https://www.googleapis.com/calendar/v3/calendars/{id}/events.
func googleCalendarID(uri string) string {
	const marker = "/calendars/"
	i := strings.Index(uri, marker)
	if i < 0 {
		return ""
	}
	rest := uri[i+len(marker):]
	if j := strings.IndexAny(rest, "/?"); j >= 0 {
		rest = rest[:j]
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return rest
	}
	return id
}

type graphEnvelope struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	LifecycleEvent string `json:"lifecycleEvent"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

func (n *Normalizer) microsoft(body []byte) (*schema.ChangeEvent, error) {
	p := schema.ProviderMicrosoft
	var env graphEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(p, err)
	}
	if len(env.Value) == 0 {
		return nil, invalid(p, "notification array is empty")
	}
	for _, note := range env.Value {
		if note.SubscriptionID == "" {
			return nil, invalid(p, "notification without subscriptionId")
		}
		kind, actionable := graphKind(note)
		if !actionable {
			continue
		}
		externalID := note.ResourceData.ID
		if externalID == "" && kind != schema.ChangeCalendar {
			externalID = lastSegment(note.Resource)
		}
		return n.build(schema.ChangeEvent{
			Provider:         p,
			ExternalID:       externalID,
			CalendarID:       graphCalendarID(note.Resource),
			Kind:             kind,
			RawCorrelationID: note.SubscriptionID,
		})
	}
	return nil, nil
}

// graphKind classifies a notification; lifecycle notifications other than a
// missed-delivery signal carry no calendar change.
func graphKind(note graphNotification) (schema.ChangeKind, bool) {
	if note.LifecycleEvent != "" {
		if strings.EqualFold(note.LifecycleEvent, "missed") {
			return schema.ChangeCalendar, true
		}
		return "", false
	}
	switch strings.ToLower(note.ChangeType) {
	case "created":
		return schema.ChangeCreated, true
	case "updated":
		return schema.ChangeUpdated, true
	case "deleted":
		return schema.ChangeDeleted, true
	default:
		return "", false
	}
}

func graphCalendarID(resource string) string {
	parts := strings.Split(resource, "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "calendars") {
			return parts[i+1]
		}
	}
	return ""
}

func lastSegment(resource string) string {
	resource = strings.TrimRight(resource, "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}

type zoomEnvelope struct {
	Event   string `json:"event"`
	EventTS int64  `json:"event_ts"`
	Payload struct {
		PlainToken string `json:"plainToken"`
		Object     struct {
			ID        flexibleID `json:"id"`
			StartTime string     `json:"start_time"`
		} `json:"object"`
	} `json:"payload"`
}

// flexibleID accepts ids encoded as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*f = flexibleID(num.String())
	return nil
}

var zoomEvents = map[string]schema.MeetingEvent{
	string(schema.MeetingCreated):           schema.MeetingCreated,
	string(schema.MeetingUpdated):           schema.MeetingUpdated,
	string(schema.MeetingDeleted):           schema.MeetingDeleted,
	string(schema.MeetingStarted):           schema.MeetingStarted,
	string(schema.MeetingEnded):             schema.MeetingEnded,
	string(schema.MeetingParticipantJoined): schema.MeetingParticipantJoined,
	string(schema.MeetingParticipantLeft):   schema.MeetingParticipantLeft,
}

// ZoomPlainToken returns the token of an endpoint validation request, if body is one.
func ZoomPlainToken(body []byte) (string, bool) {
	var env zoomEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event != ZoomURLValidation {
		return "", false
	}
	return env.Payload.PlainToken, env.Payload.PlainToken != ""
}

func (n *Normalizer) zoom(body []byte) (*schema.ChangeEvent, error) {
	p := schema.ProviderZoom
	var env zoomEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(p, err)
	}
	if env.Event == "" {
		return nil, invalid(p, "missing event")
	}
	if env.Event == ZoomURLValidation {
		return nil, nil
	}
	event, ok := zoomEvents[env.Event]
	if !ok {
		return nil, nil
	}
	meetingID := strings.TrimSpace(string(env.Payload.Object.ID))
	if meetingID == "" {
		return nil, invalid(p, "missing meeting id")
	}
	var start time.Time
	if env.Payload.Object.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, env.Payload.Object.StartTime)
		if err != nil {
			return nil, malformed(p, err)
		}
		start = parsed
	}
	return n.build(schema.ChangeEvent{
		Provider:         p,
		ExternalID:       meetingID,
		Kind:             event.ChangeKind(),
		MeetingEvent:     event,
		MeetingStart:     start,
		RawCorrelationID: meetingID,
	})
}

type davNotification struct {
	CalendarID string `json:"calendarId"`
	EventUID   string `json:"eventUid"`
	Action     string `json:"action"`
}

func (n *Normalizer) caldav(body []byte) (*schema.ChangeEvent, error) {
	p := schema.ProviderCalDAV
	var note davNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, malformed(p, err)
	}
	action := strings.ToLower(strings.TrimSpace(note.Action))
	if action == "sync-init" {
		return nil, nil
	}
	if strings.TrimSpace(note.CalendarID) == "" {
		return nil, invalid(p, "missing calendarId")
	}
	var kind schema.ChangeKind
	switch action {
	case "created", "create":
		kind = schema.ChangeCreated
	case "updated", "update", "modified":
		kind = schema.ChangeUpdated
	case "deleted", "delete":
		kind = schema.ChangeDeleted
	case "calendar", "sync":
		kind = schema.ChangeCalendar
	case "":
		return nil, invalid(p, "missing action")
	default:
		return nil, invalid(p, "unknown action "+action)
	}
	if kind != schema.ChangeCalendar && strings.TrimSpace(note.EventUID) == "" {
		return nil, invalid(p, "missing eventUid")
	}
	return n.build(schema.ChangeEvent{
		Provider:         p,
		ExternalID:       note.EventUID,
		CalendarID:       note.CalendarID,
		Kind:             kind,
		RawCorrelationID: note.CalendarID,
	})
}
