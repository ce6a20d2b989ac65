package fake

import (
	"sort"
	"strconv"
	"strings"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type calendarState struct {
	version int64
	events  map[string]schema.ExternalEvent
	// changed records the version at which each event id last changed.
	changed map[string]int64
}

func newCalendarState() *calendarState {
	return &calendarState{
		events:  make(map[string]schema.ExternalEvent),
		changed: make(map[string]int64),
	}
}

func (c *calendarState) put(evt schema.ExternalEvent) schema.ExternalEvent {
	c.version++
	evt.ETag = "etag-" + strconv.FormatInt(c.version, 10)
	c.events[evt.ID] = evt
	c.changed[evt.ID] = c.version
	return evt
}

func (c *calendarState) remove(id string) (schema.ExternalEvent, bool) {
	evt, ok := c.events[id]
	if !ok || evt.Cancelled {
		return schema.ExternalEvent{}, false
	}
	c.version++
	evt.Cancelled = true
	evt.ETag = "etag-" + strconv.FormatInt(c.version, 10)
	c.events[id] = evt
	c.changed[id] = c.version
	return evt, true
}

func (c *calendarState) token() string {
	return "v" + strconv.FormatInt(c.version, 10)
}

// changesSince returns events changed after the version encoded in token. An
// empty token is a full sync that omits cancelled events.
func (c *calendarState) changesSince(token string) ([]schema.ExternalEvent, bool) {
	var since int64
	full := token == ""
	if !full {
		v, err := strconv.ParseInt(strings.TrimPrefix(token, "v"), 10, 64)
		if err != nil || v < 0 || v > c.version {
			return nil, false
		}
		since = v
	}
	out := make([]schema.ExternalEvent, 0)
	for id, version := range c.changed {
		if version <= since {
			continue
		}
		evt := c.events[id]
		if full && evt.Cancelled {
			continue
		}
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return c.changed[out[i].ID] < c.changed[out[j].ID] })
	return out, true
}
