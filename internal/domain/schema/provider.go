// Package schema defines the canonical domain types shared by meetbridge components.
package schema

import "strings"

// Provider identifies an external calendar or meeting service.
type Provider string

const (
	// ProviderGoogle is the large-vendor calendar service (opaque channel tokens).
	ProviderGoogle Provider = "google"
	// ProviderMicrosoft is the groupware calendar service (opaque client state).
	ProviderMicrosoft Provider = "microsoft"
	// ProviderZoom is the meeting service (signed payloads).
	ProviderZoom Provider = "zoom"
	// ProviderCalDAV is the calendar-sync protocol bridge (pre-shared key).
	ProviderCalDAV Provider = "caldav"
)

var providers = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderZoom, ProviderCalDAV}

// Providers returns every supported provider in a stable order.
func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

// ParseProvider resolves a case-insensitive provider name.
func ParseProvider(raw string) (Provider, bool) {
	candidate := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, true
	}
	return "", false
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	for _, known := range providers {
		if p == known {
			return true
		}
	}
	return false
}

// IsMeetingService reports whether the provider emits meeting lifecycle events rather than calendar changes.
func (p Provider) IsMeetingService() bool {
	return p == ProviderZoom
}

func (p Provider) String() string { return string(p) }
