package logging

import (
	"net/http"
	"strings"
)

// Headers that carry webhook credentials.
var sensitiveHeaders = map[string]struct{}{
	"authorization":        {},
	"cookie":               {},
	"x-goog-channel-token": {},
	"x-zm-signature":       {},
	"x-api-key":            {},
}

// MaskHeaders returns a copy of headers with credentials masked to their last
// four characters.
func MaskHeaders(headers http.Header) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, values := range headers {
		joined := strings.Join(values, ",")
		if _, ok := sensitiveHeaders[strings.ToLower(strings.TrimSpace(key))]; ok {
			joined = maskLast4(joined)
		}
		masked[key] = joined
	}
	return masked
}

func maskLast4(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
