package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// ClassifyHTTPStatus converts a provider HTTP response status into the error taxonomy.
// A nil error is returned for 2xx statuses. retryAfter is the raw Retry-After header.
func ClassifyHTTPStatus(p schema.Provider, op Operation, status int, retryAfter string, now time.Time) error {
	if status >= 200 && status < 300 {
		return nil
	}
	opts := []errs.Option{errs.WithHTTP(status), errs.WithField("operation", string(op))}
	switch {
	case status == http.StatusTooManyRequests:
		if at, ok := parseRetryAfter(retryAfter, now); ok {
			opts = append(opts, errs.WithRetryAt(at))
		}
		return errs.New(string(p), errs.CodeRateLimited, append(opts,
			errs.WithMessage("provider rate limit"),
			errs.WithRemediation("retry after the provider's Retry-After"))...)
	case status == http.StatusRequestTimeout || status >= 500:
		return errs.New(string(p), errs.CodeTransient, append(opts, errs.WithMessage(http.StatusText(status)))...)
	case status == http.StatusNotFound || status == http.StatusGone:
		return errs.New(string(p), errs.CodeNotFound, append(opts, errs.WithMessage(http.StatusText(status)))...)
	default:
		return errs.New(string(p), errs.CodePermanent, append(opts, errs.WithMessage(http.StatusText(status)))...)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if at, err := http.ParseTime(raw); err == nil {
		return at, true
	}
	return time.Time{}, false
}
