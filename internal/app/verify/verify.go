// Package verify authenticates inbound provider webhooks. Every check fails
// closed: a missing header or secret rejects the request.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Header names inspected by the verifier.
const (
	HeaderGoogleChannelToken = "X-Goog-Channel-Token"
	HeaderGoogleChannelID    = "X-Goog-Channel-ID"
	HeaderZoomTimestamp      = "X-Zm-Request-Timestamp"
	HeaderZoomSignature      = "X-Zm-Signature"
	HeaderAPIKey             = "X-API-Key"
)

// ZoomWindow bounds the accepted age of a signed meeting-service request.
const ZoomWindow = 5 * time.Minute

// Secrets are the per-provider shared credentials.
type Secrets struct {
	GoogleChannelToken   string
	MicrosoftClientState string
	ZoomSecret           string
	CalDAVAPIKey         string
}

// Result is the outcome of a verification.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func reject(reason string) Result { return Result{OK: false, Reason: reason} }

var accepted = Result{OK: true}

// Verifier checks provider credentials. It holds no mutable state.
type Verifier struct {
	secrets Secrets
	now     func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source used for signature windows.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// New constructs a verifier.
func New(secrets Secrets, opts ...Option) *Verifier {
	v := &Verifier{secrets: secrets, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify applies the rule of provider p to the request.
func (v *Verifier) Verify(p schema.Provider, headers http.Header, body []byte) Result {
	switch p {
	case schema.ProviderGoogle:
		return v.google(headers)
	case schema.ProviderMicrosoft:
		return v.microsoft(body)
	case schema.ProviderZoom:
		return v.zoom(headers, body)
	case schema.ProviderCalDAV:
		return v.caldav(headers)
	default:
		return reject("unsupported provider")
	}
}

func (v *Verifier) google(h http.Header) Result {
	if v.secrets.GoogleChannelToken == "" {
		return reject("channel token not configured")
	}
	if strings.TrimSpace(h.Get(HeaderGoogleChannelID)) == "" {
		return reject("missing channel id")
	}
	token := h.Get(HeaderGoogleChannelToken)
	if token == "" {
		return reject("missing channel token")
	}
	if !equal(token, v.secrets.GoogleChannelToken) {
		return reject("channel token mismatch")
	}
	return accepted
}

type clientStateEnvelope struct {
	Value []struct {
		ClientState string `json:"clientState"`
	} `json:"value"`
}

func (v *Verifier) microsoft(body []byte) Result {
	if v.secrets.MicrosoftClientState == "" {
		return reject("client state not configured")
	}
	var env clientStateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return reject("client state unreadable")
	}
	if len(env.Value) == 0 {
		return reject("no notifications carry client state")
	}
	for _, n := range env.Value {
		if n.ClientState == "" {
			return reject("missing client state")
		}
		if !equal(n.ClientState, v.secrets.MicrosoftClientState) {
			return reject("client state mismatch")
		}
	}
	return accepted
}

func (v *Verifier) zoom(h http.Header, body []byte) Result {
	if v.secrets.ZoomSecret == "" {
		return reject("signing secret not configured")
	}
	ts := strings.TrimSpace(h.Get(HeaderZoomTimestamp))
	sig := strings.TrimSpace(h.Get(HeaderZoomSignature))
	if ts == "" || sig == "" {
		return reject("missing signature headers")
	}
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return reject("invalid timestamp")
	}
	signedAt := time.Unix(seconds, 0)
	now := v.now()
	if signedAt.Before(now.Add(-ZoomWindow)) || signedAt.After(now.Add(ZoomWindow)) {
		return reject("timestamp outside allowed window")
	}
	provided, ok := strings.CutPrefix(sig, "v0=")
	if !ok {
		return reject("unsupported signature version")
	}
	providedRaw, err := hex.DecodeString(provided)
	if err != nil {
		return reject("invalid signature encoding")
	}
	if !hmac.Equal(providedRaw, zoomMAC(v.secrets.ZoomSecret, ts, body)) {
		return reject("signature mismatch")
	}
	return accepted
}

func (v *Verifier) caldav(h http.Header) Result {
	if v.secrets.CalDAVAPIKey == "" {
		return reject("api key not configured")
	}
	key := h.Get(HeaderAPIKey)
	if key == "" {
		return reject("missing api key")
	}
	if !equal(key, v.secrets.CalDAVAPIKey) {
		return reject("api key mismatch")
	}
	return accepted
}

// ChallengeResponse answers the meeting service's endpoint URL validation.
func (v *Verifier) ChallengeResponse(p schema.Provider, plainToken string) (string, error) {
	if p != schema.ProviderZoom {
		return "", errs.New(string(p), errs.CodeInvalid, errs.WithMessage("provider has no url validation challenge"))
	}
	if v.secrets.ZoomSecret == "" {
		return "", errs.New(string(p), errs.CodeAuth, errs.WithMessage("signing secret not configured"))
	}
	if plainToken == "" {
		return "", errs.New(string(p), errs.CodeInvalid, errs.WithMessage("plainToken required"))
	}
	mac := hmac.New(sha256.New, []byte(v.secrets.ZoomSecret))
	_, _ = mac.Write([]byte(plainToken))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func zoomMAC(secret, ts string, body []byte) []byte {
	msg := make([]byte, 0, len("v0:")+len(ts)+1+len(body))
	msg = append(msg, "v0:"...)
	msg = append(msg, ts...)
	msg = append(msg, ':')
	msg = append(msg, body...)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(msg)
	return mac.Sum(nil)
}

// SignZoom computes the signature header value for body; used by tests and tooling.
func SignZoom(secret, timestamp string, body []byte) string {
	return "v0=" + hex.EncodeToString(zoomMAC(secret, timestamp, body))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
