package protection

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/cache"
)

// BypassToken authorises one critical call to skip the breaker and the throttle.
type BypassToken struct {
	Token     string             `json:"token"`
	Provider  schema.Provider    `json:"provider"`
	Operation provider.Operation `json:"operation,omitempty"`
	Reason    string             `json:"reason"`
	IssuedBy  string             `json:"issuedBy"`
	IssuedAt  time.Time          `json:"issuedAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// BypassIssuer mints and redeems single-use bypass tokens.
type BypassIssuer struct {
	ttl    time.Duration
	now    func() time.Time
	tokens *cache.TTLCache[string, BypassToken]
}

// NewBypassIssuer creates an issuer whose tokens live for ttl.
func NewBypassIssuer(ttl time.Duration, now func() time.Time) *BypassIssuer {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = DefaultConfig().BypassTTL
	}
	return &BypassIssuer{
		ttl:    ttl,
		now:    now,
		tokens: cache.NewTTLCache[string, BypassToken](cache.WithClock(now)),
	}
}

// Issue mints a token bound to the provider and, when op is non-empty, to one operation.
func (b *BypassIssuer) Issue(p schema.Provider, op provider.Operation, reason, issuedBy string) (BypassToken, error) {
	if !p.Valid() {
		return BypassToken{}, errs.New(string(p), errs.CodeInvalid, errs.WithMessage("unknown provider"))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return BypassToken{}, errs.New(string(p), errs.CodeInvalid, errs.WithMessage("bypass reason required"))
	}
	now := b.now()
	tok := BypassToken{
		Token:     uuid.NewString(),
		Provider:  p,
		Operation: op,
		Reason:    reason,
		IssuedBy:  strings.TrimSpace(issuedBy),
		IssuedAt:  now,
		ExpiresAt: now.Add(b.ttl),
	}
	b.tokens.Put(tok.Token, tok, b.ttl)
	return tok, nil
}

// Consume redeems a token for the call. A token is spent by its first redemption attempt,
// matching or not.
func (b *BypassIssuer) Consume(token string, p schema.Provider, op provider.Operation) (BypassToken, error) {
	tok, ok := b.tokens.Take(strings.TrimSpace(token))
	if !ok {
		return BypassToken{}, errs.New(string(p), errs.CodeAuth, errs.WithMessage("bypass token invalid, expired or already used"),
			errs.WithRemediation("issue a fresh token"))
	}
	if tok.Provider != p {
		return BypassToken{}, errs.New(string(p), errs.CodeAuth, errs.WithMessage("bypass token issued for another provider"))
	}
	if tok.Operation != "" && tok.Operation != op {
		return BypassToken{}, errs.New(string(p), errs.CodeAuth, errs.WithMessage("bypass token issued for another operation"))
	}
	return tok, nil
}

// Sweep evicts expired tokens.
func (b *BypassIssuer) Sweep() int {
	return b.tokens.EvictExpired()
}
