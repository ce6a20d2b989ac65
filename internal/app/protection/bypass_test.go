package protection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

func TestBypassSkipsOpenBreakerExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	inv := &scriptedInvoker{}
	rec := monitor.NewRecorder(0)
	core, logs := observer.New(zapcore.InfoLevel)
	g := newTestGuard(clock, inv, Config{FailureThreshold: 1, VolumeThreshold: 1},
		WithMonitor(rec), WithLogger(zap.New(core)))
	ctx := context.Background()

	inv.push(transient())
	_, _ = g.Invoke(ctx, googleReq())
	require.Equal(t, schema.BreakerOpen, g.Status(schema.ProviderGoogle).Breaker.State)

	tok, err := g.IssueBypass(ctx, schema.ProviderGoogle, provider.OpListChanges, "meeting starts in 2 minutes", "sync-worker")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(5*time.Minute), tok.ExpiresAt)

	req := googleReq()
	req.BypassToken = tok.Token
	_, err = g.Invoke(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, inv.Calls())
	require.Equal(t, schema.BreakerOpen, g.Status(schema.ProviderGoogle).Breaker.State)
	require.Equal(t, 1, rec.Count(monitor.KindBypassUsed))
	require.NotEmpty(t, logs.FilterMessage("bypassing circuit breaker and throttle").All())

	_, err = g.Invoke(ctx, req)
	require.True(t, errs.Is(err, errs.CodeAuth), "token is single use")
	require.Equal(t, "issue a fresh token", errs.RemediationOf(err))
	require.Equal(t, 2, inv.Calls())
}

func TestBypassTokenExpires(t *testing.T) {
	clock := newFakeClock()
	issuer := NewBypassIssuer(5*time.Minute, clock.Now)
	tok, err := issuer.Issue(schema.ProviderZoom, "", "cleanup", "ops")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = issuer.Consume(tok.Token, schema.ProviderZoom, provider.OpDeleteEvent)
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestBypassTokenBoundToProviderAndOperation(t *testing.T) {
	clock := newFakeClock()
	issuer := NewBypassIssuer(time.Minute, clock.Now)

	tok, err := issuer.Issue(schema.ProviderZoom, provider.OpDeleteEvent, "cleanup", "ops")
	require.NoError(t, err)
	_, err = issuer.Consume(tok.Token, schema.ProviderGoogle, provider.OpDeleteEvent)
	require.Error(t, err)

	tok, err = issuer.Issue(schema.ProviderZoom, provider.OpDeleteEvent, "cleanup", "ops")
	require.NoError(t, err)
	_, err = issuer.Consume(tok.Token, schema.ProviderZoom, provider.OpListChanges)
	require.Error(t, err)

	_, err = issuer.Issue(schema.ProviderZoom, "", "  ", "ops")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
