package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/app/normalize"
	"github.com/coachpo/meetbridge/internal/app/verify"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/config"
)

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Webhooks.Providers = map[string]config.WebhookProviderConfig{
		"google": {Secret: "goog-token", RateLimit: config.RateLimitConfig{PerMinute: 120, Burst: 5}},
	}
	return cfg
}

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestConfigConversions(t *testing.T) {
	cfg := testConfig()
	cfg.Protection.HalfOpenProbes = 2
	cfg.Protection.BaseDelay = 2 * time.Second
	cfg.Conflicts.DefaultStrategy = string(schema.StrategyNewestWins)
	cfg.Conflicts.BufferMinutes = 20

	pc := protectionConfig(cfg.Protection)
	require.Equal(t, 2, pc.HalfOpenMaxCalls)
	require.Equal(t, 2*time.Second, pc.BaseThrottle)

	gc := gatewayConfig(cfg)
	require.Equal(t, 120, gc.Limits[schema.ProviderGoogle].PerMinute)
	require.NotContains(t, gc.Limits, schema.ProviderZoom)

	sc := syncjobConfig(cfg.Conflicts)
	require.Equal(t, schema.StrategyNewestWins, sc.DefaultStrategy)
	require.Equal(t, 20, sc.Detect.BufferMinutes)

	secrets := webhookSecrets(cfg.Webhooks)
	require.Equal(t, "goog-token", secrets.GoogleChannelToken)
	require.Empty(t, secrets.ZoomSecret)
}

func TestBuildServesWebhookThroughWorker(t *testing.T) {
	ctx := context.Background()
	app, err := build(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.close)

	require.NoError(t, app.stores.calendars.PutSubscription(ctx, schema.Subscription{
		Provider:       schema.ProviderGoogle,
		CorrelationKey: "chan-1",
		UserID:         "pro-1",
		CalendarID:     "primary",
	}))
	start := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
	app.providers[schema.ProviderGoogle].Seed("primary", schema.ExternalEvent{
		ID:    "evt-1",
		Title: "Consult",
		Start: start,
		End:   start.Add(time.Hour),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set(verify.HeaderGoogleChannelID, "chan-1")
	req.Header.Set(verify.HeaderGoogleChannelToken, "goog-token")
	req.Header.Set(normalize.HeaderGoogleResourceState, "exists")
	req.Header.Set(normalize.HeaderGoogleResourceID, "res-1")
	req.Header.Set(normalize.HeaderGoogleResourceURI, "https://www.googleapis.com/calendar/v3/calendars/primary/events")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack struct {
		Success   bool   `json:"success"`
		WebhookID string `json:"webhookId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.True(t, ack.Success)

	processed, err := app.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+ack.WebhookID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job struct {
		Status schema.JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, schema.JobCompleted, job.Status)

	items, err := app.stores.calendars.ListCommitments(ctx, "pro-1", start.Add(-time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "meetbridge_queue_jobs_total")
}

func TestBuildRejectsUnverifiedWebhook(t *testing.T) {
	app, err := build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set(verify.HeaderGoogleChannelID, "chan-1")
	req.Header.Set(verify.HeaderGoogleChannelToken, "wrong")
	req.Header.Set(normalize.HeaderGoogleResourceState, "exists")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildWiresServerAccessSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TrustForwardedFor = true
	cfg.Server.AdminToken = "ops-token"
	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.close)

	// Burst 5 per forwarded source, even though every hop address differs.
	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:443", i+1)
		req.Header.Set("X-Forwarded-For", "198.51.100.9")
		req.Header.Set(verify.HeaderGoogleChannelID, "chan-1")
		req.Header.Set(verify.HeaderGoogleChannelToken, "wrong")
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, codes[5], "codes %v", codes)

	body := `{"operation":"list_changes","reason":"replay","issuedBy":"ops"}`
	req := httptest.NewRequest(http.MethodPost, "/protection/google/bypass", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/protection/google/bypass", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer ops-token")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/missing/retry", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGracefulShutdownRunsSteps(t *testing.T) {
	closed := false
	cancelled := false
	performGracefulShutdown(context.Background(), zap.NewNop(), gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		closeStore: func() { closed = true },
	})
	require.True(t, cancelled)
	require.True(t, closed)
}
