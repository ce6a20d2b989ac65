// Package httpserver exposes the webhook endpoint and the operational HTTP surface.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/conflict"
	"github.com/coachpo/meetbridge/internal/app/gateway"
	"github.com/coachpo/meetbridge/internal/app/protection"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

const (
	maxJSONBodyBytes     int64 = 1 << 20 // 1 MiB
	defaultStreamInterval      = 5 * time.Second
)

// Webhooks handles inbound provider deliveries.
type Webhooks interface {
	Handle(ctx context.Context, req gateway.Request) gateway.Response
}

// Jobs exposes queue state and operator re-runs.
type Jobs interface {
	Stats(ctx context.Context) (jobstore.Stats, error)
	Job(ctx context.Context, id string) (schema.Job, error)
	Requeue(ctx context.Context, id, bypassToken string) (schema.Job, error)
}

// Protection exposes outbound protection state and bypass issuance.
type Protection interface {
	Status(p schema.Provider) schema.ProtectionStatus
	Statuses() []schema.ProtectionStatus
	IssueBypass(ctx context.Context, p schema.Provider, op provider.Operation, reason, issuedBy string) (protection.BypassToken, error)
}

// Conflicts exposes detection, resolution and pending decisions.
type Conflicts interface {
	DefaultOptions() conflict.Options
	Detect(ctx context.Context, userID string, candidate schema.Commitment, opts conflict.Options) ([]schema.Conflict, error)
	Resolve(ctx context.Context, userID string, candidate schema.Commitment, conflicts []schema.Conflict, strategy schema.ResolutionStrategy, prefs conflict.Preferences) ([]schema.ResolutionResult, error)
	Pending(ctx context.Context, candidateID string) (schema.PendingResolution, error)
	Decide(ctx context.Context, candidateID string, choices []schema.ResolutionSuggestion) (schema.PendingResolution, error)
}

// Deps are the collaborators served over HTTP. Nil collaborators leave their routes unregistered.
type Deps struct {
	Webhooks   Webhooks
	Jobs       Jobs
	Protection Protection
	Conflicts  Conflicts
	Metrics    http.Handler
	Logger     *zap.Logger

	// MaxBodyBytes caps webhook bodies; zero means 1 MiB.
	MaxBodyBytes int64
	// StreamInterval paces /protection/stream pushes; zero means 5s.
	StreamInterval time.Duration
	// TrustForwardedFor takes the source address from X-Forwarded-For.
	TrustForwardedFor bool
	// AdminToken is the bearer token for bypass issuance and job re-runs.
	// Empty leaves both routes unregistered.
	AdminToken string
}

type httpServer struct {
	deps Deps
	log  *zap.Logger
}

// NewHandler builds the HTTP handler for the configured collaborators.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = maxJSONBodyBytes
	}
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = defaultStreamInterval
	}
	server := &httpServer{deps: deps, log: deps.Logger.Named("http")}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", server.health)
	if deps.Webhooks != nil {
		mux.HandleFunc("POST /webhooks/{provider}", server.webhook)
	}
	if deps.Jobs != nil {
		mux.HandleFunc("GET /jobs/{webhookId}", server.getJob)
		mux.HandleFunc("GET /queue/stats", server.queueStats)
		if deps.AdminToken != "" {
			mux.Handle("POST /jobs/{webhookId}/retry", server.requireAdmin(server.retryJob))
		}
	}
	if deps.Protection != nil {
		mux.HandleFunc("GET /protection", server.listProtection)
		mux.HandleFunc("GET /protection/stream", server.streamProtection)
		mux.HandleFunc("GET /protection/{provider}", server.getProtection)
		if deps.AdminToken != "" {
			mux.Handle("POST /protection/{provider}/bypass", server.requireAdmin(server.issueBypass))
		}
	}
	if deps.Conflicts != nil {
		mux.HandleFunc("POST /conflicts/detect", server.detectConflicts)
		mux.HandleFunc("POST /conflicts/resolve", server.resolveConflicts)
		mux.HandleFunc("GET /conflicts/pending/{candidateId}", server.getPending)
		mux.HandleFunc("POST /conflicts/pending/{candidateId}/decision", server.decidePending)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return withCORS(mux)
}

func (s *httpServer) webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isRequestTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	resp := s.deps.Webhooks.Handle(r.Context(), gateway.Request{
		Provider: r.PathValue("provider"),
		Headers:  r.Header,
		Query:    r.URL.Query(),
		Body:     body,
		SourceIP: s.sourceIP(r),
	})

	if retry := resp.RetryAfterSeconds(); retry != "" {
		w.Header().Set("Retry-After", retry)
	}
	if resp.Echo != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, resp.Echo)
		return
	}
	writeJSON(w, resp.Status, resp.Body())
}

func (s *httpServer) sourceIP(r *http.Request) string {
	if s.deps.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthResponse struct {
	Status     string                    `json:"status"`
	Queue      *jobstore.Stats           `json:"queue,omitempty"`
	QueueError string                    `json:"queueError,omitempty"`
	Protection []schema.ProtectionStatus `json:"protection,omitempty"`
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.deps.Jobs != nil {
		stats, err := s.deps.Jobs.Stats(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.QueueError = errorMessage(err)
			status = http.StatusServiceUnavailable
		} else {
			resp.Queue = &stats
		}
	}
	if s.deps.Protection != nil {
		resp.Protection = s.deps.Protection.Statuses()
		for _, st := range resp.Protection {
			if st.Breaker.State != schema.BreakerClosed && st.Breaker.State != "" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, status, resp)
}

type jobView struct {
	ID          string           `json:"id"`
	Kind        schema.JobKind   `json:"kind"`
	Priority    schema.Priority  `json:"priority"`
	Status      schema.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
	Result      string           `json:"result,omitempty"`
}

func newJobView(job schema.Job) jobView {
	view := jobView{
		ID:          job.ID,
		Kind:        job.Kind,
		Priority:    job.Priority,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		LastError:   job.LastError,
		Result:      job.Result,
	}
	if !job.NextRetryAt.IsZero() {
		at := job.NextRetryAt
		view.NextRetryAt = &at
	}
	if !job.CompletedAt.IsZero() {
		at := job.CompletedAt
		view.CompletedAt = &at
	}
	return view
}

func (s *httpServer) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Job(r.Context(), r.PathValue("webhookId"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

type retryRequest struct {
	BypassToken string `json:"bypassToken"`
}

func (s *httpServer) retryJob(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	job, err := s.deps.Jobs.Requeue(r.Context(), r.PathValue("webhookId"), strings.TrimSpace(req.BypassToken))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (s *httpServer) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *httpServer) listProtection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Protection.Statuses()})
}

func (s *httpServer) getProtection(w http.ResponseWriter, r *http.Request) {
	p, ok := schema.ParseProvider(r.PathValue("provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Protection.Status(p))
}

type bypassRequest struct {
	Operation provider.Operation `json:"operation"`
	Reason    string             `json:"reason"`
	IssuedBy  string             `json:"issuedBy"`
}

func (s *httpServer) issueBypass(w http.ResponseWriter, r *http.Request) {
	p, ok := schema.ParseProvider(r.PathValue("provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var req bypassRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, err := s.deps.Protection.IssueBypass(r.Context(), p, req.Operation, req.Reason, req.IssuedBy)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

type detectRequest struct {
	UserID    string            `json:"userId"`
	Candidate schema.Commitment `json:"candidate"`
	Options   *conflict.Options `json:"options,omitempty"`
}

func (s *httpServer) detectConflicts(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts := s.deps.Conflicts.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	conflicts, err := s.deps.Conflicts.Detect(r.Context(), req.UserID, req.Candidate, opts)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []schema.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hasConflicts": len(conflicts) > 0,
		"conflicts":    conflicts,
	})
}

type resolveRequest struct {
	UserID      string                    `json:"userId"`
	Candidate   schema.Commitment         `json:"candidate"`
	Conflicts   []schema.Conflict         `json:"conflicts,omitempty"`
	Strategy    schema.ResolutionStrategy `json:"strategy"`
	Preferences conflict.Preferences      `json:"preferences"`
	Options     *conflict.Options         `json:"options,omitempty"`
}

func (s *httpServer) resolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conflicts := req.Conflicts
	if len(conflicts) == 0 {
		opts := s.deps.Conflicts.DefaultOptions()
		if req.Options != nil {
			opts = *req.Options
		}
		detected, err := s.deps.Conflicts.Detect(r.Context(), req.UserID, req.Candidate, opts)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		conflicts = detected
	}
	results, err := s.deps.Conflicts.Resolve(r.Context(), req.UserID, req.Candidate, conflicts, req.Strategy, req.Preferences)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if results == nil {
		results = []schema.ResolutionResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *httpServer) getPending(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Conflicts.Pending(r.Context(), r.PathValue("candidateId"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	Choices []schema.ResolutionSuggestion `json:"choices"`
}

func (s *httpServer) decidePending(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.deps.Conflicts.Decide(r.Context(), r.PathValue("candidateId"), req.Choices)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *httpServer) requireAdmin(next http.HandlerFunc) http.Handler {
	want := []byte(s.deps.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(raw)), want) != 1 {
			s.log.Warn("admin request rejected",
				zap.String("path", r.URL.Path),
				zap.String("source_ip", s.sourceIP(r)))
			w.Header().Set("WWW-Authenticate", `Bearer realm="meetbridge"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	})
}

func (s *httpServer) writeAppError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	body := map[string]string{"status": "error", "error": errorMessage(err)}
	if hint := errs.RemediationOf(err); hint != "" {
		body["remediation"] = hint
	}
	writeJSON(w, status, body)
}

func errorMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
