package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"sentryrag/pkg/audit"
	"sentryrag/pkg/auth"
	"sentryrag/pkg/embed"
	"sentryrag/pkg/eventbus"
	"sentryrag/pkg/hardening"
	"sentryrag/pkg/httpx"
	"sentryrag/pkg/metrics"
	"sentryrag/pkg/models"
	"sentryrag/pkg/policyadapter"
	"sentryrag/pkg/ratelimit"
	"sentryrag/pkg/redact"
	"sentryrag/pkg/retriever"
	"sentryrag/pkg/session"
	"sentryrag/pkg/store"
	"sentryrag/pkg/stream"
	"sentryrag/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the gateway's HTTP surface to the retrieval, policy, audit,
// and session components (spec.md §4.7).
type Server struct {
	DB            gatewayDB
	Cache         store.Cache
	Retrieval     *store.RetrievalStore
	Retriever     *retriever.Retriever
	Sessions      *session.Store
	Audit         auditStore
	Events        *stream.Hub
	AuditBus      *eventbus.Publisher
	Metrics       *metrics.Registry
	RateLimiter   ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int
	AuthMode      string
	AuthSecret    string
	TokenTTL      time.Duration
	DefaultTopK         int
	DefaultMinEvidence  int
	RequestDeadline     time.Duration
	StepUpTTL           time.Duration
	MaxRequestBodyBytes int64
}

type auditStore interface {
	Emit(ctx context.Context, actor, action, objectID, objectType, decision, reason string, metadata map[string]interface{}) (models.AuditRecord, error)
	ReadByActor(ctx context.Context, actor string, since, until time.Time) ([]models.AuditRecord, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main().
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("POLICY_TIMEOUT_MS", 5000))})

	stepUpTTL := time.Second * time.Duration(envInt("STEP_UP_TTL_S", 300))
	if stepUpTTL <= 0 {
		stepUpTTL = session.DefaultTTL
	}

	policyAdapter := policyadapter.New(httpClient, env("POLICY_ENGINE_URL", "http://localhost:8082/evaluate"))
	policyAdapter.Timeout = time.Millisecond * time.Duration(envInt("POLICY_TIMEOUT_MS", 5000))

	var queryEmbedder retriever.Embedder
	if embeddingURL := env("EMBEDDING_URL", ""); embeddingURL != "" {
		queryEmbedder = embed.NewHTTPEmbedder(httpClient, embeddingURL)
	} else {
		queryEmbedder = embed.NewDeterministicEmbedder(envInt("EMBEDDING_DIM", 1536))
	}

	retrievalStore := store.NewRetrievalStore(pool)
	sessionStore := session.New(cache, stepUpTTL)

	var auditBus *eventbus.Publisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		auditBus, err = eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "audit-events"),
		})
		if err != nil {
			log.Printf("audit event bus unavailable, continuing without it: %v", err)
			auditBus = nil
		}
	}

	s := &Server{
		DB:                 pool,
		Cache:              cache,
		Retrieval:          retrievalStore,
		Retriever:          retriever.New(retrievalStore, queryEmbedder, policyAdapter),
		Sessions:           sessionStore,
		Audit:              &audit.Writer{DB: pool},
		Events:             stream.NewHub(),
		AuditBus:           auditBus,
		Metrics:            metrics.NewRegistry(),
		RateLimitEnabled:   rateLimitEnabled,
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:           env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:         env("TOKEN_SIGNING_KEY", env("OIDC_HS256_SECRET", "")),
		TokenTTL:           time.Second * time.Duration(envInt("TOKEN_TTL_S", 3600)),
		DefaultTopK:        envInt("DEFAULT_TOP_K", 10),
		DefaultMinEvidence: envInt("DEFAULT_MIN_EVIDENCE", 2),
		RequestDeadline:    time.Millisecond * time.Duration(envInt("REQUEST_DEADLINE_MS", 15000)),
		StepUpTTL:          stepUpTTL,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/health", s.handleHealth)
	r.Post("/auth/token", s.handleIssueToken)

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/search", s.withAuth(s.handleSearch))
	authRouter.Post("/auth/step-up", s.withAuth(s.handleStepUp))
	authRouter.Post("/export", s.withAuth(s.handleExport))
	authRouter.Get("/audit/{subject_id}", s.withAuth(s.handleAudit))
	authRouter.Get("/audit/{subject_id}/stream", s.withAuth(s.handleAuditStream))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.DB == nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if err := s.DB.QueryRow(r.Context(), "SELECT 1").Scan(new(int)); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]string{"status": status})
}

type issueTokenRequest struct {
	UserID string `json:"user_id"`
}

type issueTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r, s.MaxRequestBodyBytes)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.UserID) == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	subject, err := s.Retrieval.LoadSubject(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "subject not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to load subject")
		return
	}
	claims := auth.TokenClaims{
		Sub:    subject.ID,
		Groups: subject.Groups,
		Tenant: subject.Tenant,
		Attrs: map[string]string{
			"clearance":     subject.Attrs.Clearance,
			"allow_export":  boolString(subject.Attrs.AllowExport),
			"mfa_satisfied": boolString(subject.Attrs.MFASatisfied),
		},
		Exp: time.Now().UTC().Add(s.TokenTTL).Unix(),
	}
	token, err := auth.IssueHS256Token(s.AuthSecret, claims)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, issueTokenResponse{Token: token, ExpiresIn: int(s.TokenTTL.Seconds())})
}

type searchRequest struct {
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	MinEvidence *int   `json:"min_evidence"`
}

type fragmentView struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

type decisionView struct {
	FragmentID string `json:"fragment_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
}

type searchResponse struct {
	Response             string         `json:"response"`
	Fragments            []fragmentView `json:"fragments"`
	Decisions            []decisionView `json:"decisions"`
	RedactionApplied      bool           `json:"redaction_applied"`
	InsufficientEvidence  bool           `json:"insufficient_evidence"`
	StepUpRequired        bool           `json:"step_up_required"`
	Counts                countsView     `json:"counts"`
}

type countsView struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	StepUp  int `json:"step_up"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r, s.MaxRequestBodyBytes)
	if !ok {
		return
	}
	var req searchRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		httpx.Error(w, http.StatusBadRequest, "query is required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.DefaultTopK
	}
	if topK > 50 {
		topK = 50
	}
	minEvidence := s.DefaultMinEvidence
	if req.MinEvidence != nil {
		minEvidence = *req.MinEvidence
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.RequestDeadline)
	defer cancel()

	subject, err := s.loadSubjectWithSession(ctx, principal.Subject)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	s.emitAudit(ctx, subject.ID, "QUERY_ISSUED", "", "query", "", "", map[string]interface{}{"query": req.Query})

	result, err := s.Retriever.Retrieve(ctx, subject, req.Query, topK, minEvidence)
	if err != nil {
		if errors.Is(err, retriever.ErrInvalidInput) {
			httpx.Error(w, http.StatusBadRequest, "invalid input")
			return
		}
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	unavailableCollapsed := 0
	for _, d := range result.Decisions {
		s.Metrics.IncVerdict(d.Decision.Kind)
		s.Metrics.IncReason(d.Decision.Reason)
		s.emitAudit(ctx, subject.ID, "PDP_DECISION", d.Candidate.Fragment.ID, "fragment", d.Decision.Kind, d.Decision.Reason, nil)
		if d.Decision.Reason == policyadapter.ReasonPolicyUnavailable {
			unavailableCollapsed++
		}
	}
	if len(result.Decisions) > 0 && unavailableCollapsed == len(result.Decisions) {
		httpx.Error(w, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}

	if result.StepUpRequired {
		s.Metrics.IncStepUpRequired()
		s.emitAudit(ctx, subject.ID, "STEP_UP_REQUIRED", "", "query", "", "", nil)
	}

	fragments := make([]fragmentView, 0, len(result.Allowed))
	redactionApplied := false
	for _, c := range result.Allowed {
		red := redact.Redact(c.Fragment.Text, c.Fragment.Label)
		if red.Changed {
			redactionApplied = true
			s.Metrics.IncRedactionApplied()
			s.emitAudit(ctx, subject.ID, "REDACTION_APPLIED", c.Fragment.ID, "fragment", "", "", map[string]interface{}{"patterns": red.PatternsMatched})
		}
		fragments = append(fragments, fragmentView{ID: c.Fragment.ID, Text: red.Text, Label: c.Fragment.Label, Similarity: c.Similarity})
	}

	decisions := make([]decisionView, 0, len(result.Decisions))
	for _, d := range result.Decisions {
		decisions = append(decisions, decisionView{FragmentID: d.Candidate.Fragment.ID, Decision: d.Decision.Kind, Reason: d.Decision.Reason})
	}

	resp := searchResponse{
		Fragments:            fragments,
		Decisions:            decisions,
		RedactionApplied:     redactionApplied,
		InsufficientEvidence: result.InsufficientEvidence,
		StepUpRequired:       result.StepUpRequired,
		Counts: countsView{
			Allowed: result.AllowedCount,
			Denied:  result.DeniedCount,
			StepUp:  result.StepUpCount,
		},
	}
	if result.InsufficientEvidence {
		s.Metrics.IncInsufficientEvidence()
		resp.Response = "insufficient governed evidence to answer this query"
	} else {
		resp.Response = synthesize(req.Query, fragments)
	}

	s.emitAudit(ctx, subject.ID, "RESULT_RETURNED", "", "query", "", "", map[string]interface{}{
		"allowed_count": result.AllowedCount,
		"denied_count":  result.DeniedCount,
		"step_up_count": result.StepUpCount,
	})

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// synthesize stands in for the external synthesizer the core composes a
// response with; it never sees redacted-out spans since it only receives
// already-redacted fragment text.
func synthesize(query string, fragments []fragmentView) string {
	if len(fragments) == 0 {
		return "no governed evidence found for this query"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "answer for %q grounded in %d fragment(s)", query, len(fragments))
	return b.String()
}

type stepUpRequest struct {
	UserID       string `json:"user_id"`
	SecondFactor string `json:"second_factor"`
}

type stepUpResponse struct {
	OK        bool `json:"ok"`
	ExpiresIn int  `json:"expires_in"`
}

func (s *Server) handleStepUp(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r, s.MaxRequestBodyBytes)
	if !ok {
		return
	}
	var req stepUpRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.SecondFactor) == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id and second_factor are required")
		return
	}
	if err := s.Sessions.Assert(r.Context(), req.UserID); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to assert step-up")
		return
	}
	s.emitAudit(r.Context(), req.UserID, "STEP_UP_OK", "", "session", "", "", nil)
	httpx.WriteJSON(w, http.StatusOK, stepUpResponse{OK: true, ExpiresIn: int(s.StepUpTTL.Seconds())})
}

type exportRequest struct {
	Query  string `json:"query"`
	Format string `json:"format"`
}

type exportResponse struct {
	Decision string `json:"decision"`
	Artifact string `json:"artifact,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r, s.MaxRequestBodyBytes)
	if !ok {
		return
	}
	var req exportRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		httpx.Error(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Format != "json" && req.Format != "csv" {
		httpx.Error(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.RequestDeadline)
	defer cancel()

	subject, err := s.loadSubjectWithSession(ctx, principal.Subject)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	s.emitAudit(ctx, subject.ID, "EXPORT_ATTEMPTED", "", "query", "", "", map[string]interface{}{"format": req.Format})

	if !subject.Attrs.AllowExport {
		s.emitAudit(ctx, subject.ID, "EXPORT_DENIED", "", "query", models.DecisionDeny, "export-not-permitted", nil)
		httpx.Error(w, http.StatusForbidden, "export not permitted")
		return
	}

	result, err := s.Retriever.Retrieve(ctx, subject, req.Query, s.DefaultTopK, s.DefaultMinEvidence)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	rows := make([]map[string]string, 0, len(result.Allowed))
	for _, c := range result.Allowed {
		red := redact.Redact(c.Fragment.Text, c.Fragment.Label)
		if redact.SuppressForExport(c.Fragment.Label, subject.Attrs.AllowExport) {
			continue
		}
		rows = append(rows, map[string]string{"id": c.Fragment.ID, "text": red.Text, "label": c.Fragment.Label})
	}

	var artifact string
	switch req.Format {
	case "json":
		b, _ := json.Marshal(rows)
		artifact = string(b)
	case "csv":
		var b strings.Builder
		b.WriteString("id,label,text\n")
		for _, row := range rows {
			fmt.Fprintf(&b, "%s,%s,%q\n", row["id"], row["label"], row["text"])
		}
		artifact = b.String()
	}

	s.emitAudit(ctx, subject.ID, "EXPORT_GRANTED", "", "query", models.DecisionAllow, "", map[string]interface{}{"rows": len(rows)})
	httpx.WriteJSON(w, http.StatusOK, exportResponse{Decision: "granted", Artifact: artifact})
}

type auditEventView struct {
	EventID    string                 `json:"event_id"`
	Ts         time.Time              `json:"ts"`
	Action     string                 `json:"action"`
	ObjectID   string                 `json:"object_id"`
	ObjectType string                 `json:"object_type"`
	Decision   string                 `json:"decision"`
	Reason     string                 `json:"reason"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type auditResponse struct {
	Events     []auditEventView `json:"events"`
	ChainValid bool             `json:"chain_valid"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	subjectID := chi.URLParam(r, "subject_id")
	if subjectID != principal.Subject && !auth.HasAnyRole(principal, "auditor") {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.Audit.ReadByActor(r.Context(), subjectID, time.Time{}, time.Time{})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	chainValid := audit.Verify(records) == nil
	events := make([]auditEventView, 0, len(records))
	for _, rec := range records {
		events = append(events, auditEventView{
			EventID:    rec.EventID,
			Ts:         rec.Ts,
			Action:     rec.Action,
			ObjectID:   rec.ObjectID,
			ObjectType: rec.ObjectType,
			Decision:   rec.Decision,
			Reason:     rec.Reason,
			Metadata:   rec.Metadata,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, auditResponse{Events: events, ChainValid: chainValid})
}

// handleAuditStream pushes every audit event emitted for subject_id to the
// client as it happens, over Server-Sent Events. Authorization mirrors
// handleAudit: self-access always allowed, cross-subject requires "auditor".
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	subjectID := chi.URLParam(r, "subject_id")
	if subjectID != principal.Subject && !auth.HasAnyRole(principal, "auditor") {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.Events.Subscribe(32)
	defer s.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			rec, isAuditRec := evt.Data, false
			var parsed map[string]interface{}
			if json.Unmarshal(rec, &parsed) == nil {
				if actor, _ := parsed["actor"].(string); actor == subjectID {
					isAuditRec = true
				}
			}
			if !isAuditRec {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) loadSubjectWithSession(ctx context.Context, subjectID string) (models.Subject, error) {
	subject, err := s.Retrieval.LoadSubject(ctx, subjectID)
	if err != nil {
		return models.Subject{}, err
	}
	satisfied, err := s.Sessions.Satisfied(ctx, subjectID)
	if err == nil {
		subject.Attrs.MFASatisfied = satisfied
	}
	return subject, nil
}

func (s *Server) emitAudit(ctx context.Context, actor, action, objectID, objectType, decision, reason string, metadata map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	rec, err := s.Audit.Emit(ctx, actor, action, objectID, objectType, decision, reason, metadata)
	if err != nil {
		log.Printf("audit emit failed for actor=%s action=%s: %v", actor, action, err)
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(action, rec))
	}
	if s.AuditBus != nil {
		if payload, err := json.Marshal(rec); err == nil {
			if err := s.AuditBus.Publish(ctx, actor, payload); err != nil {
				log.Printf("audit event bus publish failed for actor=%s: %v", actor, err)
			}
		}
	}
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		if _, ok := auth.PrincipalFromContext(r.Context()); !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if s.RateLimiter != nil {
			principal, _ := auth.PrincipalFromContext(r.Context())
			decision := s.RateLimiter.Allow(principal.Subject, s.RateLimitPerMinute)
			if !decision.Allowed {
				httpx.Error(w, http.StatusServiceUnavailable, "rate limit exceeded")
				return
			}
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
