package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentryrag/pkg/audit"
	"sentryrag/pkg/auth"
	"sentryrag/pkg/metrics"
	"sentryrag/pkg/models"
	"sentryrag/pkg/retriever"
	"sentryrag/pkg/session"
	"sentryrag/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeGatewayDB/fakeGatewayRow/fakeGatewayRows/assignGatewayScan mirror the
// reference gateway's hand-rolled pgx fakes, adapted to this package's
// narrow gatewayDB interface.
type fakeGatewayDB struct {
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (f *fakeGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeGatewayRows{}, nil
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeGatewayRow{err: pgx.ErrNoRows}
}

type fakeGatewayRow struct {
	values []any
	err    error
}

func (r fakeGatewayRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignGatewayScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeGatewayRows struct{}

func (r *fakeGatewayRows) Close()                                       {}
func (r *fakeGatewayRows) Err() error                                   { return nil }
func (r *fakeGatewayRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 0") }
func (r *fakeGatewayRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeGatewayRows) Next() bool                                   { return false }
func (r *fakeGatewayRows) Scan(dest ...any) error                       { return errors.New("no current row") }
func (r *fakeGatewayRows) Values() ([]any, error)                       { return nil, errors.New("no current row") }
func (r *fakeGatewayRows) RawValues() [][]byte                          { return nil }
func (r *fakeGatewayRows) Conn() *pgx.Conn                              { return nil }

func assignGatewayScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not []byte")
		}
		*d = append((*d)[:0], v...)
	case *int:
		switch v := value.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return errors.New("value is not int")
		}
	case *float64:
		switch v := value.(type) {
		case float64:
			*d = v
		default:
			return errors.New("value is not float64")
		}
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// fakeAuditStore implements this package's auditStore interface without a
// database: Emit runs the real audit.Writer over a fake DB that reports the
// actor's previous hash, so the stored records form a valid hash chain.
type fakeAuditStore struct {
	records map[string][]models.AuditRecord
	emitErr error
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{records: map[string][]models.AuditRecord{}}
}

func (f *fakeAuditStore) Emit(ctx context.Context, actor, action, objectID, objectType, decision, reason string, metadata map[string]interface{}) (models.AuditRecord, error) {
	if f.emitErr != nil {
		return models.AuditRecord{}, f.emitErr
	}
	prevHash := ""
	if recs := f.records[actor]; len(recs) > 0 {
		prevHash = recs[len(recs)-1].Hash
	}
	db := &fakeGatewayDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakePrevHashRow{hash: prevHash}
	}}
	rec, err := (&audit.Writer{DB: db}).Emit(ctx, actor, action, objectID, objectType, decision, reason, metadata)
	if err != nil {
		return models.AuditRecord{}, err
	}
	f.records[actor] = append(f.records[actor], rec)
	return rec, nil
}

// fakePrevHashRow answers audit.Writer's prev_hash lookup.
type fakePrevHashRow struct{ hash string }

func (r fakePrevHashRow) Scan(dest ...any) error {
	if r.hash == "" {
		return pgx.ErrNoRows
	}
	h := r.hash
	*(dest[0].(**string)) = &h
	return nil
}

func (f *fakeAuditStore) ReadByActor(ctx context.Context, actor string, since, until time.Time) ([]models.AuditRecord, error) {
	return f.records[actor], nil
}

type fakeRetrieverStore struct {
	candidates []models.Candidate
}

func (f fakeRetrieverStore) PreFilterFragments(ctx context.Context, tenant string, allowedLabels []string, queryVec []float64, limit int) ([]models.Candidate, error) {
	return f.candidates, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{0.1, 0.2, 0.3}, nil
}

type fakePolicy struct {
	decision models.Decision
}

func (f fakePolicy) Evaluate(ctx context.Context, subject models.Subject, resource models.Permission, fragmentLabel, action string) models.Decision {
	return f.decision
}

func newTestServer() (*Server, *fakeGatewayDB, *fakeAuditStore) {
	db := &fakeGatewayDB{}
	retrieval := store.NewRetrievalStore(db)
	auditStore := newFakeAuditStore()
	s := &Server{
		DB:                  db,
		Retrieval:           retrieval,
		Audit:               auditStore,
		Sessions:            session.New(store.NewCache(context.Background(), nil), 300*time.Second),
		Metrics:             metrics.NewRegistry(),
		AuthMode:            "oidc_hs256",
		AuthSecret:          "test-secret",
		TokenTTL:            time.Hour,
		DefaultTopK:         10,
		DefaultMinEvidence:  2,
		RequestDeadline:     5 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	}
	return s, db, auditStore
}

func withGatewayPrincipal(req *http.Request, p auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func withGatewayURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleHealth(t *testing.T) {
	s, db, _ := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{1}}
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.handleHealth(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandleIssueTokenRequiresUserID(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	s.handleIssueToken(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleIssueTokenNotFound(t *testing.T) {
	s, db, _ := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{err: pgx.ErrNoRows}
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"user_id":"missing"}`))
	rr := httptest.NewRecorder()
	s.handleIssueToken(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleIssueTokenIssuesSignedJWT(t *testing.T) {
	s, db, _ := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{"u1", "alice@example.com", "acme", 2, []byte(`["employee"]`), []byte(`{"clearance":"internal","allow_export":false,"mfa_satisfied":false}`)}}
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"user_id":"u1"}`))
	rr := httptest.NewRecorder()
	s.handleIssueToken(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp issueTokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected token response: %+v", resp)
	}
	claims, err := auth.VerifyHS256Token(resp.Token, s.AuthSecret, time.Now().UTC(), "", "")
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Sub != "u1" || claims.Tenant != "acme" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestHandleStepUpRequiresFields(t *testing.T) {
	s, _, _ := newTestServer()
	cache := store.NewCache(context.Background(), nil)
	s.Sessions = session.New(cache, 300*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/auth/step-up", strings.NewReader(`{"user_id":""}`))
	rr := httptest.NewRecorder()
	s.handleStepUp(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleStepUpAssertsSession(t *testing.T) {
	s, _, auditStore := newTestServer()
	cache := store.NewCache(context.Background(), nil)
	s.Sessions = session.New(cache, 300*time.Second)
	s.StepUpTTL = 300 * time.Second

	req := httptest.NewRequest(http.MethodPost, "/auth/step-up", strings.NewReader(`{"user_id":"u1","second_factor":"123456"}`))
	rr := httptest.NewRecorder()
	s.handleStepUp(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	satisfied, err := s.Sessions.Satisfied(context.Background(), "u1")
	if err != nil || !satisfied {
		t.Fatalf("expected step-up satisfied, got %v err=%v", satisfied, err)
	}
	if len(auditStore.records["u1"]) != 1 || auditStore.records["u1"][0].Action != "STEP_UP_OK" {
		t.Fatalf("expected STEP_UP_OK audit emitted, got %+v", auditStore.records["u1"])
	}
}

func TestWithAuthRejectsUnauthenticated(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/search", nil)
	rr := httptest.NewRecorder()
	called := false
	s.withAuth(func(w http.ResponseWriter, r *http.Request) { called = true })(rr, req)
	if called {
		t.Fatal("handler should not be called without a principal")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAllowsAuthenticatedPrincipal(t *testing.T) {
	s, _, _ := newTestServer()
	req := withGatewayPrincipal(httptest.NewRequest(http.MethodPost, "/search", nil), auth.Principal{Subject: "u1"})
	rr := httptest.NewRecorder()
	called := false
	s.withAuth(func(w http.ResponseWriter, r *http.Request) { called = true })(rr, req)
	if !called {
		t.Fatal("expected handler to be called for authenticated principal")
	}
}

func TestHandleAuditSelfAccessAllowed(t *testing.T) {
	s, _, auditStore := newTestServer()
	_, _ = auditStore.Emit(context.Background(), "u1", "QUERY_ISSUED", "", "query", "", "", nil)

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodGet, "/audit/u1", nil), auth.Principal{Subject: "u1"})
	req = withGatewayURLParams(req, map[string]string{"subject_id": "u1"})
	rr := httptest.NewRecorder()
	s.handleAudit(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp auditResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 1 || !resp.ChainValid {
		t.Fatalf("unexpected audit response: %+v", resp)
	}
}

func TestHandleAuditForbidsCrossSubjectWithoutAuditorRole(t *testing.T) {
	s, _, _ := newTestServer()
	req := withGatewayPrincipal(httptest.NewRequest(http.MethodGet, "/audit/u2", nil), auth.Principal{Subject: "u1"})
	req = withGatewayURLParams(req, map[string]string{"subject_id": "u2"})
	rr := httptest.NewRecorder()
	s.handleAudit(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHandleAuditAllowsAuditorRoleForOtherSubjects(t *testing.T) {
	s, _, auditStore := newTestServer()
	_, _ = auditStore.Emit(context.Background(), "u2", "QUERY_ISSUED", "", "query", "", "", nil)

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodGet, "/audit/u2", nil), auth.Principal{Subject: "u1", Roles: []string{"auditor"}})
	req = withGatewayURLParams(req, map[string]string{"subject_id": "u2"})
	rr := httptest.NewRecorder()
	s.handleAudit(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHandleSearchReturnsAllowedFragments(t *testing.T) {
	s, db, _ := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{"u1", "alice@example.com", "acme", 2, []byte(`["employee"]`), []byte(`{"clearance":"internal","allow_export":false,"mfa_satisfied":false}`)}}
	}
	s.Retriever = retriever.New(fakeRetrieverStore{candidates: []models.Candidate{
		{Fragment: models.Fragment{ID: "f1", Text: "contact me at a@b.com", Label: "internal"}, Similarity: 0.9},
	}}, fakeEmbedder{}, fakePolicy{decision: models.Decision{Kind: models.DecisionAllow, Reason: "allow"}})

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"policy question","top_k":5}`)), auth.Principal{Subject: "u1"})
	rr := httptest.NewRecorder()
	s.handleSearch(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Fragments) != 1 || !resp.RedactionApplied {
		t.Fatalf("expected one redacted fragment, got %+v", resp)
	}
	if resp.Counts.Allowed != 1 {
		t.Fatalf("expected allowed count 1, got %+v", resp.Counts)
	}
}

func TestHandleSearchInsufficientEvidence(t *testing.T) {
	s, db, _ := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{"u1", "", "acme", 0, []byte(`[]`), []byte(`{"clearance":"internal","allow_export":false,"mfa_satisfied":false}`)}}
	}
	s.Retriever = retriever.New(fakeRetrieverStore{candidates: []models.Candidate{
		{Fragment: models.Fragment{ID: "f1", Text: "hello", Label: "internal"}, Similarity: 0.9},
	}}, fakeEmbedder{}, fakePolicy{decision: models.Decision{Kind: models.DecisionDeny, Reason: "out-of-scope"}})

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"policy question","min_evidence":2}`)), auth.Principal{Subject: "u1"})
	rr := httptest.NewRecorder()
	s.handleSearch(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.InsufficientEvidence {
		t.Fatalf("expected insufficient_evidence, got %+v", resp)
	}
}

func TestHandleExportDeniesWithoutAllowExportAttr(t *testing.T) {
	s, db, auditStore := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{"u1", "", "acme", 0, []byte(`[]`), []byte(`{"clearance":"internal","allow_export":false,"mfa_satisfied":false}`)}}
	}

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodPost, "/export", strings.NewReader(`{"query":"q","format":"json"}`)), auth.Principal{Subject: "u1"})
	rr := httptest.NewRecorder()
	s.handleExport(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	found := false
	for _, rec := range auditStore.records["u1"] {
		if rec.Action == "EXPORT_DENIED" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EXPORT_DENIED audit record")
	}
}

func TestHandleExportGrantsWithAllowExportAttr(t *testing.T) {
	s, db, auditStore := newTestServer()
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeGatewayRow{values: []any{"u1", "", "acme", 0, []byte(`[]`), []byte(`{"clearance":"regulated","allow_export":true,"mfa_satisfied":true}`)}}
	}
	s.Retriever = retriever.New(fakeRetrieverStore{candidates: []models.Candidate{
		{Fragment: models.Fragment{ID: "f1", Text: "hello", Label: "public"}, Similarity: 0.9},
	}}, fakeEmbedder{}, fakePolicy{decision: models.Decision{Kind: models.DecisionAllow, Reason: "allow"}})

	req := withGatewayPrincipal(httptest.NewRequest(http.MethodPost, "/export", strings.NewReader(`{"query":"q","format":"csv"}`)), auth.Principal{Subject: "u1"})
	rr := httptest.NewRecorder()
	s.handleExport(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp exportResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != "granted" || resp.Artifact == "" {
		t.Fatalf("unexpected export response: %+v", resp)
	}
	found := false
	for _, rec := range auditStore.records["u1"] {
		if rec.Action == "EXPORT_GRANTED" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EXPORT_GRANTED audit record")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GATEWAY_ENV_STRING", "value")
	if got := env("GATEWAY_ENV_STRING", "default"); got != "value" {
		t.Fatalf("expected env value, got %q", got)
	}
	t.Setenv("GATEWAY_ENV_INT", "42")
	if got := envInt("GATEWAY_ENV_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("GATEWAY_ENV_INT", "9")
	if got := envDurationSec("GATEWAY_ENV_INT", 1); got.Seconds() != 9 {
		t.Fatalf("expected duration 9s, got %v", got)
	}
}
