package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentryrag/pkg/httpx"
	"sentryrag/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// wireRequest/wireResponse mirror pkg/policyadapter's wire contract exactly
// (spec §6's external policy engine shape), so this binary can stand in for
// the real policy engine in local runs and integration tests.
type wireRequest struct {
	Subject  wireSubject  `json:"subject"`
	Resource wireResource `json:"resource"`
	Action   string       `json:"action"`
}

type wireSubject struct {
	ID     string            `json:"id"`
	Groups []string          `json:"groups"`
	Attrs  map[string]string `json:"attrs"`
}

type wireResource struct {
	Label  string `json:"label"`
	Source string `json:"source"`
	Owner  string `json:"owner"`
	Tenant string `json:"tenant"`
}

type wireResponse struct {
	Allow          bool   `json:"allow"`
	StepUpRequired bool   `json:"step_up_required"`
	Reason         string `json:"reason,omitempty"`
	RuleID         string `json:"rule_id,omitempty"`
}

// Rule is one entry in the in-memory rule table this mock evaluates requests
// against, keyed by the label ceiling a group is cleared for.
type Rule struct {
	Group         string
	LabelCeiling  string
	RequireStepUp bool
}

var labelRank = map[string]int{
	"public":       0,
	"internal":     1,
	"confidential": 2,
	"regulated":    3,
}

// Store holds the rule table the mock evaluates against. Mutex-guarded since
// /rules lets a test harness mutate it between requests.
type Store struct {
	mu    sync.Mutex
	rules []Rule
}

func defaultRules() []Rule {
	return []Rule{
		{Group: "public", LabelCeiling: "public"},
		{Group: "employee", LabelCeiling: "internal"},
		{Group: "contractor", LabelCeiling: "internal"},
		{Group: "manager", LabelCeiling: "confidential"},
		{Group: "auditor", LabelCeiling: "regulated", RequireStepUp: true},
		{Group: "compliance", LabelCeiling: "regulated", RequireStepUp: true},
	}
}

func (s *Store) evaluate(req wireRequest) wireResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resourceRank, ok := labelRank[req.Resource.Label]
	if !ok {
		return wireResponse{Allow: false, Reason: "unknown-label", RuleID: "default-deny"}
	}

	best := -1
	var matched Rule
	for _, rule := range s.rules {
		if !hasGroup(req.Subject.Groups, rule.Group) {
			continue
		}
		ceiling, ok := labelRank[rule.LabelCeiling]
		if !ok || ceiling < resourceRank {
			continue
		}
		if ceiling > best {
			best = ceiling
			matched = rule
		}
	}
	if best < 0 {
		return wireResponse{Allow: false, Reason: "no-matching-rule", RuleID: "default-deny"}
	}
	if matched.RequireStepUp && req.Subject.Attrs["mfa_satisfied"] != "true" {
		return wireResponse{StepUpRequired: true, Reason: "step-up-required-for-" + req.Resource.Label, RuleID: "group:" + matched.Group}
	}
	return wireResponse{Allow: true, RuleID: "group:" + matched.Group}
}

func hasGroup(groups []string, target string) bool {
	for _, g := range groups {
		if strings.EqualFold(g, target) {
			return true
		}
	}
	return false
}

func (s *Store) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.evaluate(req))
}

func (s *Store) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var rules []Rule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid rule set")
		return
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"count": len(rules)})
}

// Testable variables for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runPolicyMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func runPolicyMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "policymock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := &Store{rules: defaultRules()}
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("policymock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "policymock"})
	})
	r.Post("/evaluate", store.handleEvaluate)
	r.Post("/rules", store.handleSetRules)

	addr := env("ADDR", ":8082")
	log.Printf("policymock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
