package policyadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentryrag/pkg/models"
)

func TestEvaluateAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Subject.ID != "u1" {
			t.Fatalf("unexpected subject id: %s", req.Subject.ID)
		}
		_ = json.NewEncoder(w).Encode(wireResponse{Allow: true, Reason: "matched_allow_rule", RuleID: "r-1"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL)
	a.RetryDelay = time.Millisecond
	decision := a.Evaluate(context.Background(), models.Subject{ID: "u1", Tenant: "t1"}, models.Permission{Object: "frag-1"}, models.LabelInternal, "search")
	if decision.Kind != models.DecisionAllow || decision.RuleID != "r-1" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestEvaluateStepUpTakesPriorityOverAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireResponse{Allow: true, StepUpRequired: true, Reason: "mfa_required"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL)
	a.RetryDelay = time.Millisecond
	decision := a.Evaluate(context.Background(), models.Subject{ID: "u1"}, models.Permission{}, models.LabelConfidential, "search")
	if decision.Kind != models.DecisionStepUpRequired {
		t.Fatalf("expected STEP_UP_REQUIRED, got %+v", decision)
	}
}

func TestEvaluateAllowsWhenStepUpAlreadySatisfied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireResponse{Allow: true, StepUpRequired: true, Reason: "mfa_required"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL)
	a.RetryDelay = time.Millisecond
	subject := models.Subject{ID: "u1", Attrs: models.SubjectAttrs{MFASatisfied: true}}
	decision := a.Evaluate(context.Background(), subject, models.Permission{}, models.LabelConfidential, "search")
	if decision.Kind != models.DecisionAllow {
		t.Fatalf("expected ALLOW once step-up is already satisfied, got %+v", decision)
	}
}

func TestEvaluateCollapsesTransportErrorToDeny(t *testing.T) {
	a := New(http.DefaultClient, "http://127.0.0.1:0/unreachable")
	a.Timeout = 200 * time.Millisecond
	a.RetryDelay = time.Millisecond
	decision := a.Evaluate(context.Background(), models.Subject{ID: "u1"}, models.Permission{}, models.LabelPublic, "search")
	if decision.Kind != models.DecisionDeny || decision.Reason != ReasonPolicyUnavailable {
		t.Fatalf("expected fail-closed deny, got %+v", decision)
	}
}

func TestEvaluateCollapses5xxToDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL)
	a.RetryDelay = time.Millisecond
	decision := a.Evaluate(context.Background(), models.Subject{ID: "u1"}, models.Permission{}, models.LabelPublic, "search")
	if decision.Kind != models.DecisionDeny || decision.Reason != ReasonPolicyUnavailable {
		t.Fatalf("expected fail-closed deny, got %+v", decision)
	}
}

func TestEvaluateDenyDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireResponse{Allow: false, Reason: "no_matching_rule"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL)
	a.RetryDelay = time.Millisecond
	decision := a.Evaluate(context.Background(), models.Subject{ID: "u1"}, models.Permission{}, models.LabelPublic, "search")
	if decision.Kind != models.DecisionDeny || decision.Reason != "no_matching_rule" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}
