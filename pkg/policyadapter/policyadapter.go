// Package policyadapter calls the external policy engine and collapses any
// transport, timeout, or schema failure to a fail-closed DENY.
package policyadapter

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"sentryrag/pkg/httpx"
	"sentryrag/pkg/models"
)

// ReasonPolicyUnavailable is the fixed reason code for every fail-closed collapse.
const ReasonPolicyUnavailable = "policy-unavailable"

// Adapter evaluates subject/resource/action tuples against the policy engine's wire contract (spec §6).
type Adapter struct {
	Client     *http.Client
	URL        string
	Timeout    time.Duration
	RetryDelay time.Duration
}

func New(client *http.Client, url string) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		Client:     client,
		URL:        url,
		Timeout:    5 * time.Second,
		RetryDelay: 150 * time.Millisecond,
	}
}

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

// Evaluate returns a Decision per spec §4.2's priority order: step-up takes
// precedence over allow, then allow, then deny. Any transport, timeout, or
// parse error collapses to DENY/policy-unavailable — deny-by-default.
func (a *Adapter) Evaluate(ctx context.Context, subject models.Subject, resource models.Permission, fragmentLabel, action string) models.Decision {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	body, err := json.Marshal(wireRequest{
		Subject: wireSubject{
			ID:     subject.ID,
			Groups: subject.Groups,
			Attrs: map[string]string{
				"clearance":     subject.Attrs.Clearance,
				"mfa_satisfied": boolString(subject.Attrs.MFASatisfied),
				"allow_export":  boolString(subject.Attrs.AllowExport),
			},
		},
		Resource: wireResource{
			Label:  fragmentLabel,
			Source: resource.Attributes["source"],
			Owner:  resource.Attributes["owner_id"],
			Tenant: subject.Tenant,
		},
		Action: action,
	})
	if err != nil {
		return models.Decision{Kind: models.DecisionDeny, Reason: ReasonPolicyUnavailable}
	}

	// One jittered-backoff retry: RequestJSON retries on transport/5xx errors
	// with a fixed delay, so we randomize the delay here before calling it.
	delay := a.RetryDelay + time.Duration(rand.Int63n(int64(a.RetryDelay)))
	status, respBody, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, a.URL, body, map[string]string{"Accept": "application/json"}, 1, delay)
	if err != nil {
		return models.Decision{Kind: models.DecisionDeny, Reason: ReasonPolicyUnavailable}
	}
	if status != http.StatusOK {
		return models.Decision{Kind: models.DecisionDeny, Reason: ReasonPolicyUnavailable}
	}
	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return models.Decision{Kind: models.DecisionDeny, Reason: ReasonPolicyUnavailable}
	}

	switch {
	case wire.StepUpRequired && !subject.Attrs.MFASatisfied:
		return models.Decision{Kind: models.DecisionStepUpRequired, Reason: nonEmpty(wire.Reason, "step_up_required"), RuleID: wire.RuleID}
	case wire.Allow:
		return models.Decision{Kind: models.DecisionAllow, Reason: nonEmpty(wire.Reason, "allow"), RuleID: wire.RuleID}
	default:
		return models.Decision{Kind: models.DecisionDeny, Reason: nonEmpty(wire.Reason, "deny"), RuleID: wire.RuleID}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
