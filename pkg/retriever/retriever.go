// Package retriever turns a query plus an authenticated subject into an
// authorized, deduplicated fragment set with per-fragment provenance.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sentryrag/pkg/models"
)

// ErrInvalidInput is returned for malformed embeddings or subjects missing clearance.
var ErrInvalidInput = errors.New("invalid input")

const maxWorkers = 16

// Embedder externalizes query embedding; the core never computes embeddings itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Store is the slice of pkg/store.RetrievalStore the retriever depends on.
type Store interface {
	PreFilterFragments(ctx context.Context, tenant string, allowedLabels []string, queryVec []float64, limit int) ([]models.Candidate, error)
}

// PolicyEvaluator is the slice of pkg/policyadapter.Adapter the retriever depends on.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, subject models.Subject, resource models.Permission, fragmentLabel, action string) models.Decision
}

// Decided pairs a candidate with the decision reached for it.
type Decided struct {
	Candidate models.Candidate
	Decision  models.Decision
}

// Result is the outcome of a Retrieve call.
type Result struct {
	Allowed            []models.Candidate
	Decisions          []Decided
	InsufficientEvidence bool
	StepUpRequired     bool
	AllowedCount       int
	DeniedCount        int
	StepUpCount        int
}

// Retriever implements spec §4.5's retrieval algorithm.
type Retriever struct {
	Store    Store
	Embedder Embedder
	Policy   PolicyEvaluator
}

func New(store Store, embedder Embedder, policy PolicyEvaluator) *Retriever {
	return &Retriever{Store: store, Embedder: embedder, Policy: policy}
}

func allowedLabelsFor(clearance string) []string {
	switch clearance {
	case models.LabelPublic:
		return []string{models.LabelPublic}
	case models.LabelInternal:
		return []string{models.LabelPublic, models.LabelInternal}
	case models.LabelConfidential:
		return []string{models.LabelPublic, models.LabelInternal, models.LabelConfidential}
	case models.LabelRegulated:
		return []string{models.LabelPublic, models.LabelInternal, models.LabelConfidential, models.LabelRegulated}
	default:
		return nil
	}
}

// Retrieve runs the pre-filter, fans out policy evaluation with bounded
// concurrency, and returns a deterministically ordered, authorized result.
func (r *Retriever) Retrieve(ctx context.Context, subject models.Subject, query string, topK, minEvidenceThreshold int) (Result, error) {
	allowedLabels := allowedLabelsFor(subject.Attrs.Clearance)
	if allowedLabels == nil {
		return Result{}, fmt.Errorf("subject %s: %w: unknown clearance %q", subject.ID, ErrInvalidInput, subject.Attrs.Clearance)
	}
	if topK <= 0 {
		topK = 10
	}

	queryVec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w: %v", ErrInvalidInput, err)
	}
	if len(queryVec) == 0 {
		return Result{}, fmt.Errorf("embed query: %w: empty embedding", ErrInvalidInput)
	}

	candidates, err := r.Store.PreFilterFragments(ctx, subject.Tenant, allowedLabels, queryVec, 2*topK)
	if err != nil {
		return Result{}, fmt.Errorf("pre-filter fragments: %w", err)
	}
	candidates = dedupeByFragmentID(candidates)
	sortCandidates(candidates)

	if len(candidates) == 0 {
		return Result{InsufficientEvidence: true}, nil
	}

	decisions := r.evaluateConcurrently(ctx, subject, candidates)

	var (
		allowed     []models.Candidate
		deniedCount int
		stepUpCount int
	)
	for i, c := range candidates {
		switch decisions[i].Kind {
		case models.DecisionAllow:
			allowed = append(allowed, c)
		case models.DecisionStepUpRequired:
			stepUpCount++
		default:
			deniedCount++
		}
	}

	result := Result{
		AllowedCount: len(allowed),
		DeniedCount:  deniedCount,
		StepUpCount:  stepUpCount,
		StepUpRequired: stepUpCount > 0,
	}
	for i, c := range candidates {
		result.Decisions = append(result.Decisions, Decided{Candidate: c, Decision: decisions[i]})
	}

	if len(allowed) < minEvidenceThreshold {
		result.InsufficientEvidence = true
	}
	if len(allowed) > topK {
		allowed = allowed[:topK]
	}
	result.Allowed = allowed
	return result, nil
}

// evaluateConcurrently evaluates every candidate's policy decision with at
// most maxWorkers goroutines in flight, preserving the candidates' order in
// the returned slice regardless of completion order.
func (r *Retriever) evaluateConcurrently(ctx context.Context, subject models.Subject, candidates []models.Candidate) []models.Decision {
	decisions := make([]models.Decision, len(candidates))
	workers := maxWorkers
	if len(candidates) < workers {
		workers = len(candidates)
	}
	if workers == 0 {
		return decisions
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				c := candidates[idx]
				resource := models.Permission{
					Subject:  subject.ID,
					Object:   c.Fragment.ID,
					Relation: "fragment",
					Attributes: map[string]string{
						"label":       c.Fragment.Label,
						"document_id": c.Fragment.DocumentID,
						"tenant":      c.Fragment.Tenant,
						"source":      c.Fragment.Source,
						"owner_id":    c.Fragment.OwnerID,
					},
				}
				decisions[idx] = r.Policy.Evaluate(ctx, subject, resource, c.Fragment.Label, "read")
			}
		}()
	}
	for idx := range candidates {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	return decisions
}

func dedupeByFragmentID(candidates []models.Candidate) []models.Candidate {
	seen := make(map[string]bool, len(candidates))
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.Fragment.ID] {
			continue
		}
		seen[c.Fragment.ID] = true
		out = append(out, c)
	}
	return out
}

func sortCandidates(candidates []models.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Fragment.ID < candidates[j].Fragment.ID
	})
}
