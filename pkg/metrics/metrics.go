package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                 sync.RWMutex
	endpoint           map[string]*EndpointStat
	verdict            map[string]int64
	reason             map[string]int64
	gauges             map[string]float64
	redactionApplied   int64
	insufficientEvidence int64
	stepUpRequired     int64
	Histograms         *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Verdicts             map[string]int64        `json:"verdicts"`
	Reasons              map[string]int64        `json:"reasons"`
	Gauges               map[string]float64      `json:"gauges"`
	RedactionApplied     int64                   `json:"redaction_applied_total"`
	InsufficientEvidence int64                   `json:"insufficient_evidence_total"`
	StepUpRequired       int64                   `json:"step_up_required_total"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		verdict:    map[string]int64{},
		reason:     map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdict records one occurrence of a decision kind (ALLOW, DENY, STEP_UP_REQUIRED).
func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncRedactionApplied() {
	r.mu.Lock()
	r.redactionApplied++
	r.mu.Unlock()
}

func (r *Registry) IncInsufficientEvidence() {
	r.mu.Lock()
	r.insufficientEvidence++
	r.mu.Unlock()
}

func (r *Registry) IncStepUpRequired() {
	r.mu.Lock()
	r.stepUpRequired++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:             make(map[string]int64, len(r.verdict)),
		Reasons:              make(map[string]int64, len(r.reason)),
		Gauges:               make(map[string]float64, len(r.gauges)),
		RedactionApplied:     r.redactionApplied,
		InsufficientEvidence: r.insufficientEvidence,
		StepUpRequired:       r.stepUpRequired,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP sentryrag_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE sentryrag_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentryrag_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP sentryrag_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE sentryrag_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentryrag_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP sentryrag_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE sentryrag_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentryrag_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP sentryrag_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE sentryrag_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentryrag_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP sentryrag_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE sentryrag_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "sentryrag_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP sentryrag_decision_total total fragment decisions by kind\n")
		b.WriteString("# TYPE sentryrag_decision_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "sentryrag_decision_total{kind=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP sentryrag_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE sentryrag_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "sentryrag_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP sentryrag_gauge operational gauge metrics\n")
		b.WriteString("# TYPE sentryrag_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sentryrag_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP sentryrag_latency_seconds latency histogram\n")
			b.WriteString("# TYPE sentryrag_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "sentryrag_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "sentryrag_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sentryrag_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "sentryrag_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sentryrag_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "sentryrag_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "sentryrag_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP sentryrag_redaction_applied_total fragments where redaction changed the text\n")
		b.WriteString("# TYPE sentryrag_redaction_applied_total counter\n")
		fmt.Fprintf(b, "sentryrag_redaction_applied_total %d\n", snap.RedactionApplied)

		b.WriteString("# HELP sentryrag_insufficient_evidence_total search responses flagged insufficient_evidence\n")
		b.WriteString("# TYPE sentryrag_insufficient_evidence_total counter\n")
		fmt.Fprintf(b, "sentryrag_insufficient_evidence_total %d\n", snap.InsufficientEvidence)

		b.WriteString("# HELP sentryrag_step_up_required_total search responses gated on step-up\n")
		b.WriteString("# TYPE sentryrag_step_up_required_total counter\n")
		fmt.Fprintf(b, "sentryrag_step_up_required_total %d\n", snap.StepUpRequired)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
