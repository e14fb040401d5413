// Package redact applies classification-aware PII/PHI masking to fragment text.
package redact

import (
	"regexp"
	"sort"

	"sentryrag/pkg/models"
)

// Category is the closed enum named in spec §4.3.
const (
	CategoryPII = "PII"
	CategoryPHI = "PHI"
)

// Pattern is one entry in the redaction catalog.
type Pattern struct {
	ID           string
	Category     string
	MaskStrategy string
	re           *regexp.Regexp
}

// defaultPatterns mirrors the replacement-string conventions of the
// reference redaction/guardrail services: ssn/email/phone/pan as PII,
// date_of_birth as PHI. Compiled once at package init so a bad regex fails
// closed at process start rather than silently dropping a pattern at request time.
var defaultPatterns = []Pattern{
	{
		ID:           "ssn",
		Category:     CategoryPII,
		MaskStrategy: "XXX-XX-XXXX",
		re:           regexp.MustCompile(`\b(?:[0-8]\d{2}|7\d{2})-?\d{2}-?\d{4}\b`),
	},
	{
		ID:           "email",
		Category:     CategoryPII,
		MaskStrategy: "***@***.***",
		re:           regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		ID:           "phone",
		Category:     CategoryPII,
		MaskStrategy: "(XXX) XXX-XXXX",
		re:           regexp.MustCompile(`\b(?:\(\d{3}\)[-. ]?|\d{3}[-. ])\d{3}[-. ]\d{4}\b`),
	},
	{
		ID:           "pan",
		Category:     CategoryPII,
		MaskStrategy: "****-****-****-XXXX",
		re:           regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
	},
	{
		ID:           "date_of_birth",
		Category:     CategoryPHI,
		MaskStrategy: "XX/XX/XXXX",
		re:           regexp.MustCompile(`\b(?:0[1-9]|1[0-2])[/-](?:0[1-9]|[12]\d|3[01])[/-](?:19|20)\d{2}\b`),
	},
}

// categoriesForLabel is the classification policy table from spec §4.3.
func categoriesForLabel(label string) map[string]bool {
	switch label {
	case models.LabelPublic:
		return nil
	case models.LabelInternal:
		return map[string]bool{CategoryPII: true}
	case models.LabelConfidential:
		return map[string]bool{CategoryPII: true, CategoryPHI: true}
	case models.LabelRegulated:
		return map[string]bool{CategoryPII: true, CategoryPHI: true}
	default:
		// Unknown label: fail closed to the most conservative policy.
		return map[string]bool{CategoryPII: true, CategoryPHI: true}
	}
}

// Result is the outcome of a Redact call.
type Result struct {
	Text            string
	PatternsMatched []string
	Changed         bool
}

// Redact is a deterministic, idempotent pure function: applying it twice to
// already-redacted text changes nothing, since the mask strategies never
// themselves match their own source pattern.
func Redact(text, label string) Result {
	active := categoriesForLabel(label)
	if len(active) == 0 {
		return Result{Text: text}
	}
	matched := map[string]struct{}{}
	out := text
	for _, p := range defaultPatterns {
		if !active[p.Category] {
			continue
		}
		if p.re.MatchString(out) {
			matched[p.ID] = struct{}{}
			out = p.re.ReplaceAllString(out, p.MaskStrategy)
		}
	}
	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Result{
		Text:            out,
		PatternsMatched: ids,
		Changed:         len(ids) > 0,
	}
}

// SuppressForExport reports whether label requires export suppression
// regardless of redaction outcome (Regulated content per spec §4.3).
func SuppressForExport(label string, allowExport bool) bool {
	if label == models.LabelRegulated && !allowExport {
		return true
	}
	return false
}
