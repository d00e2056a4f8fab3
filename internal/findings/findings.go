// Package findings derives key findings and an aggregate risk level from
// structured test results and interpretation text.
package findings

import (
	"regexp"
	"strconv"
	"strings"
)

// RiskLevel is the aggregate severity label for a set of test results.
type RiskLevel string

const (
	RiskUnknown RiskLevel = "unknown"
	RiskNormal  RiskLevel = "normal"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// TestResult is one named measurement with its reference range.
type TestResult struct {
	Test  string  `json:"test"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Range string  `json:"range,omitempty"`
}

// Finding is a single item surfaced for clinician attention. Type is either
// "abnormal" (out-of-range measurement) or "alert" (keyword hit in the
// interpretation text); the other fields are populated per type.
type Finding struct {
	Type          string  `json:"type"`
	Test          string  `json:"test,omitempty"`
	Value         float64 `json:"value,omitempty"`
	Unit          string  `json:"unit,omitempty"`
	ExpectedRange string  `json:"expectedRange,omitempty"`
	Keyword       string  `json:"keyword,omitempty"`
	Context       string  `json:"context,omitempty"`
}

// alertKeywords is scanned case-insensitively against the interpretation text.
var alertKeywords = []string{
	"urgent",
	"critical",
	"critique",
	"anormal",
	"abnormal",
	"élevé",
	"elevated",
	"faible",
	"low",
	"consulter",
	"immédiatement",
}

var rangePattern = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*-\s*(\d+(?:[.,]\d+)?)\s*$`)

// IsAbnormal reports whether value falls strictly outside a "min-max" reference
// range. Ranges in any other form ("<5", ">100", free text) cannot be evaluated
// and return false; this mirrors the original scoring behaviour rather than
// guessing at open-ended bounds.
func IsAbnormal(value float64, rng string) bool {
	m := rangePattern.FindStringSubmatch(rng)
	if m == nil {
		return false
	}
	min, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return false
	}
	max, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	if err != nil {
		return false
	}
	return value < min || value > max
}

// ExtractKeyFindings returns abnormal-measurement findings followed by
// alert-keyword findings found in the interpretation text. The context of an
// alert is a window of up to 100 characters on either side of the first match.
func ExtractKeyFindings(results []TestResult, interpretation string) []Finding {
	var out []Finding

	for _, r := range results {
		if IsAbnormal(r.Value, r.Range) {
			out = append(out, Finding{
				Type:          "abnormal",
				Test:          r.Test,
				Value:         r.Value,
				Unit:          r.Unit,
				ExpectedRange: r.Range,
			})
		}
	}

	lower := strings.ToLower(interpretation)
	for _, kw := range alertKeywords {
		idx := strings.Index(lower, strings.ToLower(kw))
		if idx < 0 {
			continue
		}
		out = append(out, Finding{
			Type:    "alert",
			Keyword: kw,
			Context: contextWindow(interpretation, idx, len(kw), 100),
		})
	}

	return out
}

// contextWindow returns the byte window around [idx, idx+length) clamped to the
// text bounds. Matches come from a lowercased copy of the same text, so byte
// offsets line up.
func contextWindow(text string, idx, length, radius int) string {
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + length + radius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// AssessRiskLevel maps the proportion of abnormal results to a risk label:
// 0% normal, under 25% low, under 50% medium, otherwise high. An empty result
// set yields RiskUnknown since nothing can be said about it.
func AssessRiskLevel(results []TestResult) RiskLevel {
	if len(results) == 0 {
		return RiskUnknown
	}

	abnormal := 0
	for _, r := range results {
		if IsAbnormal(r.Value, r.Range) {
			abnormal++
		}
	}

	pct := float64(abnormal) / float64(len(results)) * 100
	switch {
	case pct == 0:
		return RiskNormal
	case pct < 25:
		return RiskLow
	case pct < 50:
		return RiskMedium
	default:
		return RiskHigh
	}
}
