package reasoning

import (
	"encoding/json"
	"strings"
)

// Structured is the preferred shape of an interpretation: discrete sections
// a clinician can scan. Fields the service omits stay empty.
type Structured struct {
	Summary         string   `json:"summary,omitempty"`
	Details         string   `json:"details,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Concerns        []string `json:"concerns,omitempty"`
	NormalRanges    string   `json:"normalRanges,omitempty"`
}

// Result is the normalized interpretation. The reasoning service sometimes
// returns structured JSON and sometimes free text; exactly one of Structured
// and Text is set, decided once at the boundary so downstream code never
// re-checks the shape.
type Result struct {
	Text       string
	Structured *Structured
}

// Normalize converts a raw service response into a Result. A payload that
// parses as a JSON object with at least a summary becomes Structured;
// everything else is kept verbatim as Text.
func Normalize(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var s Structured
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil && s.Summary != "" {
			return Result{Structured: &s}
		}
	}
	return Result{Text: trimmed}
}

// String flattens the result for keyword scanning and logging.
func (r Result) String() string {
	if r.Structured == nil {
		return r.Text
	}
	var b strings.Builder
	b.WriteString(r.Structured.Summary)
	if r.Structured.Details != "" {
		b.WriteString("\n")
		b.WriteString(r.Structured.Details)
	}
	for _, rec := range r.Structured.Recommendations {
		b.WriteString("\n")
		b.WriteString(rec)
	}
	for _, c := range r.Structured.Concerns {
		b.WriteString("\n")
		b.WriteString(c)
	}
	if r.Structured.NormalRanges != "" {
		b.WriteString("\n")
		b.WriteString(r.Structured.NormalRanges)
	}
	return b.String()
}

// IsZero reports whether the result carries no content at all.
func (r Result) IsZero() bool {
	return r.Structured == nil && r.Text == ""
}

// MarshalJSON persists Structured results as objects and text results as
// plain JSON strings, matching what callers of the stored record expect.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Structured != nil {
		return json.Marshal(r.Structured)
	}
	return json.Marshal(r.Text)
}

// UnmarshalJSON accepts either shape back.
func (r *Result) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var s Structured
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.Structured = &s
		r.Text = ""
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	r.Text = text
	r.Structured = nil
	return nil
}
