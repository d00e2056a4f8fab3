package findings

import (
	"strings"
	"testing"
)

func TestIsAbnormal(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		rng   string
		want  bool
	}{
		{"inside range", 5, "1-10", false},
		{"above range", 15, "1-10", true},
		{"below range", 0.5, "1-10", true},
		{"at lower bound", 1, "1-10", false},
		{"at upper bound", 10, "1-10", false},
		{"decimal bounds", 130, "70-110", true},
		{"comma decimals", 4.2, "3,5-5,5", false},
		{"unparseable range", 5, "not-a-range", false},
		{"open-ended below", 3, "<5", false},
		{"open-ended above", 200, ">100", false},
		{"empty range", 42, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAbnormal(tt.value, tt.rng); got != tt.want {
				t.Errorf("IsAbnormal(%v, %q) = %v, want %v", tt.value, tt.rng, got, tt.want)
			}
		})
	}
}

func TestAssessRiskLevel(t *testing.T) {
	tests := []struct {
		name    string
		results []TestResult
		want    RiskLevel
	}{
		{"empty", nil, RiskUnknown},
		{"all normal", []TestResult{{Value: 5, Range: "1-10"}}, RiskNormal},
		{
			"one of three abnormal",
			[]TestResult{
				{Value: 15, Range: "1-10"},
				{Value: 5, Range: "1-10"},
				{Value: 5, Range: "1-10"},
			},
			RiskMedium,
		},
		{
			"one of five abnormal",
			[]TestResult{
				{Value: 15, Range: "1-10"},
				{Value: 5, Range: "1-10"},
				{Value: 5, Range: "1-10"},
				{Value: 5, Range: "1-10"},
				{Value: 5, Range: "1-10"},
			},
			RiskLow,
		},
		{
			"half abnormal",
			[]TestResult{
				{Value: 15, Range: "1-10"},
				{Value: 5, Range: "1-10"},
			},
			RiskHigh,
		},
		{"all abnormal", []TestResult{{Value: 130, Range: "70-110"}}, RiskHigh},
		{
			"unparseable ranges count as normal",
			[]TestResult{{Value: 3, Range: "<5"}, {Value: 200, Range: ">100"}},
			RiskNormal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessRiskLevel(tt.results); got != tt.want {
				t.Errorf("AssessRiskLevel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractKeyFindings_Abnormal(t *testing.T) {
	results := []TestResult{
		{Test: "Glycémie", Value: 130, Unit: "mg/dL", Range: "70-110"},
		{Test: "TSH", Value: 2.1, Unit: "mUI/L", Range: "0.4-4.0"},
	}

	got := ExtractKeyFindings(results, "")
	if len(got) != 1 {
		t.Fatalf("got %d findings, want 1", len(got))
	}
	f := got[0]
	if f.Type != "abnormal" || f.Test != "Glycémie" || f.Value != 130 || f.ExpectedRange != "70-110" {
		t.Errorf("unexpected finding: %+v", f)
	}
}

func TestExtractKeyFindings_Alerts(t *testing.T) {
	text := "Le taux de glucose est élevé. Une consultation urgente est recommandée: urgent."

	got := ExtractKeyFindings(nil, text)
	if len(got) == 0 {
		t.Fatal("expected alert findings, got none")
	}

	byKeyword := map[string]Finding{}
	for _, f := range got {
		if f.Type != "alert" {
			t.Errorf("finding type = %q, want alert", f.Type)
		}
		byKeyword[f.Keyword] = f
	}

	urgent, ok := byKeyword["urgent"]
	if !ok {
		t.Fatal("no alert for keyword \"urgent\"")
	}
	if !strings.Contains(urgent.Context, "urgent") {
		t.Errorf("alert context %q does not contain the keyword", urgent.Context)
	}
	if _, ok := byKeyword["élevé"]; !ok {
		t.Error("no alert for keyword \"élevé\"")
	}
}

func TestExtractKeyFindings_Empty(t *testing.T) {
	if got := ExtractKeyFindings(nil, ""); len(got) != 0 {
		t.Errorf("got %d findings for empty input, want 0", len(got))
	}
}

func TestContextWindow_Clamped(t *testing.T) {
	text := "urgent follow-up"
	got := contextWindow(text, 0, len("urgent"), 100)
	if got != text {
		t.Errorf("contextWindow = %q, want full text %q", got, text)
	}
}
