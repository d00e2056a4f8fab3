package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interpretation lifecycle states. Transitions run strictly forward through
// the processing sequence; the only backward move is failed → processing,
// taken by an explicit retry.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusExtracting   = "extracting"
	StatusAnalyzing    = "analyzing"
	StatusInterpreting = "interpreting"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

var forwardOrder = map[string]int{
	StatusPending:      0,
	StatusProcessing:   1,
	StatusExtracting:   2,
	StatusAnalyzing:    3,
	StatusInterpreting: 4,
	StatusCompleted:    5,
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if to == StatusFailed {
		return from != StatusCompleted && from != StatusFailed
	}
	if from == StatusFailed {
		return to == StatusProcessing
	}
	fromOrd, okFrom := forwardOrder[from]
	toOrd, okTo := forwardOrder[to]
	return okFrom && okTo && toOrd > fromOrd
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s string) bool {
	_, ok := forwardOrder[s]
	return ok || s == StatusFailed
}

// ValidRiskLevels lists accepted risk labels, indeterminate to severe.
var ValidRiskLevels = []string{"unknown", "normal", "low", "medium", "high"}

// Interpretation is the persisted record of one document's journey through
// the interpretation pipeline. JSON-bearing columns hold serialized blobs
// whose shape the pipeline stages own.
type Interpretation struct {
	ID         string
	PatientID  string
	AnalysisID string

	// Stored-artifact descriptor.
	OriginalFilename string // generated name on disk
	OriginalName     string // caller-supplied name
	OriginalPath     string
	OriginalSize     int64
	ContentType      string

	ExtractedText      string
	StructuredJSON     string // extract.Result minus raw text
	AnalysisJSON       string // textstats metrics subset
	InterpretationJSON string // reasoning.Result, either shape
	FindingsJSON       string // []findings.Finding
	RiskLevel          string

	Status       string
	ErrorMessage string
	ErrorAt      time.Time // zero unless Status == failed
	ProcessingMS int64
	MetadataJSON string
	Notes        string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero unless Status == completed
}

// Job is one queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ListFilter narrows and pages an interpretation listing. Zero-valued fields
// are ignored; Limit is clamped to 100.
type ListFilter struct {
	PatientID  string
	AnalysisID string
	Status     string
	RiskLevel  string
	Page       int
	Limit      int
	SortBy     string
	Order      string // "asc" or "desc"
}

// GroupCount is one bucket of a grouped count.
type GroupCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats aggregates the record store for the statistics endpoint. Average
// processing time only considers completed records.
type Stats struct {
	ByStatus        []GroupCount `json:"byStatus"`
	ByRiskLevel     []GroupCount `json:"byRiskLevel"`
	AvgProcessingMS float64      `json:"averageProcessingTime"`
}
