// Package interpret coordinates the document interpretation pipeline: text
// extraction, quality analysis, the reasoning call, and finding/risk
// derivation, persisting the record's state between stages.
package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/document"
	"github.com/labdesk/labdesk/internal/extract"
	"github.com/labdesk/labdesk/internal/findings"
	"github.com/labdesk/labdesk/internal/reasoning"
	"github.com/labdesk/labdesk/internal/storage"
	"github.com/labdesk/labdesk/internal/textstats"
)

// JobTypeInterpret is the queue job type driving pipeline runs.
const JobTypeInterpret = "interpret"

// minUsableText is the least extracted text worth interpreting. Below it the
// run fails terminally: rerunning extraction on the same bytes cannot help.
const minUsableText = 50

// ErrNotRetryable is returned when a retry is requested for a record that is
// not in the failed state.
var ErrNotRetryable = errors.New("interpretation is not in a failed state")

// RecordStore is the persistence surface the orchestrator needs.
type RecordStore interface {
	GetInterpretation(id string) (storage.Interpretation, error)
	UpdateInterpretation(rec storage.Interpretation) error
	MarkAnalysisInterpreted(analysisID, interpretationID string) error
	EnqueueJob(job storage.Job) error
}

// Orchestrator owns status transitions, the reasoning retry policy, and the
// persistence of each stage's output.
type Orchestrator struct {
	store       RecordStore
	interpreter reasoning.Interpreter
	readText    func(path string) (string, document.Info, error)
	attempts    int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewOrchestrator wires an Orchestrator with the production document reader
// and the standard retry policy: 3 reasoning attempts, 2 seconds apart.
func NewOrchestrator(store RecordStore, interpreter reasoning.Interpreter) *Orchestrator {
	return &Orchestrator{
		store:       store,
		interpreter: interpreter,
		readText:    document.ReadText,
		attempts:    3,
		backoff:     2 * time.Second,
		logger:      slog.Default(),
	}
}

// Enqueue schedules a pipeline run for the record.
func (o *Orchestrator) Enqueue(recordID string) error {
	payload, err := json.Marshal(map[string]string{"interpretation_id": recordID})
	if err != nil {
		return fmt.Errorf("marshalling job payload: %w", err)
	}
	return o.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeInterpret,
		PayloadJSON: string(payload),
	})
}

// Retry re-runs the pipeline for a failed record. Any other state is
// rejected without mutation. The error is cleared and the record returns to
// processing before the job is queued, so a subsequent read never shows a
// half-reset record.
func (o *Orchestrator) Retry(recordID string) error {
	rec, err := o.store.GetInterpretation(recordID)
	if err != nil {
		return err
	}
	if rec.Status != storage.StatusFailed {
		return fmt.Errorf("%w (current status %q)", ErrNotRetryable, rec.Status)
	}

	rec.Status = storage.StatusProcessing
	rec.ErrorMessage = ""
	rec.ErrorAt = time.Time{}
	if err := o.store.UpdateInterpretation(rec); err != nil {
		return fmt.Errorf("resetting record for retry: %w", err)
	}
	return o.Enqueue(recordID)
}

// Process runs the full pipeline for one record. Every failure is recorded
// into the record's status/error fields and the original error is returned
// for the caller's log; Process never panics out of a stage.
func (o *Orchestrator) Process(ctx context.Context, recordID string) error {
	start := time.Now()
	if err := o.run(ctx, recordID, start); err != nil {
		o.logger.Warn("interpretation pipeline failed", "record_id", recordID, "error", err)
		o.recordFailure(recordID, start, err)
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, recordID string, start time.Time) error {
	rec, err := o.store.GetInterpretation(recordID)
	if err != nil {
		return fmt.Errorf("loading record: %w", err)
	}
	if rec.Status == storage.StatusPending {
		if err := o.advance(&rec, storage.StatusProcessing); err != nil {
			return err
		}
	}

	// Stage 1: extraction.
	if err := o.advance(&rec, storage.StatusExtracting); err != nil {
		return err
	}
	text, info, err := o.readText(rec.OriginalPath)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}
	parsed := extract.Parse(text)
	if len(strings.TrimSpace(parsed.RawText)) < minUsableText {
		return fmt.Errorf("document yields too little usable text (%d characters, need %d)",
			len(strings.TrimSpace(parsed.RawText)), minUsableText)
	}

	rec.ExtractedText = parsed.RawText
	rec.StructuredJSON, err = marshalStructured(parsed)
	if err != nil {
		return fmt.Errorf("serializing structured data: %w", err)
	}
	rec.MetadataJSON = mergeMetadata(rec.MetadataJSON, map[string]any{
		"pageCount":     info.Pages,
		"formatVersion": info.Version,
	})
	if err := o.store.UpdateInterpretation(rec); err != nil {
		return fmt.Errorf("persisting extraction: %w", err)
	}

	// Stage 2: text analysis over the cleaned text.
	if err := o.advance(&rec, storage.StatusAnalyzing); err != nil {
		return err
	}
	cleaned := textstats.Clean(parsed.RawText)
	metrics := textstats.Analyze(cleaned)
	analysisJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("serializing text analysis: %w", err)
	}
	rec.ExtractedText = cleaned
	rec.AnalysisJSON = string(analysisJSON)
	if err := o.store.UpdateInterpretation(rec); err != nil {
		return fmt.Errorf("persisting analysis: %w", err)
	}

	// Stage 3: the reasoning call, with its local retry loop.
	if err := o.advance(&rec, storage.StatusInterpreting); err != nil {
		return err
	}
	result, err := o.interpretWithRetry(ctx, reasoning.Request{
		CleanedText:     cleaned,
		PatientContext:  patientContext(parsed.PatientInfo, rec.Notes),
		AnalysisContext: analysisContext(rec),
		StructuredJSON:  json.RawMessage(rec.StructuredJSON),
	})
	if err != nil {
		return err
	}

	// Finalize: findings, risk, terminal bookkeeping.
	interpretationJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serializing interpretation: %w", err)
	}
	keyFindings := findings.ExtractKeyFindings(parsed.TestResults, result.String())
	findingsJSON, err := json.Marshal(keyFindings)
	if err != nil {
		return fmt.Errorf("serializing findings: %w", err)
	}

	rec.InterpretationJSON = string(interpretationJSON)
	rec.FindingsJSON = string(findingsJSON)
	rec.RiskLevel = string(findings.AssessRiskLevel(parsed.TestResults))
	rec.ProcessingMS = time.Since(start).Milliseconds()
	rec.CompletedAt = time.Now().UTC()
	rec.Status = storage.StatusCompleted
	if err := o.store.UpdateInterpretation(rec); err != nil {
		return fmt.Errorf("persisting completion: %w", err)
	}

	if err := o.store.MarkAnalysisInterpreted(rec.AnalysisID, rec.ID); err != nil {
		// The record itself completed; the back-reference is advisory.
		o.logger.Warn("failed to mark owning analysis", "analysis_id", rec.AnalysisID, "error", err)
	}

	o.logger.Info("interpretation completed",
		"record_id", rec.ID,
		"risk_level", rec.RiskLevel,
		"processing_ms", rec.ProcessingMS,
	)
	return nil
}

// advance persists a single forward status transition.
func (o *Orchestrator) advance(rec *storage.Interpretation, to string) error {
	if !storage.CanTransition(rec.Status, to) {
		return fmt.Errorf("illegal status transition %s → %s", rec.Status, to)
	}
	rec.Status = to
	if err := o.store.UpdateInterpretation(*rec); err != nil {
		return fmt.Errorf("persisting status %s: %w", to, err)
	}
	return nil
}

// interpretWithRetry makes up to o.attempts calls, waiting o.backoff between
// failures. This loop is local to the reasoning call; it is unrelated to the
// record-level manual retry.
func (o *Orchestrator) interpretWithRetry(ctx context.Context, req reasoning.Request) (reasoning.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		result, err := o.interpreter.Interpret(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		o.logger.Warn("reasoning call failed", "attempt", attempt, "error", err)

		if attempt == o.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return reasoning.Result{}, ctx.Err()
		case <-time.After(o.backoff):
		}
	}
	return reasoning.Result{}, fmt.Errorf("reasoning call failed after %d attempts: %w", o.attempts, lastErr)
}

// recordFailure moves the record to failed and stores the cause. This path
// is best-effort: if even the failure write fails there is nothing left to
// do but log it.
func (o *Orchestrator) recordFailure(recordID string, start time.Time, cause error) {
	rec, err := o.store.GetInterpretation(recordID)
	if err != nil {
		o.logger.Error("failed to reload record for failure state", "record_id", recordID, "error", err)
		return
	}
	if !storage.CanTransition(rec.Status, storage.StatusFailed) {
		o.logger.Error("record not in a failable state", "record_id", recordID, "status", rec.Status)
		return
	}

	rec.Status = storage.StatusFailed
	rec.ErrorMessage = cause.Error()
	rec.ErrorAt = time.Now().UTC()
	rec.ProcessingMS = time.Since(start).Milliseconds()
	if err := o.store.UpdateInterpretation(rec); err != nil {
		o.logger.Error("failed to persist failure state", "record_id", recordID, "error", err)
	}
}

// structuredView is the persisted subset of an extraction result: everything
// except the raw text, which lives in its own column.
type structuredView struct {
	PatientInfo extract.PatientInfo   `json:"patientInfo"`
	TestResults []findings.TestResult `json:"testResults,omitempty"`
	Dates       extract.Dates         `json:"dates"`
	LabInfo     extract.LabInfo       `json:"labInfo"`
}

func marshalStructured(r extract.Result) (string, error) {
	b, err := json.Marshal(structuredView{
		PatientInfo: r.PatientInfo,
		TestResults: r.TestResults,
		Dates:       r.Dates,
		LabInfo:     r.LabInfo,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mergeMetadata folds new keys into the record's metadata bag, preserving
// whatever the upload handler already stored.
func mergeMetadata(existing string, add map[string]any) string {
	meta := map[string]any{}
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &meta)
	}
	for k, v := range add {
		meta[k] = v
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return existing
	}
	return string(b)
}

// patientContext summarizes who the document is about for the reasoning call.
func patientContext(p extract.PatientInfo, notes string) string {
	var parts []string
	if p.Name != "" {
		parts = append(parts, p.Name)
	}
	if p.Age > 0 {
		parts = append(parts, fmt.Sprintf("%d ans", p.Age))
	}
	if p.Gender != "" {
		parts = append(parts, p.Gender)
	}
	if notes != "" {
		parts = append(parts, "antécédents: "+notes)
	}
	return strings.Join(parts, ", ")
}

// analysisContext summarizes the owning analysis for the reasoning call.
func analysisContext(rec storage.Interpretation) string {
	var parts []string
	if rec.AnalysisID != "" {
		parts = append(parts, "analyse "+rec.AnalysisID)
	}
	if rec.OriginalName != "" {
		parts = append(parts, "document "+rec.OriginalName)
	}
	return strings.Join(parts, ", ")
}
