// Package api exposes the interpretation pipeline over HTTP: document
// submission, record retrieval, retry, deletion, and aggregate statistics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/document"
	"github.com/labdesk/labdesk/internal/interpret"
	"github.com/labdesk/labdesk/internal/storage"
)

const maxUploadSize = 10 << 20 // 10MB

// PipelineScheduler is what the API needs from the orchestrator: queueing a
// fresh run and retrying a failed one.
type PipelineScheduler interface {
	Enqueue(recordID string) error
	Retry(recordID string) error
}

type AppDeps struct {
	Store     *storage.Store
	Pipeline  PipelineScheduler
	UploadDir string
	Token     string
	Version   string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/interpretations", handleSubmit(deps))
		r.Get("/interpretations", handleList(deps))
		r.Get("/interpretations/statistics", handleStatistics(deps))
		r.Get("/interpretations/{id}", handleGet(deps))
		r.Get("/interpretations/{id}/download", handleDownload(deps))
		r.Post("/interpretations/{id}/retry", handleRetry(deps))
		r.Delete("/interpretations/{id}", handleDelete(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": deps.Version,
		})
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		patientID := r.FormValue("patientId")
		analysisID := r.FormValue("analysisId")
		if patientID == "" || analysisID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "patientId and analysisId are required")
			return
		}

		file, header, err := r.FormFile("document")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document file is required")
			return
		}
		defer file.Close()

		if !acceptableUpload(header) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF documents are accepted")
			return
		}

		recordID := uuid.New().String()
		storedName := recordID + ".pdf"
		storedPath := filepath.Join(deps.UploadDir, storedName)

		size, err := saveUpload(file, storedPath)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}

		// The extension and declared type can lie; check the file itself.
		if !document.Validate(storedPath) {
			os.Remove(storedPath)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uploaded file is not a valid PDF")
			return
		}

		rec := storage.Interpretation{
			ID:               recordID,
			PatientID:        patientID,
			AnalysisID:       analysisID,
			OriginalFilename: storedName,
			OriginalName:     header.Filename,
			OriginalPath:     storedPath,
			OriginalSize:     size,
			ContentType:      "application/pdf",
			Status:           storage.StatusProcessing,
			Notes:            r.FormValue("notes"),
		}
		if err := deps.Store.CreateInterpretation(rec); err != nil {
			os.Remove(storedPath)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create record: %v", err)
			return
		}

		if err := deps.Pipeline.Enqueue(recordID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue interpretation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"interpretationId": recordID,
			"status":           storage.StatusProcessing,
		})
	}
}

func handleGet(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetInterpretation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interpretation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interpretation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recordView(rec))
	}
}

func handleList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.ListFilter{
			PatientID:  q.Get("patientId"),
			AnalysisID: q.Get("analysisId"),
			Status:     q.Get("status"),
			RiskLevel:  q.Get("riskLevel"),
			Page:       parseIntParam(r, "page", 1, 0),
			Limit:      parseIntParam(r, "limit", 20, 100),
			SortBy:     q.Get("sortBy"),
			Order:      q.Get("order"),
		}
		if filter.Status != "" && !storage.ValidStatus(filter.Status) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", filter.Status)
			return
		}

		recs, total, err := deps.Store.ListInterpretations(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interpretations: %v", err)
			return
		}

		views := make([]recordJSON, 0, len(recs))
		for _, rec := range recs {
			views = append(views, recordView(rec))
		}

		limit := filter.Limit
		totalPages := (total + limit - 1) / limit

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"interpretations": views,
			"pagination": map[string]int{
				"page":       filter.Page,
				"limit":      limit,
				"total":      total,
				"totalPages": totalPages,
			},
		})
	}
}

func handleStatistics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Statistics(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute statistics: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Pipeline.Retry(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interpretation not found")
			return
		}
		if errors.Is(err, interpret.ErrNotRetryable) {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry interpretation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"interpretationId": id,
			"status":           storage.StatusProcessing,
		})
	}
}

func handleDelete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetInterpretation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interpretation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interpretation: %v", err)
			return
		}

		// Remove the stored document first so the record never points at a
		// file that survived its deletion.
		if rec.OriginalPath != "" {
			if err := os.Remove(rec.OriginalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to remove document: %v", err)
				return
			}
		}
		if err := deps.Store.DeleteInterpretation(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interpretation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleDownload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetInterpretation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interpretation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interpretation: %v", err)
			return
		}
		if rec.OriginalPath == "" {
			httpError(w, http.StatusNotFound, "not_found", "no document stored for this interpretation")
			return
		}

		w.Header().Set("Content-Type", rec.ContentType)
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
		http.ServeFile(w, r, rec.OriginalPath)
	}
}

// recordJSON is the API shape of an interpretation record. JSON-bearing
// columns are embedded verbatim so clients see objects, not escaped strings.
type recordJSON struct {
	ID               string          `json:"id"`
	PatientID        string          `json:"patientId"`
	AnalysisID       string          `json:"analysisId"`
	OriginalName     string          `json:"originalName"`
	OriginalSize     int64           `json:"originalSize"`
	ContentType      string          `json:"contentType"`
	Status           string          `json:"status"`
	RiskLevel        string          `json:"riskLevel"`
	ExtractedText    string          `json:"extractedText,omitempty"`
	StructuredData   json.RawMessage `json:"structuredData,omitempty"`
	TextAnalysis     json.RawMessage `json:"textAnalysis,omitempty"`
	Interpretation   json.RawMessage `json:"interpretation,omitempty"`
	KeyFindings      json.RawMessage `json:"keyFindings,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	ErrorAt          *time.Time      `json:"errorAt,omitempty"`
	ProcessingTimeMS int64           `json:"processingTimeMs,omitempty"`
	DownloadURL      string          `json:"downloadUrl"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

func recordView(rec storage.Interpretation) recordJSON {
	return recordJSON{
		ID:               rec.ID,
		PatientID:        rec.PatientID,
		AnalysisID:       rec.AnalysisID,
		OriginalName:     rec.OriginalName,
		OriginalSize:     rec.OriginalSize,
		ContentType:      rec.ContentType,
		Status:           rec.Status,
		RiskLevel:        rec.RiskLevel,
		ExtractedText:    rec.ExtractedText,
		StructuredData:   rawJSON(rec.StructuredJSON),
		TextAnalysis:     rawJSON(rec.AnalysisJSON),
		Interpretation:   rawJSON(rec.InterpretationJSON),
		KeyFindings:      rawJSON(rec.FindingsJSON),
		Metadata:         rawJSON(rec.MetadataJSON),
		Notes:            rec.Notes,
		ErrorMessage:     rec.ErrorMessage,
		ErrorAt:          timePtr(rec.ErrorAt),
		ProcessingTimeMS: rec.ProcessingMS,
		DownloadURL:      "/interpretations/" + rec.ID + "/download",
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		CompletedAt:      timePtr(rec.CompletedAt),
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// acceptableUpload checks the cheap signals before the file is even stored.
func acceptableUpload(header *multipart.FileHeader) bool {
	name := strings.ToLower(header.Filename)
	if !strings.HasSuffix(name, ".pdf") {
		return false
	}
	declared := header.Header.Get("Content-Type")
	return declared == "" || declared == "application/pdf" || declared == "application/octet-stream"
}

func saveUpload(src io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return size, nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
