package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labdesk/labdesk/internal/interpret"
	"github.com/labdesk/labdesk/internal/storage"
)

const testToken = "test-token-12345"

const minimalPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF"

type mockScheduler struct {
	mu       sync.Mutex
	enqueued []string
	retried  []string
	retryErr error
}

func (m *mockScheduler) Enqueue(recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, recordID)
	return nil
}

func (m *mockScheduler) Retry(recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryErr != nil {
		return m.retryErr
	}
	m.retried = append(m.retried, recordID)
	return nil
}

func setupAppHandler(t *testing.T, token string) (http.Handler, *storage.Store, *mockScheduler, string) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	scheduler := &mockScheduler{}
	uploadDir := t.TempDir()

	handler := NewAppHandler(AppDeps{
		Store:     store,
		Pipeline:  scheduler,
		UploadDir: uploadDir,
		Token:     token,
		Version:   "test",
	})
	return handler, store, scheduler, uploadDir
}

func multipartUpload(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("document", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fmt.Fprint(fw, content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func submitRequest(t *testing.T, token, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	body, contentType := multipartUpload(t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, "/interpretations", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func authReq(method, url, token string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSubmitAcceptsPDF(t *testing.T) {
	h, store, scheduler, uploadDir := setupAppHandler(t, testToken)

	req := submitRequest(t, testToken, "resultats.pdf", minimalPDF, map[string]string{
		"patientId":  "patient-1",
		"analysisId": "analysis-1",
		"notes":      "bilan annuel",
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["interpretationId"] == "" {
		t.Fatal("response missing interpretationId")
	}
	if resp["status"] != storage.StatusProcessing {
		t.Errorf("status = %q, want processing", resp["status"])
	}

	rec, err := store.GetInterpretation(resp["interpretationId"])
	if err != nil {
		t.Fatalf("GetInterpretation: %v", err)
	}
	if rec.PatientID != "patient-1" || rec.AnalysisID != "analysis-1" {
		t.Errorf("record ids = %q/%q", rec.PatientID, rec.AnalysisID)
	}
	if rec.OriginalName != "resultats.pdf" {
		t.Errorf("originalName = %q", rec.OriginalName)
	}
	if rec.Notes != "bilan annuel" {
		t.Errorf("notes = %q", rec.Notes)
	}
	if rec.OriginalSize != int64(len(minimalPDF)) {
		t.Errorf("originalSize = %d, want %d", rec.OriginalSize, len(minimalPDF))
	}

	stored, err := os.ReadFile(filepath.Join(uploadDir, rec.OriginalFilename))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(stored) != minimalPDF {
		t.Error("stored file content differs from upload")
	}

	if len(scheduler.enqueued) != 1 || scheduler.enqueued[0] != rec.ID {
		t.Errorf("enqueued = %v, want [%s]", scheduler.enqueued, rec.ID)
	}
}

func TestSubmitValidation(t *testing.T) {
	h, _, scheduler, uploadDir := setupAppHandler(t, testToken)

	tests := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
	}{
		{
			name:     "missing patient id",
			filename: "r.pdf",
			content:  minimalPDF,
			fields:   map[string]string{"analysisId": "a-1"},
		},
		{
			name:     "missing analysis id",
			filename: "r.pdf",
			content:  minimalPDF,
			fields:   map[string]string{"patientId": "p-1"},
		},
		{
			name:   "missing file",
			fields: map[string]string{"patientId": "p-1", "analysisId": "a-1"},
		},
		{
			name:     "wrong extension",
			filename: "r.txt",
			content:  minimalPDF,
			fields:   map[string]string{"patientId": "p-1", "analysisId": "a-1"},
		},
		{
			name:     "bad magic bytes",
			filename: "r.pdf",
			content:  "plain text pretending to be a PDF",
			fields:   map[string]string{"patientId": "p-1", "analysisId": "a-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, submitRequest(t, testToken, tt.filename, tt.content, tt.fields))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}

	if len(scheduler.enqueued) != 0 {
		t.Errorf("invalid submissions enqueued jobs: %v", scheduler.enqueued)
	}
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected uploads left %d files behind", len(entries))
	}
}

func createCompletedRecord(t *testing.T, store *storage.Store, id, path string) {
	t.Helper()
	rec := storage.Interpretation{
		ID:               id,
		PatientID:        "patient-1",
		AnalysisID:       "analysis-1",
		OriginalFilename: id + ".pdf",
		OriginalName:     "resultats.pdf",
		OriginalPath:     path,
		OriginalSize:     128,
		ContentType:      "application/pdf",
		Status:           storage.StatusProcessing,
	}
	if err := store.CreateInterpretation(rec); err != nil {
		t.Fatalf("CreateInterpretation: %v", err)
	}
	rec, _ = store.GetInterpretation(id)
	rec.Status = storage.StatusCompleted
	rec.RiskLevel = "medium"
	rec.InterpretationJSON = `{"summary":"Glycémie élevée."}`
	rec.FindingsJSON = `[{"type":"abnormal","test":"Glycémie"}]`
	rec.ProcessingMS = 1500
	rec.CompletedAt = time.Now().UTC()
	if err := store.UpdateInterpretation(rec); err != nil {
		t.Fatalf("UpdateInterpretation: %v", err)
	}
}

func TestGetInterpretation(t *testing.T) {
	h, store, _, _ := setupAppHandler(t, testToken)
	createCompletedRecord(t, store, "rec-1", "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations/rec-1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["id"] != "rec-1" {
		t.Errorf("id = %v", resp["id"])
	}
	if resp["riskLevel"] != "medium" {
		t.Errorf("riskLevel = %v", resp["riskLevel"])
	}
	if resp["downloadUrl"] != "/interpretations/rec-1/download" {
		t.Errorf("downloadUrl = %v", resp["downloadUrl"])
	}
	interp, ok := resp["interpretation"].(map[string]any)
	if !ok {
		t.Fatalf("interpretation is not an object: %v", resp["interpretation"])
	}
	if interp["summary"] != "Glycémie élevée." {
		t.Errorf("summary = %v", interp["summary"])
	}
}

func TestGetInterpretationNotFound(t *testing.T) {
	h, _, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations/absent", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestListInterpretations(t *testing.T) {
	h, store, _, _ := setupAppHandler(t, testToken)
	for i := 0; i < 3; i++ {
		createCompletedRecord(t, store, fmt.Sprintf("rec-%d", i), "")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations?status=completed&limit=2", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Interpretations []recordJSON `json:"interpretations"`
		Pagination      struct {
			Page       int `json:"page"`
			Limit      int `json:"limit"`
			Total      int `json:"total"`
			TotalPages int `json:"totalPages"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Interpretations) != 2 {
		t.Errorf("got %d records, want 2", len(resp.Interpretations))
	}
	if resp.Pagination.Total != 3 || resp.Pagination.TotalPages != 2 {
		t.Errorf("pagination = %+v", resp.Pagination)
	}
	if resp.Pagination.Page != 1 || resp.Pagination.Limit != 2 {
		t.Errorf("pagination = %+v", resp.Pagination)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	h, _, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations?status=bogus", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	h, _, scheduler, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/interpretations/rec-1/retry", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(scheduler.retried) != 1 || scheduler.retried[0] != "rec-1" {
		t.Errorf("retried = %v", scheduler.retried)
	}
}

func TestRetryConflictAndNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not failed", fmt.Errorf("%w (current status %q)", interpret.ErrNotRetryable, "completed"), http.StatusConflict},
		{"missing record", storage.ErrNotFound, http.StatusNotFound},
		{"store error", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, scheduler, _ := setupAppHandler(t, testToken)
			scheduler.retryErr = tt.err

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/interpretations/rec-1/retry", testToken))
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestDeleteRemovesFileAndRecord(t *testing.T) {
	h, store, _, uploadDir := setupAppHandler(t, testToken)

	path := filepath.Join(uploadDir, "rec-1.pdf")
	if err := os.WriteFile(path, []byte(minimalPDF), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	createCompletedRecord(t, store, "rec-1", path)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/interpretations/rec-1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("stored file still exists after delete")
	}
	if _, err := store.GetInterpretation("rec-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record still readable: %v", err)
	}
}

func TestDownload(t *testing.T) {
	h, store, _, uploadDir := setupAppHandler(t, testToken)

	path := filepath.Join(uploadDir, "rec-1.pdf")
	if err := os.WriteFile(path, []byte(minimalPDF), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	createCompletedRecord(t, store, "rec-1", path)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations/rec-1/download", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != minimalPDF {
		t.Error("downloaded content differs from stored file")
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="resultats.pdf"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	h, store, _, _ := setupAppHandler(t, testToken)
	createCompletedRecord(t, store, "rec-1", "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations/statistics", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var stats storage.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if len(stats.ByStatus) != 1 || stats.ByStatus[0].Key != storage.StatusCompleted {
		t.Errorf("byStatus = %+v", stats.ByStatus)
	}
	if stats.AvgProcessingMS != 1500 {
		t.Errorf("averageProcessingTime = %v, want 1500", stats.AvgProcessingMS)
	}
}

func TestBearerAuth(t *testing.T) {
	h, _, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	// Health stays open for probes.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rr.Code)
	}
}

func TestAuthDisabledWithEmptyToken(t *testing.T) {
	h, _, _, _ := setupAppHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/interpretations", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rr.Code)
	}
}
