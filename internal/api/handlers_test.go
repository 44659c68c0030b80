package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/config"
	"github.com/adverant/nexus/catalogscan-worker/internal/errors"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProcessor struct {
	requests  []*processor.ProcessRequest
	sawPDF    []byte
	sawExcel  []byte
	output    []byte
	err       error
	cancelled bool
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	f.requests = append(f.requests, req)
	f.sawPDF, _ = os.ReadFile(req.DocumentPath)
	if req.Append {
		f.sawExcel, _ = os.ReadFile(req.ArtifactPath)
	}
	f.cancelled = ctx.Err() != nil
	if f.err != nil {
		return nil, f.err
	}
	if err := os.WriteFile(req.ArtifactPath, f.output, 0o644); err != nil {
		return nil, err
	}
	return &processor.ProcessResult{JobID: req.JobID, ArtifactPath: req.ArtifactPath, RowsAppended: 1, PagesProcessed: 1, RegionsExtracted: 1}, nil
}

type fakeRecorder struct {
	begun     int
	completed int
	failures  []*storage.RunFailure
	beginErr  error
}

func (f *fakeRecorder) BeginRun(ctx context.Context, run *storage.RunStart) (*storage.RunHandle, error) {
	f.begun++
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &storage.RunHandle{JobID: run.JobID}, nil
}

func (f *fakeRecorder) CompleteRun(ctx context.Context, jobID string, completion *storage.RunCompletion) error {
	f.completed++
	return nil
}

func (f *fakeRecorder) FailRun(ctx context.Context, jobID string, failure *storage.RunFailure) error {
	f.failures = append(f.failures, failure)
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, proc processor.DocumentProcessorInterface, recorder RunRecorder, deps map[string]Pinger) (*Server, string) {
	t.Helper()
	workDir := filepath.Join(t.TempDir(), "uploads")
	cfg := &config.Config{
		HTTPHost:          "127.0.0.1",
		HTTPPort:          5000,
		MaxUploadSize:     1 << 20,
		WorkDir:           workDir,
		ProcessingTimeout: time.Minute,
	}
	s, err := NewServer(&ServerConfig{
		Config:       cfg,
		Processor:    proc,
		Recorder:     recorder,
		Dependencies: deps,
		Gatherer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s, workDir
}

type part struct {
	field, filename string
	content         []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(f.content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return out
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadWithoutPDF(t *testing.T) {
	proc := &fakeProcessor{}
	s, _ := newTestServer(t, proc, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"append": "false"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "No file uploaded" {
		t.Errorf("error = %q", got)
	}
	if len(proc.requests) != 0 {
		t.Error("processor must not run")
	}
}

func TestUploadNotMultipart(t *testing.T) {
	s, _ := newTestServer(t, &fakeProcessor{}, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadAppendWithoutExcel(t *testing.T) {
	proc := &fakeProcessor{}
	s, workDir := newTestServer(t, proc, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"append": "true"},
		part{"pdf", "catalog.pdf", []byte("%PDF-1.4")}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Please upload an Excel file to append" {
		t.Errorf("error = %q", got)
	}
	if len(proc.requests) != 0 {
		t.Error("processor must not run")
	}
	if names := dirEntries(t, workDir); len(names) != 0 {
		t.Errorf("upload folder not clean: %v", names)
	}
}

func TestUploadFreshRun(t *testing.T) {
	proc := &fakeProcessor{output: []byte("xlsx-bytes")}
	recorder := &fakeRecorder{}
	s, workDir := newTestServer(t, proc, recorder, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, nil, part{"pdf", "catalog.pdf", []byte("%PDF-1.4 catalog")}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, ".xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if body, _ := io.ReadAll(rec.Body); string(body) != "xlsx-bytes" {
		t.Errorf("body = %q", body)
	}

	req := proc.requests[0]
	if req.Append {
		t.Error("append must be off unless the form says \"true\"")
	}
	if string(proc.sawPDF) != "%PDF-1.4 catalog" {
		t.Errorf("processor saw PDF %q", proc.sawPDF)
	}
	if filepath.Dir(req.DocumentPath) != workDir || filepath.Dir(req.ArtifactPath) != workDir {
		t.Errorf("uploads should live in the upload folder: %+v", req)
	}
	if names := dirEntries(t, workDir); len(names) != 0 {
		t.Errorf("PDF and artifact should be removed after a fresh run, found %v", names)
	}
	if recorder.begun != 1 || recorder.completed != 1 {
		t.Errorf("recorder = %+v", recorder)
	}
}

func TestUploadAppendRun(t *testing.T) {
	proc := &fakeProcessor{output: []byte("appended")}
	s, workDir := newTestServer(t, proc, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"append": "true"},
		part{"pdf", "catalog.pdf", []byte("%PDF-1.4")},
		part{"excel", "spring.xlsx", []byte("existing")}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `"spring.xlsx"`) {
		t.Errorf("Content-Disposition = %q, want uploaded name", cd)
	}
	if !proc.requests[0].Append {
		t.Error("append mode not passed to the processor")
	}
	if string(proc.sawExcel) != "existing" {
		t.Errorf("processor saw workbook %q", proc.sawExcel)
	}

	names := dirEntries(t, workDir)
	if len(names) != 1 || filepath.Ext(names[0]) != ".xlsx" {
		t.Errorf("append mode keeps only the artifact, found %v", names)
	}
}

func TestUploadAppendLogsRetainedWorkbook(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	workDir := t.TempDir()
	s, err := NewServer(&ServerConfig{
		Config:    &config.Config{MaxUploadSize: 1 << 20, WorkDir: workDir, ProcessingTimeout: time.Minute},
		Processor: &fakeProcessor{output: []byte("appended")},
		Gatherer:  prometheus.NewRegistry(),
		Logger:    logging.NewFromZap(zap.New(core)),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, map[string]string{"append": "true"},
		part{"pdf", "catalog.pdf", []byte("%PDF-1.4")},
		part{"excel", "spring.xlsx", []byte("existing")}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	entries := logs.FilterMessage("Uploaded workbook retained").All()
	if len(entries) != 1 {
		t.Fatalf("got %d retention log entries, want 1", len(entries))
	}
	want := filepath.Join(workDir, rec.Header().Get("X-Job-Id")+".xlsx")
	if got := entries[0].ContextMap()["path"]; got != want {
		t.Errorf("logged path = %v, want %v", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("retained workbook missing: %v", err)
	}
}

func TestUploadCountsUnrecordedRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	proc := &fakeProcessor{output: []byte("xlsx-bytes")}
	recorder := &fakeRecorder{beginErr: stderrors.New("connection refused")}
	s, err := NewServer(&ServerConfig{
		Config:    &config.Config{MaxUploadSize: 1 << 20, WorkDir: t.TempDir(), ProcessingTimeout: time.Minute},
		Processor: proc,
		Recorder:  recorder,
		Gatherer:  reg,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, nil, part{"pdf", "catalog.pdf", []byte("%PDF-1.4")}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(proc.requests) != 1 {
		t.Errorf("processor called %d times, want 1", len(proc.requests))
	}
	if got := testutil.ToFloat64(metrics.UnrecordedRuns); got != 1 {
		t.Errorf("unrecorded runs = %v, want 1", got)
	}
	if recorder.completed != 0 || len(recorder.failures) != 0 {
		t.Errorf("unrecorded run must not record an outcome: %+v", recorder)
	}
}

func TestUploadProcessingFailure(t *testing.T) {
	proc := &fakeProcessor{err: errors.NewRasterizeFailedError("job", "doc.pdf", stderrors.New("corrupt"))}
	recorder := &fakeRecorder{}
	s, workDir := newTestServer(t, proc, recorder, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, nil, part{"pdf", "catalog.pdf", []byte("garbage")}))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["kind"] != string(errors.KindRasterizeFailed) {
		t.Errorf("kind = %q", body["kind"])
	}
	if body["jobId"] != proc.requests[0].JobID {
		t.Errorf("jobId = %q, want %q", body["jobId"], proc.requests[0].JobID)
	}
	if strings.Contains(body["error"], "corrupt") {
		t.Errorf("internal detail leaked: %q", body["error"])
	}
	if names := dirEntries(t, workDir); len(names) != 0 {
		t.Errorf("upload folder not clean: %v", names)
	}
	if len(recorder.failures) != 1 || recorder.failures[0].Kind != string(errors.KindRasterizeFailed) {
		t.Errorf("recorded failures = %+v", recorder.failures)
	}
}

func TestUploadInputMissingIsBadRequest(t *testing.T) {
	proc := &fakeProcessor{err: errors.NewInputMissingError("job", "document")}
	s, _ := newTestServer(t, proc, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, nil, part{"pdf", "empty.pdf", nil}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["kind"]; got != string(errors.KindInputMissing) {
		t.Errorf("kind = %q", got)
	}
}

func TestUploadSurvivesClientCancellation(t *testing.T) {
	proc := &fakeProcessor{output: []byte("ok")}
	s, _ := newTestServer(t, proc, nil, nil)

	req := multipartRequest(t, nil, part{"pdf", "catalog.pdf", []byte("%PDF")})
	ctx, cancel := context.WithCancel(req.Context())
	cancel()

	s.Handler().ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))
	if len(proc.requests) != 1 {
		t.Fatalf("processor called %d times", len(proc.requests))
	}
	if proc.cancelled {
		t.Error("processing context should not inherit client cancellation")
	}
}

func TestUploadTooLarge(t *testing.T) {
	proc := &fakeProcessor{}
	s, _ := newTestServer(t, proc, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, nil, part{"pdf", "big.pdf", bytes.Repeat([]byte("x"), 2<<20)}))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t, &fakeProcessor{}, nil, map[string]Pinger{"postgres": fakePinger{}, "redis": fakePinger{}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "healthy" || body["redis"] != "healthy" {
		t.Errorf("body = %v", body)
	}

	s, _ = newTestServer(t, &fakeProcessor{}, nil, map[string]Pinger{"redis": fakePinger{err: stderrors.New("down")}})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	metrics.ObservePage(2)

	s, err := NewServer(&ServerConfig{
		Config:    &config.Config{MaxUploadSize: 1 << 20, WorkDir: t.TempDir(), ProcessingTimeout: time.Minute},
		Processor: &fakeProcessor{},
		Gatherer:  reg,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "catalogscan_pages_processed_total 1") {
		t.Errorf("metrics body missing page counter:\n%s", rec.Body.String())
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&ServerConfig{Config: &config.Config{}}); err == nil {
		t.Error("expected error for missing processor")
	}
}
