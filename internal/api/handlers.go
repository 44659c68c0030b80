package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/errors"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// multipart parts beyond this are spooled to disk
	multipartMemory = 32 << 20
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.respondWithError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	pdfFile, _, err := r.FormFile("pdf")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer pdfFile.Close()

	appendMode := r.FormValue("append") == "true"
	var excelFile multipart.File
	downloadName := ""
	if appendMode {
		var header *multipart.FileHeader
		excelFile, header, err = r.FormFile("excel")
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, "Please upload an Excel file to append")
			return
		}
		defer excelFile.Close()
		downloadName = filepath.Base(header.Filename)
	}

	jobID := uuid.NewString()
	log := s.logger.With("job_id", jobID, "request_id", middleware.GetReqID(r.Context()))
	if downloadName == "" || downloadName == "." || downloadName == string(filepath.Separator) {
		downloadName = jobID + ".xlsx"
	}

	if err := os.MkdirAll(s.config.WorkDir, 0o755); err != nil {
		log.Error("Failed to create upload folder", "error", err)
		s.respondWithFailure(w, jobID, err)
		return
	}

	// Save the uploaded PDF; it never outlives the request
	pdfPath := filepath.Join(s.config.WorkDir, jobID+".pdf")
	defer removeFile(log, pdfPath)
	if err := saveUpload(pdfFile, pdfPath); err != nil {
		log.Error("Failed to save uploaded PDF", "error", err)
		s.respondWithFailure(w, jobID, err)
		return
	}

	artifactPath := filepath.Join(s.config.WorkDir, jobID+".xlsx")
	if appendMode {
		if err := saveUpload(excelFile, artifactPath); err != nil {
			log.Error("Failed to save uploaded workbook", "error", err)
			s.respondWithFailure(w, jobID, err)
			return
		}
		// Appended workbooks stay in the upload folder after the response
		log.Info("Uploaded workbook retained", "path", artifactPath)
	} else {
		defer removeFile(log, artifactPath)
	}

	result, err := s.runCatalog(r.Context(), &processor.ProcessRequest{
		JobID:        jobID,
		DocumentPath: pdfPath,
		ArtifactPath: artifactPath,
		Append:       appendMode,
	})
	if err != nil {
		s.respondWithFailure(w, jobID, err)
		return
	}

	artifact, err := os.Open(result.ArtifactPath)
	if err != nil {
		log.Error("Failed to open artifact", "error", err)
		s.respondWithFailure(w, jobID, err)
		return
	}
	defer artifact.Close()

	info, err := artifact.Stat()
	if err != nil {
		s.respondWithFailure(w, jobID, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	w.Header().Set("X-Job-Id", jobID)
	http.ServeContent(w, r, downloadName, info.ModTime(), artifact)
}

// runCatalog processes the uploaded catalog, detached from client
// cancellation, and records the run when a recorder is configured.
func (s *Server) runCatalog(parent context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.config.ProcessingTimeout)
	defer cancel()
	log := s.logger.With("job_id", req.JobID)

	var handle *storage.RunHandle
	if s.recorder != nil {
		var err error
		handle, err = s.recorder.BeginRun(ctx, &storage.RunStart{
			JobID:        req.JobID,
			DocumentPath: req.DocumentPath,
			ArtifactPath: req.ArtifactPath,
			Append:       req.Append,
		})
		if err != nil {
			s.metrics.ObserveRunUnrecorded()
			log.Warn("Run will not be recorded", "error", err)
		} else {
			defer func() {
				if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("Failed to release artifact lock", "error", err)
				}
			}()
		}
	}

	result, err := s.processor.ProcessDocument(ctx, req)

	if handle != nil {
		var recordErr error
		if err != nil {
			recordErr = s.recorder.FailRun(context.WithoutCancel(ctx), req.JobID, &storage.RunFailure{
				Kind:    string(errors.KindOf(err)),
				Message: err.Error(),
			})
		} else {
			recordErr = s.recorder.CompleteRun(context.WithoutCancel(ctx), req.JobID, &storage.RunCompletion{
				Pages:        result.PagesProcessed,
				Regions:      result.RegionsExtracted,
				RowsAppended: result.RowsAppended,
			})
		}
		if recordErr != nil {
			log.Warn("Failed to record run outcome", "error", recordErr)
		}
	}

	return result, err
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := map[string]string{"status": "healthy"}
	healthy := true

	for name, dep := range s.dependencies {
		if err := dep.Ping(ctx); err != nil {
			healthStatus[name] = "unhealthy"
			healthy = false
			s.logger.Error("Health check failed", "dependency", name, "error", err)
		} else {
			healthStatus[name] = "healthy"
		}
	}

	if !healthy {
		healthStatus["status"] = "unhealthy"
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}

	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func saveUpload(src io.Reader, path string) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return dst.Close()
}

func removeFile(log *logging.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to clean up upload", "path", path, "error", err)
	}
}

func (s *Server) respondWithFailure(w http.ResponseWriter, jobID string, err error) {
	kind := errors.KindOf(err)
	code := http.StatusInternalServerError
	if kind == errors.KindInputMissing {
		code = http.StatusBadRequest
	}
	s.respondWithJSON(w, code, map[string]string{
		"error": "Failed to process catalog",
		"kind":  string(kind),
		"jobId": jobID,
	})
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
