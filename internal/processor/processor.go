/**
 * Document Processor for the catalogscan worker
 *
 * Orchestrates the page-to-records pipeline:
 * - Rasterize the catalog one page at a time, in document order
 * - Detect product regions on each page (top to bottom)
 * - Crop, binarize and OCR every region
 * - Append all records to the XLSX artifact in a single save
 *
 * A run succeeds or fails as a whole. Failures carry exactly one error kind.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/adverant/nexus/catalogscan-worker/internal/errors"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
	"github.com/google/uuid"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
}

// Accumulator persists an ordered record set into an artifact
type Accumulator interface {
	Append(ctx context.Context, rows []storage.Row, artifactPath string, opts storage.AppendOptions) (*storage.AppendResult, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Rasterizer  Rasterizer
	Detector    RegionDetector
	Recognizer  Recognizer
	Accumulator Accumulator
	Metrics     *monitoring.Metrics
	Logger      *logging.Logger
}

// ProcessRequest represents a catalog processing request
type ProcessRequest struct {
	JobID        string
	DocumentPath string
	ArtifactPath string
	// Append extends the artifact already at ArtifactPath instead of starting a new one
	Append bool
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string
	ArtifactPath     string
	SheetName        string
	PagesProcessed   int
	RegionsExtracted int
	RowsAppended     int
	FirstRow         int
	LastRow          int
	ProcessingTimeMs int64
}

// DocumentProcessor runs the catalog pipeline
type DocumentProcessor struct {
	rasterizer  Rasterizer
	detector    RegionDetector
	extractor   *TextExtractor
	accumulator Accumulator
	metrics     *monitoring.Metrics
	logger      *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Rasterizer == nil {
		return nil, fmt.Errorf("rasterizer is required")
	}

	if cfg.Detector == nil {
		return nil, fmt.Errorf("region detector is required")
	}

	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	if cfg.Accumulator == nil {
		return nil, fmt.Errorf("accumulator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &DocumentProcessor{
		rasterizer:  cfg.Rasterizer,
		detector:    cfg.Detector,
		extractor:   NewTextExtractor(cfg.Recognizer),
		accumulator: cfg.Accumulator,
		metrics:     cfg.Metrics,
		logger:      logger,
	}, nil
}

// ProcessDocument processes a catalog through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()

	if req == nil {
		return nil, errors.NewInputMissingError("", "request")
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	log := p.logger.With("job_id", jobID)

	result, err := p.run(ctx, jobID, req, log)
	duration := time.Since(startTime)

	if err != nil {
		kind := errors.KindOf(err)
		p.metrics.ObserveRunFailed(string(kind), duration)
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			log.Error("Processing failed", "duration", duration, "details", pe.ToMap())
		} else {
			log.Error("Processing failed", "kind", kind, "duration", duration, "error", err)
		}
		return nil, err
	}

	result.ProcessingTimeMs = duration.Milliseconds()
	p.metrics.ObserveRunCompleted(result.RowsAppended, duration)
	log.Info("Processing completed",
		"pages", result.PagesProcessed,
		"regions", result.RegionsExtracted,
		"first_row", result.FirstRow,
		"last_row", result.LastRow,
		"duration", duration)

	return result, nil
}

func (p *DocumentProcessor) run(ctx context.Context, jobID string, req *ProcessRequest, log *logging.Logger) (*ProcessResult, error) {
	// Step 1: Validate inputs before touching the document
	log.Info("Step 1: Validating inputs", "document", req.DocumentPath, "artifact", req.ArtifactPath, "append", req.Append)
	if err := validateInputs(jobID, req); err != nil {
		return nil, err
	}

	// Step 2: Rasterize, detect and extract page by page
	log.Info("Step 2: Extracting products page by page")
	var records []Record
	pages := 0

	err := p.rasterizer.Rasterize(ctx, req.DocumentPath, func(page int, img image.Image) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageRecords, err := p.processPage(ctx, jobID, page, img)
		if err != nil {
			return err
		}
		pages++
		records = append(records, pageRecords...)
		p.metrics.ObservePage(len(pageRecords))
		log.Debug("Page processed", "page", page, "regions", len(pageRecords))
		return nil
	})
	if err != nil {
		var pe *errors.ProcessingError
		if !stderrors.As(err, &pe) {
			err = errors.NewRasterizeFailedError(jobID, req.DocumentPath, err)
		}
		return nil, err
	}
	log.Info("Extraction complete", "pages", pages, "regions", len(records))

	// Step 3: Hand the complete record set to the accumulator, once
	log.Info("Step 3: Appending records to artifact", "rows", len(records))
	rows := make([]storage.Row, len(records))
	for i, record := range records {
		rows[i] = storage.Row{Thumbnail: record.Thumbnail, Description: record.Description}
	}

	appended, err := p.accumulator.Append(ctx, rows, req.ArtifactPath, storage.AppendOptions{Fresh: !req.Append})
	if err != nil {
		return nil, errors.NewPersistFailedError(jobID, req.ArtifactPath, err)
	}

	return &ProcessResult{
		JobID:            jobID,
		ArtifactPath:     req.ArtifactPath,
		SheetName:        appended.SheetName,
		PagesProcessed:   pages,
		RegionsExtracted: len(records),
		RowsAppended:     appended.RowsAppended,
		FirstRow:         appended.FirstRow,
		LastRow:          appended.LastRow,
	}, nil
}

// processPage detects every region first, then extracts them in detector order
func (p *DocumentProcessor) processPage(ctx context.Context, jobID string, page int, img image.Image) ([]Record, error) {
	regions, err := p.detector.Detect(img)
	if err != nil {
		return nil, errors.NewRecognizeFailedError(jobID, page, 0, fmt.Errorf("region detection failed: %w", err))
	}

	records := make([]Record, 0, len(regions))
	for i, region := range regions {
		record, err := p.extractor.Extract(ctx, img, region)
		if err != nil {
			return nil, errors.NewRecognizeFailedError(jobID, page, i+1, err)
		}
		record.Page = page
		records = append(records, record)
	}

	return records, nil
}

// validateInputs reports missing inputs before any processing starts
func validateInputs(jobID string, req *ProcessRequest) error {
	if req.DocumentPath == "" {
		return errors.NewInputMissingError(jobID, "document")
	}
	if info, err := os.Stat(req.DocumentPath); err != nil || info.IsDir() {
		return errors.NewInputMissingError(jobID, "document")
	}

	if req.ArtifactPath == "" {
		return errors.NewInputMissingError(jobID, "artifact path")
	}
	if req.Append {
		if info, err := os.Stat(req.ArtifactPath); err != nil || info.IsDir() {
			return errors.NewInputMissingError(jobID, "existing artifact")
		}
	}

	return nil
}
