package cli

import (
	"fmt"

	"github.com/adverant/nexus/catalogscan-worker/internal/config"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/adverant/nexus/catalogscan-worker/internal/monitoring"
	"github.com/adverant/nexus/catalogscan-worker/internal/processor"
	"github.com/adverant/nexus/catalogscan-worker/internal/storage"
)

// buildProcessor wires the production pipeline: MuPDF rasterizer, OpenCV
// region detector, Tesseract recognizer and the XLSX workbook accumulator.
func buildProcessor(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) (*processor.DocumentProcessor, error) {
	recognizer, err := processor.NewTesseractOCR(&processor.TesseractConfig{
		Languages:      cfg.OCRLanguages,
		TessdataPrefix: cfg.TessdataPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Tesseract: %w", err)
	}

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Rasterizer:  processor.NewFitzRasterizer(cfg.RasterDPI),
		Detector:    processor.NewContourDetector(),
		Recognizer:  recognizer,
		Accumulator: storage.NewWorkbook(cfg.WorkDir, logger.Named("workbook")),
		Metrics:     metrics,
		Logger:      logger.Named("processor"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document processor: %w", err)
	}

	return proc, nil
}
