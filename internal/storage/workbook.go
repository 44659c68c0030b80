/**
 * Workbook - Accumulates extracted products into an XLSX artifact
 *
 * Schema: column A holds the anchored thumbnail, column B the description,
 * row 1 is the header. New rows always go strictly after the last populated
 * row; existing cells and pictures are never touched.
 */

package storage

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/natefinch/atomic"
	"github.com/xuri/excelize/v2"
)

const (
	// DefaultSheetName titles the sheet of a freshly created artifact
	DefaultSheetName = "Products"

	// ThumbnailDisplaySize is the on-sheet width and height of every thumbnail
	ThumbnailDisplaySize = 100

	headerRow = 1
)

var header = []string{"Image", "Description"}

// Row is one product to append: thumbnail in column A, description in column B
type Row struct {
	Thumbnail   image.Image
	Description string
}

// AppendOptions controls how the artifact is opened
type AppendOptions struct {
	// Fresh ignores any file already at the artifact path and starts a new workbook
	Fresh bool
}

// AppendResult describes where the new rows landed
type AppendResult struct {
	SheetName       string
	PreviousLastRow int
	FirstRow        int
	LastRow         int
	RowsAppended    int
}

// Workbook appends rows to XLSX artifacts
type Workbook struct {
	workDir string
	logger  *logging.Logger
}

// NewWorkbook creates a workbook accumulator that stages thumbnails under workDir
func NewWorkbook(workDir string, logger *logging.Logger) *Workbook {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Workbook{
		workDir: workDir,
		logger:  logger,
	}
}

// Append writes rows after the artifact's last populated row and saves the
// artifact in one atomic write. Staged thumbnails are removed before it
// returns, whatever the outcome.
func (w *Workbook) Append(ctx context.Context, rows []Row, artifactPath string, opts AppendOptions) (*AppendResult, error) {
	if artifactPath == "" {
		return nil, fmt.Errorf("artifact path is required")
	}

	f, sheet, err := openOrCreate(artifactPath, opts.Fresh)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			w.logger.Warn("Failed to close workbook", "path", artifactPath, "error", err)
		}
	}()

	lastRow, err := sheetLastRow(f, sheet)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	stagingDir, err := os.MkdirTemp(w.workDir, "thumbnails-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create thumbnail staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			w.logger.Warn("Failed to remove staged thumbnails", "dir", stagingDir, "error", err)
		}
	}()

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := lastRow + i + 1
		if err := w.writeRow(f, sheet, stagingDir, target, row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", target, err)
		}
	}

	if err := saveAtomic(f, artifactPath); err != nil {
		return nil, err
	}

	result := &AppendResult{
		SheetName:       sheet,
		PreviousLastRow: lastRow,
		FirstRow:        lastRow + 1,
		LastRow:         lastRow + len(rows),
		RowsAppended:    len(rows),
	}

	w.logger.Debug("Artifact saved",
		"path", artifactPath,
		"sheet", sheet,
		"previous_last_row", lastRow,
		"rows_appended", len(rows))

	return result, nil
}

func (w *Workbook) writeRow(f *excelize.File, sheet, stagingDir string, target int, row Row) error {
	if row.Thumbnail == nil {
		return fmt.Errorf("thumbnail is required")
	}
	bounds := row.Thumbnail.Bounds()
	if bounds.Empty() {
		return fmt.Errorf("thumbnail is empty")
	}

	picturePath := filepath.Join(stagingDir, fmt.Sprintf("product_%d.png", target-1))
	if err := writePNG(picturePath, row.Thumbnail); err != nil {
		return err
	}

	imageCell, err := excelize.CoordinatesToCellName(1, target)
	if err != nil {
		return err
	}
	if err := f.AddPicture(sheet, imageCell, picturePath, &excelize.GraphicOptions{
		ScaleX:  float64(ThumbnailDisplaySize) / float64(bounds.Dx()),
		ScaleY:  float64(ThumbnailDisplaySize) / float64(bounds.Dy()),
		AltText: fmt.Sprintf("product %d", target-1),
	}); err != nil {
		return fmt.Errorf("failed to anchor thumbnail at %s: %w", imageCell, err)
	}

	descriptionCell, err := excelize.CoordinatesToCellName(2, target)
	if err != nil {
		return err
	}
	return f.SetCellStr(sheet, descriptionCell, row.Description)
}

// openOrCreate opens the artifact's active sheet, or builds a new workbook
// with the header row when the file is absent or fresh is set.
func openOrCreate(path string, fresh bool) (*excelize.File, string, error) {
	if !fresh {
		if _, err := os.Stat(path); err == nil {
			f, err := excelize.OpenFile(path)
			if err != nil {
				return nil, "", fmt.Errorf("failed to open artifact: %w", err)
			}
			return f, f.GetSheetName(f.GetActiveSheetIndex()), nil
		} else if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to stat artifact: %w", err)
		}
	}

	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), DefaultSheetName); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("failed to name sheet: %w", err)
	}
	for col, title := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, headerRow)
		if err := f.SetCellStr(DefaultSheetName, cell, title); err != nil {
			f.Close()
			return nil, "", fmt.Errorf("failed to write header: %w", err)
		}
	}
	return f, DefaultSheetName, nil
}

func sheetLastRow(f *excelize.File, sheet string) (int, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read rows of %q: %w", sheet, err)
	}
	pictureCells, err := f.GetPictureCells(sheet)
	if err != nil {
		return 0, fmt.Errorf("failed to read pictures of %q: %w", sheet, err)
	}
	return LastRow(rows, pictureCells)
}

// LastRow returns the highest 1-based row holding a non-empty cell value or
// an anchored picture. It never returns less than the header row, so data
// always starts at row 2 or later.
func LastRow(rows [][]string, pictureCells []string) (int, error) {
	last := headerRow

	for i, row := range rows {
		for _, value := range row {
			if value != "" {
				if i+1 > last {
					last = i + 1
				}
				break
			}
		}
	}

	for _, cell := range pictureCells {
		_, row, err := excelize.CellNameToCoordinates(cell)
		if err != nil {
			return 0, fmt.Errorf("invalid picture anchor %q: %w", cell, err)
		}
		if row > last {
			last = row
		}
	}

	return last, nil
}

func writePNG(path string, img image.Image) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail file: %w", err)
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Close()
}

// saveAtomic replaces path with the serialized workbook, so readers see
// either the old artifact or the complete new one.
func saveAtomic(f *excelize.File, path string) error {
	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("failed to serialize artifact: %w", err)
	}

	_, statErr := os.Stat(path)
	if err := atomic.WriteFile(path, buf); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	// atomic.WriteFile keeps an existing file's mode; new files start private
	if os.IsNotExist(statErr) {
		if err := os.Chmod(path, 0o644); err != nil {
			return fmt.Errorf("failed to set artifact permissions: %w", err)
		}
	}
	return nil
}
