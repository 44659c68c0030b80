package storage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func testRows(descriptions ...string) []Row {
	rows := make([]Row, len(descriptions))
	for i, d := range descriptions {
		rows[i] = Row{
			Thumbnail:   solidImage(120+i*10, 150, color.RGBA{R: uint8(40 * i), G: 90, B: 200, A: 255}),
			Description: d,
		}
	}
	return rows
}

type sheetSnapshot struct {
	values   [][]string
	pictures map[string][]byte
}

func snapshot(t *testing.T, path string, upToRow int) sheetSnapshot {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) > upToRow {
		rows = rows[:upToRow]
	}

	pictures := make(map[string][]byte)
	for row := 2; row <= upToRow; row++ {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		pics, err := f.GetPictures(sheet, cell)
		if err != nil {
			t.Fatalf("GetPictures(%s): %v", cell, err)
		}
		for _, p := range pics {
			pictures[cell] = p.File
		}
	}
	return sheetSnapshot{values: rows, pictures: pictures}
}

func artifactLastRow(t *testing.T, path string) int {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	last, err := sheetLastRow(f, f.GetSheetName(f.GetActiveSheetIndex()))
	if err != nil {
		t.Fatalf("sheetLastRow: %v", err)
	}
	return last
}

func assertNoStagingLeft(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected staging directory to be cleaned, found %d entries", len(entries))
	}
}

func TestLastRow(t *testing.T) {
	testCases := []struct {
		name     string
		rows     [][]string
		pictures []string
		want     int
		wantErr  bool
	}{
		{"empty sheet", nil, nil, 1, false},
		{"header only", [][]string{{"Image", "Description"}}, nil, 1, false},
		{"three rows", [][]string{{"Image", "Description"}, {"", "a"}, {"", "b"}}, []string{"A2", "A3"}, 3, false},
		{"trailing blank rows", [][]string{{"Image", "Description"}, {"", "a"}, {}, {"", ""}}, nil, 2, false},
		{"picture only row", [][]string{{"Image", "Description"}, {"", "a"}}, []string{"A2", "A4"}, 4, false},
		{"bad anchor", nil, []string{"not-a-cell"}, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LastRow(tc.rows, tc.pictures)
			if (err != nil) != tc.wantErr {
				t.Fatalf("LastRow() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("LastRow() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAppendCreatesArtifact(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	artifact := filepath.Join(dir, "catalog.xlsx")

	wb := NewWorkbook(workDir, nil)
	result, err := wb.Append(context.Background(), testRows("Widget A"), artifact, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if result.SheetName != DefaultSheetName || result.FirstRow != 2 || result.LastRow != 2 || result.RowsAppended != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	f, err := excelize.OpenFile(artifact)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if name := f.GetSheetName(f.GetActiveSheetIndex()); name != "Products" {
		t.Errorf("sheet name = %q, want Products", name)
	}
	rows, err := f.GetRows("Products")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	want := [][]string{{"Image", "Description"}, {"", "Widget A"}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %q, want %q", rows, want)
	}

	pics, err := f.GetPictures("Products", "A2")
	if err != nil {
		t.Fatalf("GetPictures: %v", err)
	}
	if len(pics) != 1 {
		t.Fatalf("expected one picture at A2, got %d", len(pics))
	}
	if pics[0].Extension != ".png" {
		t.Errorf("picture extension = %q", pics[0].Extension)
	}

	assertNoStagingLeft(t, workDir)
}

func TestAppendPreservesExistingRows(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	artifact := filepath.Join(dir, "catalog.xlsx")
	wb := NewWorkbook(workDir, nil)
	ctx := context.Background()

	if _, err := wb.Append(ctx, testRows("Lamp", "Chair"), artifact, AppendOptions{}); err != nil {
		t.Fatalf("seed Append() error = %v", err)
	}
	if last := artifactLastRow(t, artifact); last != 3 {
		t.Fatalf("seed last row = %d, want 3", last)
	}
	before := snapshot(t, artifact, 3)

	result, err := wb.Append(ctx, testRows("Table", "Desk"), artifact, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if result.PreviousLastRow != 3 || result.FirstRow != 4 || result.LastRow != 5 {
		t.Errorf("unexpected result: %+v", result)
	}
	if last := artifactLastRow(t, artifact); last != 5 {
		t.Errorf("last row = %d, want 5", last)
	}

	after := snapshot(t, artifact, 3)
	if !reflect.DeepEqual(before.values, after.values) {
		t.Errorf("rows 1-3 changed: before %q after %q", before.values, after.values)
	}
	for cell, data := range before.pictures {
		if !bytes.Equal(data, after.pictures[cell]) {
			t.Errorf("picture at %s changed", cell)
		}
	}

	f, err := excelize.OpenFile(artifact)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	for row, want := range map[int]string{4: "Table", 5: "Desk"} {
		cell, _ := excelize.CoordinatesToCellName(2, row)
		got, _ := f.GetCellValue("Products", cell)
		if got != want {
			t.Errorf("%s = %q, want %q", cell, got, want)
		}
		picCell, _ := excelize.CoordinatesToCellName(1, row)
		pics, _ := f.GetPictures("Products", picCell)
		if len(pics) != 1 {
			t.Errorf("expected one picture at %s, got %d", picCell, len(pics))
		}
	}

	assertNoStagingLeft(t, workDir)
}

func TestAppendKeepsExistingSheetName(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "existing.xlsx")

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", "Spring 2024"); err != nil {
		t.Fatalf("SetSheetName: %v", err)
	}
	f.SetCellStr("Spring 2024", "A1", "Image")
	f.SetCellStr("Spring 2024", "B1", "Description")
	f.SetCellStr("Spring 2024", "B2", "Existing product")
	if err := f.SaveAs(artifact); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()

	wb := NewWorkbook(filepath.Join(dir, "work"), nil)
	result, err := wb.Append(context.Background(), testRows("New product"), artifact, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if result.SheetName != "Spring 2024" || result.FirstRow != 3 {
		t.Errorf("unexpected result: %+v", result)
	}

	got := snapshot(t, artifact, 3)
	if got.values[1][1] != "Existing product" || got.values[2][1] != "New product" {
		t.Errorf("unexpected rows: %q", got.values)
	}
}

func TestAppendFreshIgnoresExistingFile(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "catalog.xlsx")
	wb := NewWorkbook(filepath.Join(dir, "work"), nil)
	ctx := context.Background()

	if _, err := wb.Append(ctx, testRows("Old 1", "Old 2", "Old 3"), artifact, AppendOptions{}); err != nil {
		t.Fatalf("seed Append() error = %v", err)
	}

	result, err := wb.Append(ctx, testRows("New"), artifact, AppendOptions{Fresh: true})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if result.FirstRow != 2 {
		t.Errorf("FirstRow = %d, want 2", result.FirstRow)
	}
	if last := artifactLastRow(t, artifact); last != 2 {
		t.Errorf("last row = %d, want 2", last)
	}
}

func TestAppendNoRowsWritesHeader(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "empty.xlsx")

	result, err := NewWorkbook(filepath.Join(dir, "work"), nil).Append(context.Background(), nil, artifact, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if result.RowsAppended != 0 || result.LastRow != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	got := snapshot(t, artifact, 1)
	if !reflect.DeepEqual(got.values, [][]string{{"Image", "Description"}}) {
		t.Errorf("rows = %q", got.values)
	}
}

func TestAppendFailureCleansStaging(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	artifact := filepath.Join(dir, "missing-dir", "catalog.xlsx")

	_, err := NewWorkbook(workDir, nil).Append(context.Background(), testRows("A", "B"), artifact, AppendOptions{})
	if err == nil {
		t.Fatal("expected save into a missing directory to fail")
	}
	assertNoStagingLeft(t, workDir)

	if _, statErr := os.Stat(artifact); !os.IsNotExist(statErr) {
		t.Errorf("no artifact should exist after a failed save")
	}
}

func TestAppendRejectsMissingThumbnail(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "catalog.xlsx")
	workDir := filepath.Join(dir, "work")

	_, err := NewWorkbook(workDir, nil).Append(context.Background(), []Row{{Description: "no image"}}, artifact, AppendOptions{})
	if err == nil {
		t.Fatal("expected error for a row without thumbnail")
	}
	if _, statErr := os.Stat(artifact); !os.IsNotExist(statErr) {
		t.Errorf("artifact must not be written when a row fails")
	}
	assertNoStagingLeft(t, workDir)
}

func TestSaveAtomicReplacesArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "catalog.xlsx")
	if err := os.WriteFile(artifact, []byte("previous"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetCellValue("Sheet1", "B2", "Widget A"); err != nil {
		t.Fatalf("SetCellValue: %v", err)
	}
	if err := saveAtomic(f, artifact); err != nil {
		t.Fatalf("saveAtomic() error = %v", err)
	}

	saved, err := excelize.OpenFile(artifact)
	if err != nil {
		t.Fatalf("saved artifact is not a workbook: %v", err)
	}
	defer saved.Close()
	if v, _ := saved.GetCellValue("Sheet1", "B2"); v != "Widget A" {
		t.Errorf("B2 = %q", v)
	}

	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want the existing 0600 kept", info.Mode().Perm())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left next to the artifact: %d entries", len(entries))
	}
}

func TestSaveAtomicNewArtifactIsReadable(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "catalog.xlsx")

	f := excelize.NewFile()
	defer f.Close()
	if err := saveAtomic(f, artifact); err != nil {
		t.Fatalf("saveAtomic() error = %v", err)
	}

	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}
