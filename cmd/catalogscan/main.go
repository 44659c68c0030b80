/**
 * catalogscan - Main Entry Point
 *
 * Turns product catalog PDFs into XLSX product sheets.
 *
 * Architecture:
 * - MuPDF rasterizer, one page image alive at a time
 * - OpenCV contour detector for product photos
 * - Tesseract OCR for the description under each photo
 * - excelize workbook accumulator with atomic saves
 * - HTTP upload API (serve) and Asynq queue worker (worker)
 */

package main

import (
	"log"

	"github.com/adverant/nexus/catalogscan-worker/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cli.Execute()
}
