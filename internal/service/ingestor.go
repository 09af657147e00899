package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// Chunker abstracts text-to-chunks splitting so Ingestor can be tested
// without the real ChunkerService.
type Chunker interface {
	Chunk(ctx context.Context, text, sourceID string, collection model.Collection) ([]model.Chunk, error)
}

// Ingestor turns source documents (PDF narrative guidance, CSV
// drug-interaction tables) into chunks ready for embedding.
type Ingestor struct {
	chunker Chunker
}

// NewIngestor creates an Ingestor.
func NewIngestor(chunker Chunker) *Ingestor {
	return &Ingestor{chunker: chunker}
}

// IngestPDF reads a PDF file page by page and chunks its extracted text
// into the unstructured collection.
func (ing *Ingestor) IngestPDF(ctx context.Context, path, sourceID string) ([]model.Chunk, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("service.IngestPDF: opening %s: %w", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract rather than abort the whole document.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	content := strings.TrimSpace(sb.String())
	if content == "" {
		return nil, fmt.Errorf("service.IngestPDF: no extractable text in %s", path)
	}

	chunks, err := ing.chunker.Chunk(ctx, content, sourceID, model.CollectionUnstructured)
	if err != nil {
		return nil, fmt.Errorf("service.IngestPDF: %w", err)
	}
	return chunks, nil
}

// IngestCSV reads a drug-interaction CSV table and chunks each row (or
// group of rows, per chunk-size budget) into the structured collection.
// Falls back to Windows-1252 decoding when the file isn't valid UTF-8 —
// several public drug-interaction datasets ship in that encoding.
func (ing *Ingestor) IngestCSV(ctx context.Context, path, sourceID string) ([]model.Chunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("service.IngestCSV: reading %s: %w", path, err)
	}

	records, err := parseCSV(raw)
	if err != nil {
		return nil, fmt.Errorf("service.IngestCSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("service.IngestCSV: %s has no data rows", path)
	}

	header := records[0]
	var sb strings.Builder
	for _, row := range records[1:] {
		sb.WriteString(rowToText(header, row))
		sb.WriteString("\n\n")
	}

	content := strings.TrimSpace(sb.String())
	if content == "" {
		return nil, fmt.Errorf("service.IngestCSV: %s produced no rows", path)
	}

	chunks, err := ing.chunker.Chunk(ctx, content, sourceID, model.CollectionStructured)
	if err != nil {
		return nil, fmt.Errorf("service.IngestCSV: %w", err)
	}
	return chunks, nil
}

// parseCSV decodes raw bytes as UTF-8; if they are not valid UTF-8 or
// fail to parse as CSV it retries via the Windows-1252
// (latin-1-compatible) code page.
func parseCSV(raw []byte) ([][]string, error) {
	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	if err == nil && utf8.Valid(raw) {
		return records, nil
	}
	if err == nil {
		err = fmt.Errorf("input is not valid UTF-8")
	}

	decoded, decErr := decodeLatin1(raw)
	if decErr != nil {
		return nil, fmt.Errorf("decoding as UTF-8 failed (%v) and latin-1 fallback failed: %w", err, decErr)
	}

	records, err = csv.NewReader(strings.NewReader(decoded)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV after latin-1 fallback: %w", err)
	}
	return records, nil
}

func decodeLatin1(raw []byte) (string, error) {
	reader := transform.NewReader(strings.NewReader(string(raw)), charmap.Windows1252.NewDecoder())
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// rowToText renders a CSV row as "Header: value" lines so each row reads
// like a short clinical fact sheet once chunked and embedded.
func rowToText(header, row []string) string {
	var sb strings.Builder
	for i, col := range row {
		if i >= len(header) {
			break
		}
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		sb.WriteString(strings.TrimSpace(header[i]))
		sb.WriteString(": ")
		sb.WriteString(col)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
