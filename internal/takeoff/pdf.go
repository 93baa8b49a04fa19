package takeoff

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
)

// PDF take-off targets drawings that carry their schedule as embedded
// text (quantity tables exported from CAD). Text is pulled from
// literal string operators in uncompressed content streams; scanned
// raster drawings yield nothing and fail with a clear message.
type PDFExtractor struct{}

func (e *PDFExtractor) Validate(ctx context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return apperr.Validationf("pdf_unreadable", "cannot open PDF file").Wrap(err)
	}
	defer f.Close()
	head := make([]byte, 5)
	if _, err := f.Read(head); err != nil || !bytes.Equal(head, []byte("%PDF-")) {
		return apperr.Validationf("pdf_bad_header", "file is not a PDF")
	}
	return nil
}

// qtyLine matches schedule rows like "C-101 Concrete slab 12.5 m3" or
// "Doors, internal 8 pcs". Unit comes last, quantity just before it.
var qtyLine = regexp.MustCompile(`(?i)^\s*([A-Z][A-Z0-9._/-]{0,15}\s{2,})?(.{3,80}?)\s+(\d+(?:[.,]\d+)?)\s*(m3|m2|m|mm|lm|pcs|ea|each|no|nr|kg|t)\s*\.?\s*$`)

// pdfText pulls literal strings out of the raw bytes: "(...) Tj" and
// "(...) TJ" show operators plus any plain text runs between stream
// markers. Compressed streams are skipped.
func pdfText(raw []byte) []string {
	var lines []string
	showOp := regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*T[jJ]`)
	for _, m := range showOp.FindAllSubmatch(raw, -1) {
		s := string(m[1])
		s = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`).Replace(s)
		if strings.TrimSpace(s) != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

func (e *PDFExtractor) Extract(ctx context.Context, filePath string, mapping *config.Mapping) ([]Row, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	var rows []Row
	for _, line := range pdfText(raw) {
		m := qtyLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		qty, err := strconv.ParseFloat(strings.ReplaceAll(m[3], ",", "."), 64)
		if err != nil || qty <= 0 {
			continue
		}
		row := Row{
			Code:        strings.TrimSpace(m[1]),
			Description: strings.TrimSpace(m[2]),
			Unit:        strings.ToLower(m[4]),
			Qty:         qty,
			SourceRef:   "pdf:text",
		}
		row = applyMapping(row, mapping, row.Description)
		rows = append(rows, normalize(row))
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no extractable quantity table found; the PDF appears to be a scanned or raster drawing")
	}
	return rows, nil
}
