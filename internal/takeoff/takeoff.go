// Package takeoff turns uploaded drawing files into bill-of-quantities
// rows. One extractor per file type; extractors read the file and the
// mapping config only. They never touch the store or the broker, the
// job engine is the sole writer.
package takeoff

import (
	"context"
	"math"
	"strings"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/storage"
)

// Row is one extracted quantity line before persistence.
type Row struct {
	Code        string
	Description string
	Unit        string
	Qty         float64
	SourceRef   string
}

// Extractor reads a drawing file and yields BoQ rows. Validate runs
// first on the job engine's validation stage; Extract may assume a
// file that passed validation.
type Extractor interface {
	Validate(ctx context.Context, filePath string) error
	Extract(ctx context.Context, filePath string, mapping *config.Mapping) ([]Row, error)
}

// ForType selects the extractor for a normalized file type.
func ForType(fileType string) (Extractor, error) {
	switch strings.ToLower(fileType) {
	case storage.TypeIFC:
		return &IFCExtractor{}, nil
	case storage.TypeDXF:
		return &DXFExtractor{}, nil
	case storage.TypeDWG:
		return &DWGExtractor{}, nil
	case storage.TypePDF:
		return &PDFExtractor{}, nil
	}
	return nil, apperr.Validationf("unsupported_file_type", "no extractor for type %q", fileType)
}

// RoundQty rounds a quantity by unit class: counts to whole numbers,
// volumes to 3 decimals, areas and lengths to 2.
func RoundQty(unit string, q float64) float64 {
	switch unitClass(unit) {
	case classCount:
		return math.Round(q)
	case classVolume:
		return math.Round(q*1000) / 1000
	default:
		return math.Round(q*100) / 100
	}
}

type class int

const (
	classLength class = iota
	classArea
	classVolume
	classCount
)

func unitClass(unit string) class {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "pcs", "pc", "ea", "each", "item", "piece", "pieces", "count", "no", "nr":
		return classCount
	case "m3", "cum", "cu m", "cubic m", "cubic meter":
		return classVolume
	case "m2", "sqm", "sq m":
		return classArea
	default:
		return classLength
	}
}

// normalize fills defaults and applies rounding; rows with empty
// descriptions get a placeholder so exports never render blank lines.
func normalize(r Row) Row {
	if r.Description == "" {
		r.Description = "Item"
	}
	if r.Unit == "" {
		r.Unit = "item"
	}
	r.Qty = RoundQty(r.Unit, r.Qty)
	return r
}

// applyMapping overlays the mapping rule for key onto the row, keeping
// extracted values where the rule is silent.
func applyMapping(r Row, mapping *config.Mapping, key string) Row {
	if mapping == nil {
		return r
	}
	rule := mapping.Lookup(key)
	if rule == nil {
		return r
	}
	if rule.Code != "" {
		r.Code = rule.Code
	}
	if rule.Description != "" {
		r.Description = rule.Description
	}
	if rule.Unit != "" {
		r.Unit = rule.Unit
	}
	return r
}
