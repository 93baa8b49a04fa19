package takeoff

import (
	"context"
	"fmt"
	"os"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
)

// DWG is a closed binary format. The extractor recognizes the header
// and the drawing version, but quantity extraction needs the file
// converted to DXF first (the upload UI offers the conversion).
type DWGExtractor struct{}

// Readable AutoCAD version strings, newest first.
var dwgVersions = map[string]string{
	"AC1032": "AutoCAD 2018", "AC1027": "AutoCAD 2013", "AC1024": "AutoCAD 2010",
	"AC1021": "AutoCAD 2007", "AC1018": "AutoCAD 2004", "AC1015": "AutoCAD 2000",
}

func dwgVersion(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 6)
	if _, err := f.Read(head); err != nil {
		return "", err
	}
	return string(head), nil
}

func (e *DWGExtractor) Validate(ctx context.Context, filePath string) error {
	ver, err := dwgVersion(filePath)
	if err != nil {
		return apperr.Validationf("dwg_unreadable", "cannot read DWG header").Wrap(err)
	}
	if _, known := dwgVersions[ver]; !known {
		return apperr.Validationf("dwg_version_unsupported", "unrecognized DWG version %q", ver)
	}
	return nil
}

// Extract always fails: there is no open-source DWG codec. The error
// surfaces as a takeoff failure with a message pointing at the DXF
// conversion path.
func (e *DWGExtractor) Extract(ctx context.Context, filePath string, mapping *config.Mapping) ([]Row, error) {
	ver, err := dwgVersion(filePath)
	if err != nil {
		return nil, fmt.Errorf("read dwg header: %w", err)
	}
	name := dwgVersions[ver]
	if name == "" {
		name = ver
	}
	return nil, fmt.Errorf("DWG (%s) take-off requires conversion to DXF R2018; re-upload the drawing as DXF", name)
}
