package takeoff

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
)

func TestRoundQty(t *testing.T) {
	assert.Equal(t, 3.0, RoundQty("pcs", 2.6))
	assert.Equal(t, 1.234, RoundQty("m3", 1.23449))
	assert.Equal(t, 1.23, RoundQty("m2", 1.2345))
	assert.Equal(t, 1.23, RoundQty("m", 1.2345))
	assert.Equal(t, 1.23, RoundQty("unknown-unit", 1.2345))
}

func TestForType(t *testing.T) {
	for _, typ := range []string{"ifc", "dxf", "dwg", "pdf", "IFC"} {
		ex, err := ForType(typ)
		require.NoError(t, err)
		assert.NotNil(t, ex)
	}
	_, err := ForType("docx")
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleIFC = `ISO-10303-21;
HEADER;
FILE_DESCRIPTION((''),'2;1');
FILE_NAME('plan.ifc','2026-02-10',(''),(''),'','','');
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#1=IFCPROJECT('2O2Fr$t4X7Zf8NOew3FL9r',$,'Project',$,$,$,$,$,#5);
#5=IFCUNITASSIGNMENT((#6));
#6=IFCSIUNIT(*,.LENGTHUNIT.,.MILLI.,.METRE.);
#10=IFCWALL('0u4wgLe6n0ABVaiXyikbkA',$,'Wall-1',$,$,#40,$,$,$);
#11=IFCWALL('1u4wgLe6n0ABVaiXyikbkB',$,'Wall-2',$,$,#41,$,$,$);
#12=IFCDOOR('2u4wgLe6n0ABVaiXyikbkC',$,'Door-1',$,$,#42,$,$,$,$,$,$,$);
#20=IFCELEMENTQUANTITY('3aaa',$,'BaseQuantities',$,$,(#21));
#21=IFCQUANTITYAREA('NetSideArea',$,$,12500000.0,$);
#22=IFCRELDEFINESBYPROPERTIES('4bbb',$,$,$,(#10,#11),#20);
#40=IFCCARTESIANPOINT((0.,0.,0.));
#41=IFCCARTESIANPOINT((5000.,3000.,0.));
#42=IFCCARTESIANPOINT((2500.,1500.,0.));
ENDSEC;
END-ISO-10303-21;
`

func TestIFCValidateAndExtract(t *testing.T) {
	path := writeTemp(t, "plan.ifc", sampleIFC)
	ex := &IFCExtractor{}
	ctx := context.Background()

	require.NoError(t, ex.Validate(ctx, path))

	rows, err := ex.Extract(ctx, path, &config.Mapping{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Two walls share one 12.5e6 mm2 quantity set: 12.5 m2 each.
	assert.Equal(t, "Wall", rows[0].Description)
	assert.Equal(t, "m2", rows[0].Unit)
	assert.Equal(t, 25.0, rows[0].Qty)

	assert.Equal(t, "Door", rows[1].Description)
	assert.Equal(t, "pcs", rows[1].Unit)
	assert.Equal(t, 1.0, rows[1].Qty)
}

func TestIFCValidateRejectsSchema(t *testing.T) {
	bad := `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC99'));
ENDSEC;
DATA;
ENDSEC;
`
	path := writeTemp(t, "bad.ifc", bad)
	err := (&IFCExtractor{}).Validate(context.Background(), path)
	assert.Equal(t, "ifc_schema_unsupported", apperr.CodeOf(err))
}

func TestIFCValidateRejectsDuplicateGlobalID(t *testing.T) {
	dup := `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#10=IFCWALL('SAME-ID',$,'Wall-1',$,$,$,$,$,$);
#11=IFCWALL('SAME-ID',$,'Wall-2',$,$,$,$,$,$);
#40=IFCCARTESIANPOINT((0.,0.,0.));
#41=IFCCARTESIANPOINT((100.,100.,0.));
ENDSEC;
`
	path := writeTemp(t, "dup.ifc", dup)
	err := (&IFCExtractor{}).Validate(context.Background(), path)
	assert.Equal(t, "ifc_duplicate_global_id", apperr.CodeOf(err))
}

func TestIFCValidateRejectsEmptyBoundingBox(t *testing.T) {
	flat := `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#10=IFCWALL('0u4wgLe6n0ABVaiXyikbkA',$,'Wall-1',$,$,$,$,$,$);
#40=IFCCARTESIANPOINT((0.,0.,0.));
ENDSEC;
`
	path := writeTemp(t, "flat.ifc", flat)
	err := (&IFCExtractor{}).Validate(context.Background(), path)
	assert.Equal(t, "ifc_empty_bounding_box", apperr.CodeOf(err))
}

func TestIFCMappingOverride(t *testing.T) {
	path := writeTemp(t, "plan.ifc", sampleIFC)
	mapping := &config.Mapping{Rules: []config.MappingRule{
		{Match: "IfcWall*", Code: "05.01", Description: "Masonry walls", Unit: "m2"},
	}}
	rows, err := (&IFCExtractor{}).Extract(context.Background(), path, mapping)
	require.NoError(t, err)
	assert.Equal(t, "05.01", rows[0].Code)
	assert.Equal(t, "Masonry walls", rows[0].Description)
}

const sampleDXF = `0
SECTION
2
HEADER
9
$INSUNITS
70
4
0
ENDSEC
0
SECTION
2
ENTITIES
0
LINE
8
WALLS
10
0.0
20
0.0
11
3000.0
21
4000.0
0
INSERT
8
FURNITURE
2
DOOR-STD
0
INSERT
8
FURNITURE
2
DOOR-STD
0
ENDSEC
0
EOF
`

func TestDXFExtract(t *testing.T) {
	path := writeTemp(t, "plan.dxf", sampleDXF)
	ex := &DXFExtractor{}
	ctx := context.Background()

	require.NoError(t, ex.Validate(ctx, path))

	rows, err := ex.Extract(ctx, path, &config.Mapping{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// 3-4-5 triangle in millimetres scales to 5 m.
	assert.Equal(t, "m", rows[0].Unit)
	assert.Equal(t, 5.0, rows[0].Qty)
	assert.Equal(t, "layer:WALLS", rows[0].SourceRef)

	assert.Equal(t, "pcs", rows[1].Unit)
	assert.Equal(t, 2.0, rows[1].Qty)
	assert.Equal(t, "block:DOOR-STD", rows[1].SourceRef)
}

func TestDXFValidateRejectsGarbage(t *testing.T) {
	path := writeTemp(t, "junk.dxf", "this is not a dxf")
	err := (&DXFExtractor{}).Validate(context.Background(), path)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestDWGValidateHeader(t *testing.T) {
	ex := &DWGExtractor{}
	ctx := context.Background()

	good := writeTemp(t, "plan.dwg", "AC1032"+string(make([]byte, 64)))
	require.NoError(t, ex.Validate(ctx, good))

	// Extraction is a hard stop pending DXF conversion.
	_, err := ex.Extract(ctx, good, nil)
	assert.ErrorContains(t, err, "DXF")

	bad := writeTemp(t, "junk.dwg", "XXYYZZ")
	assert.Error(t, ex.Validate(ctx, bad))
}

func TestPDFExtractQuantityTable(t *testing.T) {
	pdf := "%PDF-1.7\n1 0 obj\nstream\nBT (C-101  Concrete slab C25/30 12.5 m3) Tj ET\nBT (Internal doors 8 pcs) Tj ET\nBT (General notes apply) Tj ET\nendstream\nendobj\n%%EOF"
	path := writeTemp(t, "schedule.pdf", pdf)
	ex := &PDFExtractor{}
	ctx := context.Background()

	require.NoError(t, ex.Validate(ctx, path))

	rows, err := ex.Extract(ctx, path, &config.Mapping{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "C-101", rows[0].Code)
	assert.Equal(t, "Concrete slab C25/30", rows[0].Description)
	assert.Equal(t, 12.5, rows[0].Qty)
	assert.Equal(t, "m3", rows[0].Unit)
	assert.Equal(t, 8.0, rows[1].Qty)
}

func TestPDFExtractScannedFails(t *testing.T) {
	path := writeTemp(t, "scan.pdf", "%PDF-1.4\nbinary raster payload only\n%%EOF")
	_, err := (&PDFExtractor{}).Extract(context.Background(), path, nil)
	assert.ErrorContains(t, err, "scanned")
}

func TestPDFValidateHeader(t *testing.T) {
	path := writeTemp(t, "fake.pdf", "GIF89a not a pdf")
	err := (&PDFExtractor{}).Validate(context.Background(), path)
	assert.Equal(t, "pdf_bad_header", apperr.CodeOf(err))
}
