package takeoff

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
)

// IFC files are ISO-10303-21 (STEP physical file) text. The extractor
// parses the entity graph directly: quantities come from the
// IfcElementQuantity sets attached to each element through
// IfcRelDefinesByProperties.
type IFCExtractor struct{}

var ifcSupportedSchemas = map[string]bool{
	"IFC2X3": true, "IFC4": true, "IFC4X1": true, "IFC4X2": true, "IFC4X3": true,
}

var ifcSupportedClasses = map[string]bool{
	"IFCWALL": true, "IFCWALLSTANDARDCASE": true, "IFCSLAB": true,
	"IFCDOOR": true, "IFCWINDOW": true, "IFCCOLUMN": true, "IFCBEAM": true,
	"IFCCOVERING": true, "IFCSPACE": true, "IFCSTAIR": true,
}

type ifcEntity struct {
	typ  string
	args []string
}

type ifcModel struct {
	schema   string
	entities map[int]ifcEntity
	// byType keeps insertion order per entity type for stable output.
	byType map[string][]int
}

func parseIFC(path string) (*ifcModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &ifcModel{entities: make(map[int]ifcEntity), byType: make(map[string][]int)}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var pending strings.Builder
	flush := func() {
		line := strings.TrimSpace(pending.String())
		pending.Reset()
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "FILE_SCHEMA") {
			// FILE_SCHEMA(('IFC4'));
			if start := strings.Index(line, "'"); start >= 0 {
				if end := strings.Index(line[start+1:], "'"); end >= 0 {
					m.schema = strings.ToUpper(line[start+1 : start+1+end])
				}
			}
			return
		}
		if !strings.HasPrefix(line, "#") {
			return
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return
		}
		id, err := strconv.Atoi(strings.TrimSpace(line[1:eq]))
		if err != nil {
			return
		}
		body := strings.TrimSuffix(strings.TrimSpace(line[eq+1:]), ";")
		open := strings.Index(body, "(")
		if open < 0 {
			return
		}
		typ := strings.ToUpper(strings.TrimSpace(body[:open]))
		argsRaw := strings.TrimSuffix(body[open+1:], ")")
		ent := ifcEntity{typ: typ, args: splitStepArgs(argsRaw)}
		m.entities[id] = ent
		m.byType[typ] = append(m.byType[typ], id)
	}

	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "/*") {
			continue
		}
		pending.WriteString(raw)
		// Statements end with ';'; those spanning lines accumulate.
		if strings.HasSuffix(raw, ";") {
			flush()
		} else {
			pending.WriteString(" ")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ifc: %w", err)
	}
	flush()
	return m, nil
}

// splitStepArgs splits a STEP argument list on top-level commas,
// respecting quotes and nested parentheses.
func splitStepArgs(s string) []string {
	var out []string
	depth := 0
	inStr := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inStr:
			if c == '\'' {
				inStr = false
			}
		case c == '\'':
			inStr = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

func stepString(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
		return arg[1 : len(arg)-1]
	}
	return ""
}

func stepRef(arg string) (int, bool) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "#") {
		return 0, false
	}
	id, err := strconv.Atoi(arg[1:])
	return id, err == nil
}

func stepRefList(arg string) []int {
	arg = strings.TrimSpace(arg)
	if len(arg) < 2 || arg[0] != '(' || arg[len(arg)-1] != ')' {
		return nil
	}
	var out []int
	for _, part := range splitStepArgs(arg[1 : len(arg)-1]) {
		if id, ok := stepRef(part); ok {
			out = append(out, id)
		}
	}
	return out
}

func stepFloat(arg string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	return v, err == nil
}

// lengthScale resolves the model's length unit to metres. Unknown
// units warn and assume millimetres, matching validator behavior.
func (m *ifcModel) lengthScale() float64 {
	prefixScale := map[string]float64{
		"": 1, ".MILLI.": 1e-3, ".CENTI.": 1e-2, ".DECI.": 1e-1, ".KILO.": 1e3,
	}
	for _, id := range m.byType["IFCSIUNIT"] {
		ent := m.entities[id]
		// IFCSIUNIT(*, .LENGTHUNIT., prefix|$, .METRE.)
		if len(ent.args) >= 4 && strings.Contains(ent.args[1], "LENGTHUNIT") {
			prefix := strings.TrimSpace(ent.args[2])
			if prefix == "$" {
				prefix = ""
			}
			if s, ok := prefixScale[prefix]; ok {
				return s
			}
		}
	}
	slog.Warn("ifc length unit unresolved, assuming millimetres")
	return 1e-3
}

// Validate checks schema support, duplicate global ids and a non-empty
// bounding box before extraction is attempted.
func (e *IFCExtractor) Validate(ctx context.Context, filePath string) error {
	m, err := parseIFC(filePath)
	if err != nil {
		return apperr.Validationf("ifc_unreadable", "cannot parse IFC file").Wrap(err)
	}
	if m.schema == "" || !ifcSupportedSchemas[m.schema] {
		return apperr.Validationf("ifc_schema_unsupported", "IFC schema %q is not supported", m.schema)
	}

	seen := make(map[string]bool)
	for typ, ids := range m.byType {
		if !ifcSupportedClasses[typ] {
			continue
		}
		for _, id := range ids {
			gid := stepString(m.entities[id].args[0])
			if gid == "" {
				continue
			}
			if seen[gid] {
				return apperr.Validationf("ifc_duplicate_global_id", "duplicate GlobalId %s", gid)
			}
			seen[gid] = true
		}
	}

	if !m.hasExtent() {
		return apperr.Validationf("ifc_empty_bounding_box", "model has an empty bounding box")
	}
	return nil
}

// hasExtent samples cartesian points and requires nonzero spread on at
// least one axis.
func (m *ifcModel) hasExtent() bool {
	var minX, minY, maxX, maxY float64
	count := 0
	for _, id := range m.byType["IFCCARTESIANPOINT"] {
		ent := m.entities[id]
		if len(ent.args) == 0 {
			continue
		}
		coords := splitStepArgs(strings.Trim(ent.args[0], "()"))
		if len(coords) < 2 {
			continue
		}
		x, okX := stepFloat(coords[0])
		y, okY := stepFloat(coords[1])
		if !okX || !okY {
			continue
		}
		if count == 0 {
			minX, maxX, minY, maxY = x, x, y, y
		} else {
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
		count++
		if count >= 5000 {
			break
		}
	}
	return count > 0 && (maxX-minX > 0 || maxY-minY > 0)
}

type ifcQuantity struct {
	kind string // area, volume, length, count
	val  float64
}

// elementQuantities walks IfcRelDefinesByProperties to collect the
// quantity records per element id.
func (m *ifcModel) elementQuantities() map[int][]ifcQuantity {
	out := make(map[int][]ifcQuantity)
	for _, relID := range m.byType["IFCRELDEFINESBYPROPERTIES"] {
		rel := m.entities[relID]
		if len(rel.args) < 6 {
			continue
		}
		propID, ok := stepRef(rel.args[5])
		if !ok {
			continue
		}
		prop := m.entities[propID]
		if prop.typ != "IFCELEMENTQUANTITY" || len(prop.args) < 6 {
			continue
		}
		var quantities []ifcQuantity
		for _, qid := range stepRefList(prop.args[5]) {
			q := m.entities[qid]
			if len(q.args) < 4 {
				continue
			}
			val, ok := stepFloat(q.args[3])
			if !ok {
				continue
			}
			switch q.typ {
			case "IFCQUANTITYAREA":
				quantities = append(quantities, ifcQuantity{"area", val})
			case "IFCQUANTITYVOLUME":
				quantities = append(quantities, ifcQuantity{"volume", val})
			case "IFCQUANTITYLENGTH":
				quantities = append(quantities, ifcQuantity{"length", val})
			case "IFCQUANTITYCOUNT":
				quantities = append(quantities, ifcQuantity{"count", val})
			}
		}
		for _, elID := range stepRefList(rel.args[4]) {
			out[elID] = append(out[elID], quantities...)
		}
	}
	return out
}

// Preferred measure and unit per element class.
var ifcClassMeasure = map[string]struct {
	kind string
	unit string
}{
	"IFCWALL":             {"area", "m2"},
	"IFCWALLSTANDARDCASE": {"area", "m2"},
	"IFCCOVERING":         {"area", "m2"},
	"IFCSPACE":            {"area", "m2"},
	"IFCSLAB":             {"volume", "m3"},
	"IFCCOLUMN":           {"length", "m"},
	"IFCBEAM":             {"length", "m"},
	"IFCSTAIR":            {"count", "pcs"},
	"IFCDOOR":             {"count", "pcs"},
	"IFCWINDOW":           {"count", "pcs"},
}

func ifcClassName(typ string) string {
	// IFCWALLSTANDARDCASE -> IfcWallStandardCase is not recoverable
	// without a table; keep the well-known spellings.
	names := map[string]string{
		"IFCWALL": "IfcWall", "IFCWALLSTANDARDCASE": "IfcWallStandardCase",
		"IFCSLAB": "IfcSlab", "IFCDOOR": "IfcDoor", "IFCWINDOW": "IfcWindow",
		"IFCCOLUMN": "IfcColumn", "IFCBEAM": "IfcBeam", "IFCCOVERING": "IfcCovering",
		"IFCSPACE": "IfcSpace", "IFCSTAIR": "IfcStair",
	}
	if n, ok := names[typ]; ok {
		return n
	}
	return typ
}

// Extract aggregates quantities per element class. Lengths, areas and
// volumes are scaled to metres; elements without a usable quantity
// contribute a count of one.
func (e *IFCExtractor) Extract(ctx context.Context, filePath string, mapping *config.Mapping) ([]Row, error) {
	m, err := parseIFC(filePath)
	if err != nil {
		return nil, fmt.Errorf("parse ifc: %w", err)
	}
	scale := m.lengthScale()
	quantities := m.elementQuantities()

	type agg struct {
		qty   float64
		unit  string
		count int
	}
	classes := make(map[string]*agg)
	var order []string

	// Fixed class order keeps extraction output stable across runs.
	classOrder := []string{
		"IFCWALL", "IFCWALLSTANDARDCASE", "IFCSLAB", "IFCCOLUMN", "IFCBEAM",
		"IFCCOVERING", "IFCSPACE", "IFCSTAIR", "IFCDOOR", "IFCWINDOW",
	}
	for _, typ := range classOrder {
		ids := m.byType[typ]
		measure := ifcClassMeasure[typ]
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a := classes[typ]
			if a == nil {
				a = &agg{unit: measure.unit}
				classes[typ] = a
				order = append(order, typ)
			}
			a.count++

			qty := 0.0
			found := false
			for _, q := range quantities[id] {
				if q.kind == measure.kind {
					qty = q.val
					found = true
					break
				}
			}
			switch {
			case measure.kind == "count":
				qty = 1
			case !found:
				// No quantity set on this element: count it instead.
				qty = 1
				a.unit = "pcs"
			case measure.kind == "length":
				qty *= scale
			case measure.kind == "area":
				qty *= scale * scale
			case measure.kind == "volume":
				qty *= scale * scale * scale
			}
			a.qty += qty
		}
	}

	var rows []Row
	for _, typ := range order {
		a := classes[typ]
		name := ifcClassName(typ)
		row := Row{
			Description: strings.TrimPrefix(name, "Ifc"),
			Unit:        a.unit,
			Qty:         a.qty,
			SourceRef:   fmt.Sprintf("%s x%d", name, a.count),
		}
		row = applyMapping(row, mapping, name)
		rows = append(rows, normalize(row))
	}
	return rows, nil
}
