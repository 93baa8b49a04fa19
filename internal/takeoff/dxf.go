package takeoff

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/config"
)

// DXF is a text format of (group code, value) pairs. The extractor
// measures LINE/LWPOLYLINE/CIRCLE/ARC lengths per layer and counts
// INSERT block references per block name.
type DXFExtractor struct{}

// $INSUNITS code to metres, per the DXF reference.
var insunitsToMetres = map[int]float64{
	1: 0.0254, 2: 0.3048, 3: 1609.344, 4: 0.001, 5: 0.01,
	6: 1.0, 7: 1000.0, 8: 1e-6, 9: 0.0000254,
}

type dxfPair struct {
	code  int
	value string
}

type dxfDoc struct {
	insunits int
	pairs    []dxfPair
}

func parseDXF(path string) (*dxfDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc := &dxfDoc{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var codeLine string
	haveCode := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !haveCode {
			codeLine = strings.TrimSpace(line)
			haveCode = true
			continue
		}
		haveCode = false
		code, err := strconv.Atoi(codeLine)
		if err != nil {
			continue
		}
		doc.pairs = append(doc.pairs, dxfPair{code: code, value: strings.TrimSpace(line)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan dxf: %w", err)
	}
	if len(doc.pairs) == 0 {
		return nil, fmt.Errorf("no group code pairs")
	}

	// $INSUNITS lives in the HEADER section as a 70 pair following the
	// variable name.
	for i, p := range doc.pairs {
		if p.code == 9 && p.value == "$INSUNITS" && i+1 < len(doc.pairs) {
			if v, err := strconv.Atoi(doc.pairs[i+1].value); err == nil {
				doc.insunits = v
			}
			break
		}
	}
	return doc, nil
}

func (d *dxfDoc) scaleToMetres() float64 {
	if s, ok := insunitsToMetres[d.insunits]; ok && s > 0 {
		return s
	}
	slog.Warn("dxf units unresolved, assuming millimetres", "insunits", d.insunits)
	return 0.001
}

// Validate confirms the file parses and reaches an ENTITIES section.
func (e *DXFExtractor) Validate(ctx context.Context, filePath string) error {
	doc, err := parseDXF(filePath)
	if err != nil {
		return apperr.Validationf("dxf_unreadable", "cannot parse DXF file").Wrap(err)
	}
	for i, p := range doc.pairs {
		if p.code == 2 && p.value == "ENTITIES" && i > 0 && doc.pairs[i-1].value == "SECTION" {
			return nil
		}
	}
	return apperr.Validationf("dxf_no_entities", "DXF file has no ENTITIES section")
}

type dxfEntity struct {
	typ    string
	layer  string
	block  string
	xs, ys []float64
	bulges []float64
	radius float64
	start  float64 // arc angles, degrees
	end    float64
	closed bool
}

func collectEntities(doc *dxfDoc) []dxfEntity {
	var out []dxfEntity
	inEntities := false
	var cur *dxfEntity
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for i, p := range doc.pairs {
		switch p.code {
		case 2:
			if i > 0 && doc.pairs[i-1].value == "SECTION" {
				inEntities = p.value == "ENTITIES"
			} else if cur != nil && cur.typ == "INSERT" && cur.block == "" {
				cur.block = p.value
			}
		case 0:
			if p.value == "ENDSEC" {
				flush()
				inEntities = false
				continue
			}
			if !inEntities {
				continue
			}
			flush()
			switch p.value {
			case "LINE", "LWPOLYLINE", "CIRCLE", "ARC", "INSERT":
				cur = &dxfEntity{typ: p.value}
			}
		case 8:
			if cur != nil && cur.layer == "" {
				cur.layer = p.value
			}
		case 10, 11:
			if cur != nil {
				if v, err := strconv.ParseFloat(p.value, 64); err == nil {
					cur.xs = append(cur.xs, v)
				}
			}
		case 20, 21:
			if cur != nil {
				if v, err := strconv.ParseFloat(p.value, 64); err == nil {
					cur.ys = append(cur.ys, v)
					// Bulge defaults to zero for each vertex.
					if cur.typ == "LWPOLYLINE" && len(cur.bulges) < len(cur.ys) {
						cur.bulges = append(cur.bulges, 0)
					}
				}
			}
		case 42:
			if cur != nil && cur.typ == "LWPOLYLINE" && len(cur.bulges) > 0 {
				if v, err := strconv.ParseFloat(p.value, 64); err == nil {
					cur.bulges[len(cur.bulges)-1] = v
				}
			}
		case 40:
			if cur != nil && (cur.typ == "CIRCLE" || cur.typ == "ARC") {
				cur.radius, _ = strconv.ParseFloat(p.value, 64)
			}
		case 50:
			if cur != nil && cur.typ == "ARC" {
				cur.start, _ = strconv.ParseFloat(p.value, 64)
			}
		case 51:
			if cur != nil && cur.typ == "ARC" {
				cur.end, _ = strconv.ParseFloat(p.value, 64)
			}
		case 70:
			if cur != nil && cur.typ == "LWPOLYLINE" {
				if v, err := strconv.Atoi(p.value); err == nil {
					cur.closed = v&1 == 1
				}
			}
		}
	}
	flush()
	return out
}

// segmentLength handles the bulge (arc) factor between consecutive
// polyline vertices.
func segmentLength(x1, y1, x2, y2, bulge float64) float64 {
	chord := math.Hypot(x2-x1, y2-y1)
	if math.Abs(bulge) < 1e-12 {
		return chord
	}
	theta := 4 * math.Atan(bulge)
	sinHalf := math.Sin(theta / 2)
	if math.Abs(sinHalf) < 1e-12 {
		return chord
	}
	radius := chord / (2 * sinHalf)
	return math.Abs(radius * theta)
}

func (ent *dxfEntity) length() float64 {
	switch ent.typ {
	case "LINE":
		if len(ent.xs) >= 2 && len(ent.ys) >= 2 {
			return math.Hypot(ent.xs[1]-ent.xs[0], ent.ys[1]-ent.ys[0])
		}
	case "CIRCLE":
		return 2 * math.Pi * ent.radius
	case "ARC":
		sweep := ent.end - ent.start
		for sweep < 0 {
			sweep += 360
		}
		return ent.radius * sweep * math.Pi / 180
	case "LWPOLYLINE":
		n := len(ent.xs)
		if n < 2 || len(ent.ys) < n {
			return 0
		}
		total := 0.0
		segs := n - 1
		if ent.closed {
			segs = n
		}
		for i := 0; i < segs; i++ {
			j := (i + 1) % n
			b := 0.0
			if i < len(ent.bulges) {
				b = ent.bulges[i]
			}
			total += segmentLength(ent.xs[i], ent.ys[i], ent.xs[j], ent.ys[j], b)
		}
		return total
	}
	return 0
}

// Extract emits one length row per layer and one count row per block
// name, mapping-matched on "layer:<name>" and "block:<name>".
func (e *DXFExtractor) Extract(ctx context.Context, filePath string, mapping *config.Mapping) ([]Row, error) {
	doc, err := parseDXF(filePath)
	if err != nil {
		return nil, fmt.Errorf("parse dxf: %w", err)
	}
	scale := doc.scaleToMetres()

	layerLen := make(map[string]float64)
	blockCount := make(map[string]int)
	for _, ent := range collectEntities(doc) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ent.typ == "INSERT" {
			name := ent.block
			if name == "" {
				name = "unnamed"
			}
			blockCount[name]++
			continue
		}
		layer := ent.layer
		if layer == "" {
			layer = "0"
		}
		layerLen[layer] += ent.length() * scale
	}

	var rows []Row
	for _, layer := range sortedKeys(layerLen) {
		if layerLen[layer] <= 0 {
			continue
		}
		row := Row{
			Description: "Linework on layer " + layer,
			Unit:        "m",
			Qty:         layerLen[layer],
			SourceRef:   "layer:" + layer,
		}
		row = applyMapping(row, mapping, "layer:"+layer)
		rows = append(rows, normalize(row))
	}
	for _, block := range sortedKeysInt(blockCount) {
		row := Row{
			Description: "Block " + block,
			Unit:        "pcs",
			Qty:         float64(blockCount[block]),
			SourceRef:   "block:" + block,
		}
		row = applyMapping(row, mapping, "block:"+block)
		rows = append(rows, normalize(row))
	}
	return rows, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysInt(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
