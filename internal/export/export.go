// Package export renders a job's bill of quantities to CSV, XLSX or
// PDF, stores the result as an artifact and hands out presigned
// download URLs.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/broker"
	"github.com/skybuild/backend/internal/jobs"
	"github.com/skybuild/backend/internal/presign"
	"github.com/skybuild/backend/internal/rbac"
	"github.com/skybuild/backend/internal/storage"
	"github.com/skybuild/backend/internal/store"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

var columns = []string{"Code", "Description", "Unit", "Qty", "Unit Price", "Allowance", "Total"}

// Service runs the export pipeline.
type Service struct {
	store  store.Store
	disk   *storage.Disk
	pub    broker.Publisher
	authz  *rbac.Authorizer
	signer *presign.Signer
	log    *slog.Logger
}

func NewService(s store.Store, disk *storage.Disk, pub broker.Publisher, authz *rbac.Authorizer, signer *presign.Signer) *Service {
	return &Service{store: s, disk: disk, pub: pub, authz: authz, signer: signer, log: slog.With("component", "export")}
}

// Export renders the job's rows in the requested format, records the
// artifact and announces start/completion on the job's export channel.
func (s *Service) Export(ctx context.Context, jobID, actorID, format string) (*store.Artifact, error) {
	format = strings.ToLower(format)
	switch format {
	case FormatCSV, FormatXLSX, FormatPDF:
	default:
		return nil, apperr.Validationf("unsupported_format", "format must be csv, xlsx or pdf")
	}
	job, _, err := s.authz.RequireJob(ctx, jobID, actorID, store.RoleViewer)
	if err != nil {
		return nil, err
	}
	if job.Status != store.JobCompleted {
		return nil, apperr.Conflictf("job_not_completed", "job must be completed before export")
	}
	items, err := s.store.BoqItemsByJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Internalf("store_error", "load BoQ rows").Wrap(err)
	}
	rows, err := s.resolveRows(ctx, items)
	if err != nil {
		return nil, err
	}

	s.pub.Emit(jobs.ExportChannel(jobID), "export.started", map[string]interface{}{
		"job_id": jobID, "format": format, "rows": len(rows),
	})

	var data []byte
	switch format {
	case FormatCSV:
		data, err = renderCSV(rows)
	case FormatXLSX:
		data, err = renderXLSX(rows)
	case FormatPDF:
		data, err = renderPDF(job, rows)
	}
	if err != nil {
		s.pub.Emit(jobs.ExportChannel(jobID), "export.failed", map[string]interface{}{
			"job_id": jobID, "format": format, "error": apperr.CodeOf(err),
		})
		return nil, err
	}

	name := "boq." + format
	path, size, checksum, err := s.disk.WriteArtifact(jobID, name, data)
	if err != nil {
		return nil, apperr.Internalf("artifact_write_failed", "write export artifact").Wrap(err)
	}
	art := &store.Artifact{JobID: jobID, Kind: "export:" + format, Path: path, Size: size, Checksum: checksum}
	if err := s.store.ArtifactInsert(ctx, art); err != nil {
		return nil, apperr.Internalf("store_error", "record artifact").Wrap(err)
	}

	s.pub.Emit(jobs.ExportChannel(jobID), "export.completed", map[string]interface{}{
		"job_id": jobID, "format": format, "artifact_id": art.ID, "size": size,
	})
	s.log.Info("export rendered", "job", jobID, "format", format, "bytes", size)
	return art, nil
}

// PresignDownload authorizes the actor against the artifact's job and
// returns a time-limited download query string for it.
func (s *Service) PresignDownload(ctx context.Context, artifactID, actorID string, ttl time.Duration) (*store.Artifact, string, error) {
	art, err := s.store.ArtifactByID(ctx, artifactID)
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "load artifact").Wrap(err)
	}
	if art == nil {
		return nil, "", apperr.NotFoundf("artifact_not_found", "artifact not found")
	}
	if _, _, err := s.authz.RequireJob(ctx, art.JobID, actorID, store.RoleViewer); err != nil {
		return nil, "", err
	}
	return art, s.signer.SignQuery(presign.ActionDownload, art.ID, ttl), nil
}

// OpenPresigned serves a presigned download. Signature verification is
// the only gate here; ownership was checked when the URL was minted.
func (s *Service) OpenPresigned(ctx context.Context, artifactID string, query url.Values) (*store.Artifact, *os.File, error) {
	if err := s.signer.VerifyQuery(query, presign.ActionDownload, artifactID); err != nil {
		return nil, nil, err
	}
	art, err := s.store.ArtifactByID(ctx, artifactID)
	if err != nil {
		return nil, nil, apperr.Internalf("store_error", "load artifact").Wrap(err)
	}
	if art == nil {
		return nil, nil, apperr.NotFoundf("artifact_not_found", "artifact not found")
	}
	f, err := s.disk.OpenArtifact(art.Path)
	if err != nil {
		return nil, nil, apperr.NotFoundf("artifact_missing", "artifact data missing").Wrap(err)
	}
	return art, f, nil
}

// exportRow is a BoQ item with its rate resolved for rendering.
type exportRow struct {
	Code        string
	Description string
	Unit        string
	Qty         float64
	Rate        float64
	Allowance   float64
	Amount      float64
}

// resolveRows joins each item with its effective rate: the edited unit
// price when one is set, else the mapped price item's catalog rate.
func (s *Service) resolveRows(ctx context.Context, items []*store.BoqItem) ([]exportRow, error) {
	rates := make(map[string]float64)
	rows := make([]exportRow, 0, len(items))
	for _, it := range items {
		rate := it.UnitPrice
		if rate <= 0 && it.MappedPriceItemID != "" {
			r, ok := rates[it.MappedPriceItemID]
			if !ok {
				pi, err := s.store.PriceItemByID(ctx, it.MappedPriceItemID)
				if err != nil {
					return nil, apperr.Internalf("store_error", "resolve mapped rate").Wrap(err)
				}
				if pi != nil {
					r = pi.Rate
				}
				rates[it.MappedPriceItemID] = r
			}
			rate = r
		}
		rows = append(rows, exportRow{
			Code:        it.Code,
			Description: it.Description,
			Unit:        it.Unit,
			Qty:         it.Qty,
			Rate:        rate,
			Allowance:   it.Allowance,
			Amount:      rate * it.Qty,
		})
	}
	return rows, nil
}

func rowCells(r exportRow) []string {
	return []string{
		r.Code,
		r.Description,
		r.Unit,
		strconv.FormatFloat(r.Qty, 'f', -1, 64),
		strconv.FormatFloat(r.Rate, 'f', 2, 64),
		strconv.FormatFloat(r.Allowance, 'f', 2, 64),
		strconv.FormatFloat(r.Amount, 'f', 2, 64),
	}
}

func grandTotal(rows []exportRow) float64 {
	var t float64
	for _, r := range rows {
		t += r.Amount + r.Allowance
	}
	return t
}

func renderCSV(rows []exportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for _, it := range rows {
		if err := w.Write(rowCells(it)); err != nil {
			return nil, err
		}
	}
	if err := w.Write([]string{"", "", "", "", "", "Grand Total",
		strconv.FormatFloat(grandTotal(rows), 'f', 2, 64)}); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderXLSX(rows []exportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "BoQ"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	for col, h := range columns {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}
	for i, r := range rows {
		values := []interface{}{r.Code, r.Description, r.Unit, r.Qty, r.Rate, r.Allowance, r.Amount}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	last := len(rows) + 2
	labelCell, _ := excelize.CoordinatesToCellName(6, last)
	totalCell, _ := excelize.CoordinatesToCellName(7, last)
	_ = f.SetCellValue(sheet, labelCell, "Grand Total")
	_ = f.SetCellValue(sheet, totalCell, grandTotal(rows))

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPDF(job *store.Job, rows []exportRow) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle("Bill of Quantities", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Bill of Quantities")
	pdf.Ln(12)
	pdf.SetFont("Helvetica", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Job %s", job.ID))
	pdf.Ln(10)

	widths := []float64{25, 95, 18, 25, 30, 30, 30}
	pdf.SetFont("Helvetica", "B", 9)
	for i, h := range columns {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, r := range rows {
		cells := rowCells(r)
		for i, c := range cells {
			align := "L"
			if i >= 3 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, c, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(widths[0]+widths[1]+widths[2]+widths[3]+widths[4]+widths[5], 7, "Grand Total", "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[6], 7, strconv.FormatFloat(grandTotal(rows), 'f', 2, 64), "1", 0, "R", false, 0, "")
	pdf.Ln(-1)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
