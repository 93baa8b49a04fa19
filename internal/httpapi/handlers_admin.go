package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/store"
)

// handleCreditGrant tops up a user's balance. Grants are additive
// only; there is no admin debit path.
func (s *Server) handleCreditGrant(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Amount <= 0 {
		writeError(w, apperr.Validationf("invalid_amount", "amount must be positive"))
		return
	}
	u, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load user").Wrap(err))
		return
	}
	if u == nil {
		writeError(w, apperr.NotFoundf("user_not_found", "user not found"))
		return
	}
	balance, err := s.store.CreditsCredit(r.Context(), userID, req.Amount)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "grant credits").Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
		"granted": req.Amount,
	})
}

func (s *Server) handlePriceListCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		IsActive bool   `json:"is_active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, apperr.Validationf("empty_name", "price list name is required"))
		return
	}
	pl := &store.PriceList{Name: strings.TrimSpace(req.Name), IsActive: req.IsActive}
	if err := s.store.PriceListInsert(r.Context(), pl); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert price list").Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, pl)
}

type priceItemRow struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Unit        string  `json:"unit"`
	Rate        float64 `json:"rate"`
}

// handlePriceItemsAdd inserts a batch of rate rows. The batch is all
// or nothing: one bad row rejects the whole request.
func (s *Server) handlePriceItemsAdd(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["id"]
	pl, err := s.store.PriceListByID(r.Context(), listID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load price list").Wrap(err))
		return
	}
	if pl == nil {
		writeError(w, apperr.NotFoundf("price_list_not_found", "price list not found"))
		return
	}
	var req struct {
		Items []priceItemRow `json:"items"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, apperr.Validationf("empty_batch", "items are required"))
		return
	}
	rows := make([]*store.PriceItem, 0, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.Code) == "" {
			writeError(w, apperr.Validationf("empty_code", "item %d has no code", i))
			return
		}
		if it.Rate < 0 {
			writeError(w, apperr.Validationf("negative_rate", "item %q has a negative rate", it.Code))
			return
		}
		rows = append(rows, &store.PriceItem{
			PriceListID: listID,
			Code:        strings.TrimSpace(it.Code),
			Description: it.Description,
			Unit:        it.Unit,
			Rate:        it.Rate,
		})
	}
	if err := s.store.PriceItemsInsert(r.Context(), rows); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert price items").Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(rows)})
}

func (s *Server) handleSupplierCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string `json:"name"`
		Email              string `json:"email"`
		DefaultPriceListID string `json:"default_price_list_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, apperr.Validationf("empty_name", "supplier name is required"))
		return
	}
	sup := &store.Supplier{
		Name:               strings.TrimSpace(req.Name),
		Email:              strings.ToLower(strings.TrimSpace(req.Email)),
		DefaultPriceListID: req.DefaultPriceListID,
	}
	if err := s.store.SupplierInsert(r.Context(), sup); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert supplier").Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, sup)
}

func (s *Server) handleSupplierItemsAdd(w http.ResponseWriter, r *http.Request) {
	supplierID := mux.Vars(r)["id"]
	sup, err := s.store.SupplierByID(r.Context(), supplierID)
	if err != nil {
		writeError(w, apperr.Internalf("store_error", "load supplier").Wrap(err))
		return
	}
	if sup == nil {
		writeError(w, apperr.NotFoundf("supplier_not_found", "supplier not found"))
		return
	}
	var req struct {
		Items []priceItemRow `json:"items"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, apperr.Validationf("empty_batch", "items are required"))
		return
	}
	rows := make([]*store.SupplierPriceItem, 0, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.Code) == "" {
			writeError(w, apperr.Validationf("empty_code", "item %d has no code", i))
			return
		}
		if it.Rate < 0 {
			writeError(w, apperr.Validationf("negative_rate", "item %q has a negative rate", it.Code))
			return
		}
		rows = append(rows, &store.SupplierPriceItem{
			SupplierID: supplierID,
			Code:       strings.TrimSpace(it.Code),
			Rate:       it.Rate,
			Unit:       it.Unit,
		})
	}
	if err := s.store.SupplierPriceItemsInsert(r.Context(), rows); err != nil {
		writeError(w, apperr.Internalf("store_error", "insert supplier items").Wrap(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(rows)})
}
