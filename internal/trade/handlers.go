package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/fifo"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/store"
	"github.com/atmx/pnl-engine/internal/units"
)

// FillRequest is the body of POST /api/v1/fills.
type FillRequest struct {
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id"`
	Mint      string          `json:"mint"`
	Mode      model.Mode      `json:"mode"`
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	FXRate    decimal.Decimal `json:"fx_rate"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceRequest is the body of POST /api/v1/prices.
type PriceRequest struct {
	Mint  string          `json:"mint"`
	Price decimal.Decimal `json:"price"`
}

// BatchRequest is the body of POST /api/v1/pnl/batch. A positive
// LiveFXRate switches the computation to the dual currency ledger.
type BatchRequest struct {
	Fills      []model.Fill    `json:"fills"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	LiveFXRate decimal.Decimal `json:"live_fx_rate"`
}

// PostFill handles POST /api/v1/fills
func (s *Service) PostFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModePaper
	}
	req.Mode = model.Mode(strings.ToUpper(string(req.Mode)))
	req.Side = model.Side(strings.ToUpper(string(req.Side)))

	key := model.Key{UserID: req.UserID, Mint: req.Mint, Mode: req.Mode}
	fill := model.Fill{
		ID:       req.ID,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Fee:      req.Fee,
		FXRate:   req.FXRate,
	}
	if !req.Timestamp.IsZero() {
		fill.Timestamp = req.Timestamp.UTC()
	}

	res, err := s.ApplyFill(r.Context(), key, fill)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetPositionHandler handles GET /api/v1/positions/{userID}/{mode}/{mint}
func (s *Service) GetPositionHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromURL(w, r)
	if !ok {
		return
	}
	view, err := s.GetPosition(r.Context(), key)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPortfolioHandler handles GET /api/v1/portfolio/{userID}?mode=
func (s *Service) GetPortfolioHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	mode, ok := modeFromQuery(w, r)
	if !ok {
		return
	}
	p, err := s.GetPortfolio(r.Context(), userID, mode)
	if err != nil {
		slog.Error("portfolio load failed", "user", userID, "mode", mode, "err", err)
		writeError(w, "failed to load positions", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHistoryHandler handles GET /api/v1/history/{userID}?mode=
func (s *Service) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	mode, ok := modeFromQuery(w, r)
	if !ok {
		return
	}
	points, err := s.GetHistoricalPnL(r.Context(), userID, mode)
	if err != nil {
		slog.Error("history load failed", "user", userID, "mode", mode, "err", err)
		writeError(w, "failed to load history", http.StatusServiceUnavailable)
		return
	}
	if points == nil {
		points = []model.PnLPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"mode":    mode,
		"points":  points,
	})
}

// PostPrice handles POST /api/v1/prices
func (s *Service) PostPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.OnPriceUpdate(req.Mint, req.Price); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PostBatchPnL handles POST /api/v1/pnl/batch
func (s *Service) PostBatchPnL(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var (
		res *fifo.PnLResult
		err error
	)
	if req.LiveFXRate.IsPositive() {
		res, err = s.ComputeDualBatchPnL(req.Fills, req.MarkPrice, req.LiveFXRate)
	} else {
		res, err = s.ComputeBatchPnL(req.Fills, req.MarkPrice)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAuditHandler handles GET /api/v1/audit/{userID}/{mode}/{mint}?mark=
func (s *Service) GetAuditHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromURL(w, r)
	if !ok {
		return
	}
	mark := decimal.Zero
	if raw := r.URL.Query().Get("mark"); raw != "" {
		m, err := decimal.NewFromString(raw)
		if err != nil || !m.IsPositive() || !units.IsWhole(m) {
			writeError(w, "mark must be a positive whole number of lamports", http.StatusBadRequest)
			return
		}
		mark = m
	}

	report, err := s.Audit(r.Context(), key, mark)
	if errors.Is(err, ErrLedgerMismatch) {
		slog.Warn("ledger audit mismatch", "user", key.UserID, "mint", key.Mint, "mode", key.Mode, "err", err)
		if report == nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusConflict, report)
		return
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func keyFromURL(w http.ResponseWriter, r *http.Request) (model.Key, bool) {
	key := model.Key{
		UserID: chi.URLParam(r, "userID"),
		Mint:   chi.URLParam(r, "mint"),
		Mode:   model.Mode(strings.ToUpper(chi.URLParam(r, "mode"))),
	}
	if !key.Mode.Valid() {
		writeError(w, "mode must be PAPER or REAL", http.StatusBadRequest)
		return model.Key{}, false
	}
	return key, true
}

func modeFromQuery(w http.ResponseWriter, r *http.Request) (model.Mode, bool) {
	raw := r.URL.Query().Get("mode")
	if raw == "" {
		return model.ModePaper, true
	}
	mode := model.Mode(strings.ToUpper(raw))
	if !mode.Valid() {
		writeError(w, "mode must be PAPER or REAL", http.StatusBadRequest)
		return "", false
	}
	return mode, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fifo.ErrInvalidFill),
		errors.Is(err, fifo.ErrInvalidMarkPrice),
		errors.Is(err, fifo.ErrMissingFXRate),
		errors.Is(err, units.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPositionNotFound), errors.Is(err, fifo.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, fifo.ErrOversold),
		errors.Is(err, store.ErrDuplicateFill),
		errors.Is(err, ErrLedgerMismatch):
		return http.StatusConflict
	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
