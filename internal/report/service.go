// Package report serves the reconciler's read models over HTTP: portfolios,
// order aggregates, completed and active positions, and the balance series.
// It also exposes manual sync and snapshot triggers.
//
// All monetary values use shopspring/decimal; never float64 for money.
package report

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/reconciler/internal/aggregate"
	"github.com/atmx/reconciler/internal/history"
	"github.com/atmx/reconciler/internal/matcher"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/position"
	"github.com/atmx/reconciler/internal/scheduler"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/valuation"
	"github.com/atmx/reconciler/internal/venue"
)

// Service handles the report endpoints. Every derived view is recomputed
// from the ledger or live venue state on each request.
type Service struct {
	store          store.Store
	aggregates     *aggregate.Service
	deriver        *position.Deriver
	valuation      *valuation.Service
	syncer         *history.Synchronizer
	hub            *Hub // optional; nil disables event pushes
	completedLimit int
}

// Deps groups the collaborators a Service reads from.
type Deps struct {
	Store          store.Store
	Aggregates     *aggregate.Service
	Deriver        *position.Deriver
	Valuation      *valuation.Service
	Syncer         *history.Synchronizer
	Hub            *Hub
	CompletedLimit int
}

// NewService creates the report service.
func NewService(d Deps) *Service {
	return &Service{
		store:          d.Store,
		aggregates:     d.Aggregates,
		deriver:        d.Deriver,
		valuation:      d.Valuation,
		syncer:         d.Syncer,
		hub:            d.Hub,
		completedLimit: d.CompletedLimit,
	}
}

// Routes registers the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/portfolios", s.ListPortfolios)
	r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
		r.Get("/", s.GetPortfolio)
		r.Get("/orders", s.ListOrders)
		r.Get("/completed-positions", s.ListCompletedPositions)
		r.Get("/active-positions", s.ListActivePositions)
		r.Get("/balance-snapshots", s.ListBalanceSnapshots)
		r.Post("/sync", s.TriggerSync)
		r.Post("/snapshot", s.TriggerSnapshot)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Response types ---

// Overview is the body of GET /portfolios/{id}. Live fields are nil when
// the venue could not be reached or the portfolio has no credentials.
type Overview struct {
	Portfolio          *model.Portfolio          `json:"portfolio"`
	Valuation          *valuation.Valuation      `json:"valuation"`
	ActivePositions    []model.ActivePosition    `json:"active_positions"`
	CompletedPositions []model.CompletedPosition `json:"completed_positions"`
	Snapshots          []model.BalanceSnapshot   `json:"balance_snapshots"`
}

// --- HTTP Handlers ---

// ListPortfolios handles GET /api/v1/portfolios
func (s *Service) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := s.store.ListPortfolios(r.Context())
	if err != nil {
		writeError(w, "failed to list portfolios", http.StatusInternalServerError)
		return
	}
	if portfolios == nil {
		portfolios = []model.Portfolio{}
	}
	writeJSON(w, http.StatusOK, portfolios)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	aggs, err := s.aggregates.Aggregate(ctx, p.ID, "")
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	snaps, err := s.store.ListBalanceSnapshots(ctx, p.ID, store.DefaultSnapshotLimit)
	if err != nil {
		writeError(w, "failed to load balance snapshots", http.StatusInternalServerError)
		return
	}

	ov := Overview{
		Portfolio:          p,
		ActivePositions:    []model.ActivePosition{},
		CompletedPositions: matcher.MatchAll(aggs, s.completedLimit),
		Snapshots:          snaps,
	}

	v, active, err := s.valuation.Current(ctx, p.ID)
	switch {
	case err == nil:
		ov.Valuation = &v
		ov.ActivePositions = active
	case errors.Is(err, store.ErrMissingCredentials):
	default:
		slog.Warn("overview without live state", "portfolio", p.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, ov)
}

// ListOrders handles GET /api/v1/portfolios/{portfolioID}/orders?symbol=
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}
	aggs, err := s.aggregates.Aggregate(r.Context(), p.ID, r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, aggs)
}

// ListCompletedPositions handles GET /api/v1/portfolios/{portfolioID}/completed-positions
func (s *Service) ListCompletedPositions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}
	aggs, err := s.aggregates.Aggregate(r.Context(), p.ID, "")
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, matcher.MatchAll(aggs, s.completedLimit))
}

// ListActivePositions handles GET /api/v1/portfolios/{portfolioID}/active-positions
// A portfolio without credentials has no live positions.
func (s *Service) ListActivePositions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}
	positions, err := s.deriver.Derive(r.Context(), p.ID)
	if errors.Is(err, store.ErrMissingCredentials) {
		writeJSON(w, http.StatusOK, []model.ActivePosition{})
		return
	}
	if err != nil {
		writeVenueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListBalanceSnapshots handles GET /api/v1/portfolios/{portfolioID}/balance-snapshots?limit=
func (s *Service) ListBalanceSnapshots(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}
	limit := store.DefaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snaps, err := s.store.ListBalanceSnapshots(r.Context(), p.ID, limit)
	if err != nil {
		writeError(w, "failed to load balance snapshots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// TriggerSync handles POST /api/v1/portfolios/{portfolioID}/sync
// Runs one history sync cycle now instead of waiting for the schedule.
func (s *Service) TriggerSync(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}

	res, err := s.syncer.SyncPortfolio(r.Context(), p.ID)
	if errors.Is(err, store.ErrMissingCredentials) {
		writeError(w, "portfolio has no venue credentials", http.StatusConflict)
		return
	}
	if res.Fills+res.Orders > 0 {
		s.publish(scheduler.EventSyncCompleted, p.ID, res)
	}
	if err != nil {
		writeVenueError(w, err)
		return
	}

	slog.Info("manual sync", "portfolio", p.ID, "fills", res.Fills, "orders", res.Orders)
	writeJSON(w, http.StatusOK, res)
}

// TriggerSnapshot handles POST /api/v1/portfolios/{portfolioID}/snapshot
func (s *Service) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPortfolio(w, r)
	if !ok {
		return
	}

	snap, err := s.valuation.Snapshot(r.Context(), p.ID)
	if errors.Is(err, store.ErrMissingCredentials) {
		writeError(w, "portfolio has no venue credentials", http.StatusConflict)
		return
	}
	if err != nil {
		writeVenueError(w, err)
		return
	}

	s.publish(scheduler.EventBalanceSnapshot, p.ID, snap)
	writeJSON(w, http.StatusCreated, snap)
}

// loadPortfolio resolves {portfolioID}, writing 400/404 on failure.
func (s *Service) loadPortfolio(w http.ResponseWriter, r *http.Request) (*model.Portfolio, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "portfolioID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid portfolio id", http.StatusBadRequest)
		return nil, false
	}

	p, err := s.store.GetPortfolio(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return nil, false
	}
	return p, true
}

func (s *Service) publish(event string, portfolioID int64, data any) {
	if s.hub != nil {
		s.hub.Publish(event, portfolioID, data)
	}
}

// writeVenueError maps a failed venue call to 502 and anything else to 500.
func writeVenueError(w http.ResponseWriter, err error) {
	if errors.Is(err, venue.ErrUnavailable) {
		writeError(w, "venue unavailable", http.StatusBadGateway)
		return
	}
	slog.Error("report request failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
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
