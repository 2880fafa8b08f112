package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"botwatch/internal/application/cache"
	"botwatch/internal/application/eventlog"
	"botwatch/internal/domain"
)

var errUnavailable = errors.New("not configured")

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Positions.Positions()
	writeJSON(w, http.StatusOK, map[string]any{
		"seq":       snap.Seq(),
		"at":        snap.At(),
		"positions": snap.List(),
	})
}

func (s *Server) upsertPosition(w http.ResponseWriter, r *http.Request) {
	var p domain.Position
	if err := readJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.deps.Positions.Upsert(p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// ids are stored trimmed
	got, _ := snap.Get(strings.TrimSpace(p.ID))
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) replacePositions(w http.ResponseWriter, r *http.Request) {
	var ps []domain.Position
	if err := readJSON(r, &ps); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.deps.Positions.Replace(ps)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": snap.Seq(), "positions": snap.List()})
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	snap, err := s.deps.Positions.SetStatus(id, domain.Status(body.Status))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	got, _ := snap.Get(id)
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) removePosition(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Positions.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeClosed(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Positions.PurgeClosed()
	writeJSON(w, http.StatusOK, map[string]any{"seq": snap.Seq(), "positions": snap.List()})
}

func (s *Server) listEvents(st *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			writeError(w, http.StatusNotFound, errUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"unread": st.UnreadCount(),
			"events": st.Entries(),
		})
	}
}

func (s *Server) markRead(st *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.MarkAsRead(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) markAllRead(st *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st.MarkAllAsRead(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) removeEvent(st *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) clearEvents(st *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			writeError(w, http.StatusNotFound, errUnavailable)
			return
		}
		st.Clear(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

// appendActivity lets the strategy layer log bot lifecycle entries.
func (s *Server) appendActivity(w http.ResponseWriter, r *http.Request) {
	var f domain.EventFields
	if err := readJSON(r, &f); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.deps.Activity.Append(r.Context(), f)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listActivations(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, errUnavailable)
		return
	}
	evs, err := s.deps.History.Recent(r.Context(), queryInt(r, "limit", s.deps.HistoryLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) listToasts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Toasts == nil {
		writeJSON(w, http.StatusOK, []eventlog.Toast{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Toasts.Visible())
}

func (s *Server) dismissToast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Toasts == nil || !s.deps.Toasts.Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, errors.New("toast not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getChart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Charts == nil {
		writeError(w, http.StatusNotFound, errUnavailable)
		return
	}
	e, ok := s.deps.Charts.Get(chi.URLParam(r, "symbol"), chi.URLParam(r, "timeframe"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("chart not cached"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": e, "stale": s.deps.Charts.IsStale(e)})
}

func (s *Server) putChart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Charts == nil {
		writeError(w, http.StatusNotFound, errUnavailable)
		return
	}
	var candles []cache.Candle
	if err := readJSON(r, &candles); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.deps.Charts.Set(chi.URLParam(r, "symbol"), chi.URLParam(r, "timeframe"), candles)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearCharts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Charts != nil {
		s.deps.Charts.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// getLiquidations takes ?price=, or ?symbol= to use the latest price of a
// tracked position.
func (s *Server) getLiquidations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Liquidations == nil {
		writeError(w, http.StatusNotFound, errUnavailable)
		return
	}
	price, _ := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
	if price <= 0 {
		price = s.latestPrice(r.URL.Query().Get("symbol"))
	}
	if price <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("price or tracked symbol required"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Liquidations.Get(price))
}

func (s *Server) latestPrice(symbol string) float64 {
	if symbol == "" || s.deps.Positions == nil {
		return 0
	}
	for _, p := range s.deps.Positions.Positions().List() {
		if p.Symbol == symbol && p.CurrentPrice > 0 {
			return p.CurrentPrice
		}
	}
	return 0
}
