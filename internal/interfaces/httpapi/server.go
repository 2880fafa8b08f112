// Package httpapi exposes positions, event stores and caches over HTTP and
// pushes changes to websocket clients.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/cache"
	"botwatch/internal/application/eventlog"
	"botwatch/internal/application/position"
	"botwatch/internal/domain"
	"botwatch/internal/infrastructure/metrics"
)

// HistoryReader lists recorded activations.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]domain.Event, error)
}

type Deps struct {
	Positions     *position.Aggregator
	Notifications *eventlog.Store
	Activity      *eventlog.Store
	Toasts        *eventlog.Toasts        // optional
	Charts        *cache.ChartCache       // optional
	Liquidations  *cache.LiquidationCache // optional
	History       HistoryReader           // optional
	HistoryLimit  int
}

type Server struct {
	deps Deps
	hub  *WSHub
}

// New builds the server. Nothing is pushed to websocket clients until Bind.
func New(deps Deps) *Server {
	s := &Server{deps: deps, hub: NewWSHub()}
	s.hub.Greeting = s.greeting
	return s
}

func (s *Server) Hub() *WSHub { return s.hub }

// Bind forwards every collection change to websocket clients until the
// returned func is called.
func (s *Server) Bind() (unbind func()) {
	var cancels []func()
	if s.deps.Positions != nil {
		cancels = append(cancels, s.deps.Positions.OnSnapshot(func(snap *position.Snapshot) {
			s.hub.Broadcast(WSMessage{Type: MsgPositions, Seq: snap.Seq(), Data: snap.List()})
		}))
	}
	if s.deps.Notifications != nil {
		cancels = append(cancels, s.deps.Notifications.Subscribe(func(evs []domain.Event) {
			s.hub.Broadcast(WSMessage{Type: MsgNotifications, Data: evs})
		}))
	}
	if s.deps.Activity != nil {
		cancels = append(cancels, s.deps.Activity.Subscribe(func(evs []domain.Event) {
			s.hub.Broadcast(WSMessage{Type: MsgActivity, Data: evs})
		}))
	}
	if s.deps.Toasts != nil {
		cancels = append(cancels, s.deps.Toasts.Subscribe(func(ts []eventlog.Toast) {
			s.hub.Broadcast(WSMessage{Type: MsgToasts, Data: ts})
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (s *Server) greeting() []WSMessage {
	var out []WSMessage
	if s.deps.Positions != nil {
		snap := s.deps.Positions.Positions()
		out = append(out, WSMessage{Type: MsgPositions, Seq: snap.Seq(), Data: snap.List()})
	}
	if s.deps.Notifications != nil {
		out = append(out, WSMessage{Type: MsgNotifications, Data: s.deps.Notifications.Entries()})
	}
	if s.deps.Activity != nil {
		out = append(out, WSMessage{Type: MsgActivity, Data: s.deps.Activity.Entries()})
	}
	if s.deps.Toasts != nil {
		out = append(out, WSMessage{Type: MsgToasts, Data: s.deps.Toasts.Visible()})
	}
	return out
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": s.hub.Len()})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", s.hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/positions", s.listPositions)
			r.Post("/positions", s.upsertPosition)
			r.Put("/positions", s.replacePositions)
			r.Post("/positions/{id}/status", s.setStatus)
			r.Delete("/positions/{id}", s.removePosition)
			r.Post("/positions/purge-closed", s.purgeClosed)

			r.Get("/notifications", s.listEvents(s.deps.Notifications))
			r.Post("/notifications/read-all", s.markAllRead(s.deps.Notifications))
			r.Post("/notifications/{id}/read", s.markRead(s.deps.Notifications))
			r.Delete("/notifications/{id}", s.removeEvent(s.deps.Notifications))
			r.Delete("/notifications", s.clearEvents(s.deps.Notifications))

			r.Get("/activity", s.listEvents(s.deps.Activity))
			r.Post("/activity", s.appendActivity)
			r.Delete("/activity", s.clearEvents(s.deps.Activity))

			r.Get("/activations", s.listActivations)

			r.Get("/toasts", s.listToasts)
			r.Delete("/toasts/{id}", s.dismissToast)

			r.Get("/charts/{symbol}/{timeframe}", s.getChart)
			r.Put("/charts/{symbol}/{timeframe}", s.putChart)
			r.Delete("/charts", s.clearCharts)

			r.Get("/liquidations", s.getLiquidations)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return sonic.Unmarshal(b, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, position.ErrNotFound), errors.Is(err, eventlog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, position.ErrInvalidPosition), errors.Is(err, eventlog.ErrUnknownType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}
