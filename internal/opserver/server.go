// Package opserver is the operator's local HTTP surface: health, the
// attempt and running logs, manual retry and status writes.
package opserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/dispatch"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/journal"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

type Retrier interface {
	Retry(ctx context.Context, orderID string) (dispatch.Result, error)
}

type StatusWriter interface {
	UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) error
}

type Journal interface {
	Attempts() []model.PrintAttempt
	AttemptsFor(orderID string) []model.PrintAttempt
	Entries() []journal.Entry
	Notifications() []model.Notification
}

type Deps struct {
	Session model.Session
	Journal Journal
	Retrier Retrier
	// Store may be nil when no order store is configured.
	Store StatusWriter
	// Connected reports the event bus state.
	Connected func() bool
	Metrics   http.Handler
}

type Server struct {
	deps   Deps
	router *mux.Router
	log    *zap.Logger
}

func New(deps Deps, log *zap.Logger) *Server {
	s := &Server{deps: deps, router: mux.NewRouter(), log: log.With(zap.String("component", "opserver"))}

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/attempts", s.attempts).Methods(http.MethodGet)
	s.router.HandleFunc("/log", s.entries).Methods(http.MethodGet)
	s.router.HandleFunc("/notifications", s.notifications).Methods(http.MethodGet)
	s.router.HandleFunc("/orders/{id}/retry", s.retry).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{id}/status", s.status).Methods(http.MethodPost)
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("operator server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// ====== HANDLERS ======

type healthResponse struct {
	TerminalID string `json:"terminal_id"`
	Location   string `json:"location"`
	Capable    bool   `json:"capable"`
	EventBus   bool   `json:"eventbus_connected"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		TerminalID: s.deps.Session.TerminalID,
		Location:   s.deps.Session.Location,
		Capable:    s.deps.Session.Capable,
	}
	if s.deps.Connected != nil {
		resp.EventBus = s.deps.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("order_id"); id != "" {
		writeJSON(w, http.StatusOK, nonNil(s.deps.Journal.AttemptsFor(id)))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Journal.Attempts()))
}

func (s *Server) entries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Journal.Entries()))
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Journal.Notifications()))
}

type retryResponse struct {
	RunID    string               `json:"run_id"`
	OrderID  string               `json:"order_id"`
	State    dispatch.State       `json:"state"`
	Protocol model.Protocol       `json:"protocol,omitempty"`
	Port     int                  `json:"port,omitempty"`
	Attempts []model.PrintAttempt `json:"attempts"`
	Error    string               `json:"error,omitempty"`
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// The run outlives a client that hangs up.
	res, err := s.deps.Retrier.Retry(context.WithoutCancel(r.Context()), id)

	resp := retryResponse{
		RunID:    res.RunID,
		OrderID:  id,
		State:    res.State,
		Protocol: res.Protocol,
		Port:     res.Port,
		Attempts: nonNil(res.Attempts),
	}
	code := http.StatusOK
	switch {
	case errors.Is(err, dispatch.ErrUnknownOrder):
		code = http.StatusNotFound
	case errors.Is(err, dispatch.ErrInFlight):
		code = http.StatusConflict
	case errors.Is(err, dispatch.ErrCapabilityDenied):
		code = http.StatusForbidden
	case err != nil:
		code = http.StatusBadGateway
	}
	if err != nil {
		resp.Error = err.Error()
		s.log.Warn("manual retry failed", zap.String("order_id", id), zap.Error(err))
	}
	writeJSON(w, code, resp)
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "no order store configured", http.StatusServiceUnavailable)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if !req.Status.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.UpdateStatus(r.Context(), id, req.Status); err != nil {
		s.log.Warn("status update failed", zap.String("order_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty lists from being encoded as null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
