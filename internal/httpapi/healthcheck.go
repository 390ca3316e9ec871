package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"ambientweather2sqlite/internal/utils"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	store pinger
}

func NewHealthchecker(store pinger) healthchecker {
	return &healthcheckerImpl{store: store}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.store == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	if err := h.store.Ping(ctx); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "failed to check database connectivity")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, store pinger) {
	mux.HandleFunc("GET /healthz", NewHealthchecker(store).handleHealthz)
}
