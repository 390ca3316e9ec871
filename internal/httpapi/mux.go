package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"ambientweather2sqlite/internal/live"
	"ambientweather2sqlite/internal/store"
	"ambientweather2sqlite/internal/utils"
)

// ObservationStore is the part of the store the API reads from.
type ObservationStore interface {
	QueryDaily(ctx context.Context, specs []string, priorDays int, tz string) ([]store.AggregateRow, error)
	QueryHourly(ctx context.Context, specs []string, date string, tz string) ([24]*store.AggregateRow, error)
	LogError(ctx context.Context, kind, message string) error
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API. Store is required.
type Deps struct {
	Store ObservationStore
	// Live serves GET /. Nil answers it with an error.
	Live live.Source
	// Labels is used for the live response when the page itself has none.
	Labels map[string]string
	// SideLog receives one record per failed request.
	SideLog *slog.Logger
}

// NewMux registers /healthz, the observation routes and the JSON 404
// fallback.
func NewMux(d Deps) *http.ServeMux {
	if d.SideLog == nil {
		d.SideLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mux := http.NewServeMux()
	registerHealthcheck(mux, d.Store)
	NewObservationController(d).RegisterRoutes(mux)
	mux.HandleFunc("/", handleNotFound)
	return mux
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	utils.WriteError(w, http.StatusNotFound, "Not found")
}
