package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ambientweather2sqlite/internal/live"
	"ambientweather2sqlite/internal/store"
	"ambientweather2sqlite/internal/utils"
)

const defaultPriorDays = 7

// statusByKind is the single kind-to-status lookup. Kinds missing here map
// to 500.
var statusByKind = map[store.Kind]int{
	store.KindInvalidTimezone:          http.StatusBadRequest,
	store.KindInvalidFormat:            http.StatusBadRequest,
	store.KindInvalidColumnName:        http.StatusBadRequest,
	store.KindMissingAggregationFields: http.StatusBadRequest,
	store.KindInvalidDate:              http.StatusBadRequest,
	store.KindInvalidPriorDays:         http.StatusBadRequest,
	store.KindEmptyObservation:         http.StatusBadRequest,
	store.KindStorage:                  http.StatusInternalServerError,
	store.KindUninitialized:            http.StatusInternalServerError,
}

func statusFor(kind store.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type dataResponse struct {
	Data any `json:"data"`
}

type liveMetadata struct {
	Labels map[string]string `json:"labels"`
}

type liveResponse struct {
	Data     map[string]*float64 `json:"data"`
	Metadata liveMetadata        `json:"metadata"`
}

// ObservationController serves the live, daily and hourly routes.
type ObservationController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type observationControllerImpl struct {
	store   ObservationStore
	live    live.Source
	labels  map[string]string
	sideLog *slog.Logger
}

func NewObservationController(d Deps) ObservationController {
	return &observationControllerImpl{
		store:   d.Store,
		live:    d.Live,
		labels:  d.Labels,
		sideLog: d.SideLog,
	}
}

func (c *observationControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handleLive)
	mux.HandleFunc("GET /daily", c.handleDaily)
	mux.HandleFunc("GET /hourly", c.handleHourly)
}

func (c *observationControllerImpl) handleDaily(w http.ResponseWriter, r *http.Request) {
	// Queries run to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	q := r.URL.Query()

	days := defaultPriorDays
	if s := q.Get("days"); s != "" {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			c.fail(w, r, &store.Error{Kind: store.KindInvalidPriorDays, Msg: fmt.Sprintf("days must be int, got %s", s)})
			return
		}
		days = n
	}
	tz, err := tzParam(q)
	if err != nil {
		c.fail(w, r, err)
		return
	}

	rows, err := c.store.QueryDaily(ctx, q["q"], days, tz)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, dataResponse{Data: rows})
}

func (c *observationControllerImpl) handleHourly(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	q := r.URL.Query()

	date := q.Get("start_date")
	if date == "" {
		c.fail(w, r, &store.Error{Kind: store.KindInvalidDate, Msg: "start_date required e.g. /hourly?start_date=2025-06-22"})
		return
	}
	tz, err := tzParam(q)
	if err != nil {
		c.fail(w, r, err)
		return
	}

	hours, err := c.store.QueryHourly(ctx, q["q"], date, tz)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, dataResponse{Data: hours})
}

func (c *observationControllerImpl) handleLive(w http.ResponseWriter, r *http.Request) {
	if c.live == nil {
		c.failPlain(w, r, "live data source not configured")
		return
	}
	reading, err := c.live.Fetch(r.Context())
	if err != nil {
		c.failPlain(w, r, err.Error())
		return
	}
	labels := reading.Labels
	if len(labels) == 0 {
		labels = c.labels
	}
	if labels == nil {
		labels = map[string]string{}
	}
	utils.WriteJSON(w, http.StatusOK, liveResponse{
		Data:     reading.Values,
		Metadata: liveMetadata{Labels: labels},
	})
}

func tzParam(q url.Values) (string, error) {
	tz := q.Get("tz")
	if tz == "" {
		return "", &store.Error{Kind: store.KindInvalidTimezone, Msg: "tz is required"}
	}
	return tz, nil
}

func (c *observationControllerImpl) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := store.KindOf(err)
	status := statusFor(kind)
	c.record(r, status, kind.String(), err.Error())
	utils.WriteKindError(w, status, err.Error(), kind.String())
}

// failPlain reports a 500 that did not come from the store.
func (c *observationControllerImpl) failPlain(w http.ResponseWriter, r *http.Request, msg string) {
	const kind = "LiveDataError"
	c.record(r, http.StatusInternalServerError, kind, msg)
	utils.WriteError(w, http.StatusInternalServerError, msg)
}

// record writes the failure to the side log and the logs table. Failures to
// record are only noted in the side log.
func (c *observationControllerImpl) record(r *http.Request, status int, kind, msg string) {
	c.sideLog.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"query", r.URL.RawQuery,
		"status", status,
		"kind", kind,
		"error", msg,
	)
	if c.store == nil {
		return
	}
	if err := c.store.LogError(context.WithoutCancel(r.Context()), kind, msg); err != nil {
		c.sideLog.Warn("record request failure", "error", err)
	}
}
