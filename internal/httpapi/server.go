package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"ambientweather2sqlite/internal/config"
)

// Handler wraps mux with the access log, panic recovery, CORS and path
// cleaning.
func Handler(mux http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return requestLogger(logger, recoverer(logger, allowAnyOrigin(cleanPath(mux))))
}

// NewServer serves mux, wrapped by Handler, on cfg.HTTPAddr.
func NewServer(cfg config.Config, mux http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           Handler(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
