package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"ambientweather2sqlite/internal/labels"
	"ambientweather2sqlite/internal/live"
	"ambientweather2sqlite/internal/store"
)

// fetchErrorKind tags failed fetches in the logs table.
const fetchErrorKind = "LiveDataError"

// Sink receives observations and failure records.
type Sink interface {
	Insert(ctx context.Context, fields map[string]*float64) error
	LogError(ctx context.Context, kind, message string) error
}

type Poller struct {
	source   live.Source
	sink     Sink
	interval time.Duration
	labels   map[string]string
	logger   *slog.Logger

	inserted atomic.Int64
	failed   atomic.Int64
}

func New(source live.Source, sink Sink, interval time.Duration, fieldLabels map[string]string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		sink:     sink,
		interval: interval,
		labels:   fieldLabels,
		logger:   logger,
	}
}

// Run polls once immediately and then every interval until ctx is done.
// Failures are logged and recorded; they never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "inserted", p.inserted.Load(), "failed", p.failed.Load())
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch-and-insert cycle. A fetched reading is stored even
// if ctx is cancelled meanwhile.
func (p *Poller) Poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	reading, err := p.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(ctx, fetchErrorKind, err)
		return
	}
	if err := p.sink.Insert(context.WithoutCancel(ctx), reading.Values); err != nil {
		p.fail(ctx, store.KindOf(err).String(), err)
		return
	}
	p.inserted.Add(1)
	if p.logger.Enabled(ctx, slog.LevelDebug) {
		p.logger.Debug("observation stored", "fields", len(reading.Values), "values", printable(labels.Decorate(reading.Values, p.labels)))
	}
}

func printable(values map[string]*float64) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = *v
	}
	return out
}

func (p *Poller) fail(ctx context.Context, kind string, err error) {
	p.failed.Add(1)
	p.logger.Error("poll failed", "kind", kind, "error", err)
	if logErr := p.sink.LogError(context.WithoutCancel(ctx), kind, err.Error()); logErr != nil {
		p.logger.Warn("record poll failure", "error", logErr)
	}
}

// Stats returns the number of stored and failed cycles so far.
func (p *Poller) Stats() (inserted, failed int64) {
	return p.inserted.Load(), p.failed.Load()
}
