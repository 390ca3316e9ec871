package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ambientweather2sqlite/internal/config"
	"ambientweather2sqlite/internal/db"
	"ambientweather2sqlite/internal/httpapi"
	"ambientweather2sqlite/internal/labels"
	"ambientweather2sqlite/internal/live"
	"ambientweather2sqlite/internal/logging"
	"ambientweather2sqlite/internal/mqtt"
	"ambientweather2sqlite/internal/poller"
	"ambientweather2sqlite/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the daemon.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Lazy
	source      live.Source
	labels      map[string]string
	sideLog     *slog.Logger
	sideLogFile *os.File
	mux         *http.ServeMux
}

// New prepares the app: opens the side log, checks the database and loads
// the label sidecar. Nothing is served until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"dbTrace", cfg.DBTrace,
		"liveDataURL", cfg.LiveDataURL,
		"pollInterval", cfg.PollInterval,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
	)

	sideLog, sideLogFile, err := logging.NewFile(cfg.SQLitePath, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		sideLog:     sideLog,
		sideLogFile: sideLogFile,
	}
	a.store = store.NewLazy(func(ctx context.Context) (*store.Store, error) {
		conn, err := db.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s, err := store.New(ctx, conn, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return s, nil
	})

	if err := a.store.Ping(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database ready", "path", cfg.SQLitePath)

	if cfg.LiveDataURL != "" {
		a.source = live.NewClient(cfg.LiveDataURL, live.Options{MaxRetries: 3, Logger: logger})
	}
	path := labels.Path(cfg.SQLitePath)
	fieldLabels, created, err := labels.Ensure(ctx, path, a.source)
	if err != nil {
		logger.Warn("field labels unavailable", "path", path, "error", err)
		fieldLabels = map[string]string{}
	} else if created {
		logger.Info("field labels saved", "path", path, "count", len(fieldLabels))
	}
	a.labels = fieldLabels

	a.mux = httpapi.NewMux(httpapi.Deps{
		Store:   a.store,
		Live:    a.source,
		Labels:  a.labels,
		SideLog: a.sideLog,
	})
	return a, nil
}

// Handler is the full HTTP handler, middleware included.
func (a *App) Handler() http.Handler {
	return httpapi.Handler(a.mux, a.sideLog)
}

// Run serves HTTP on cfg.HTTPAddr and runs the ingest paths until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. Shutdown stops ingest first, then
// drains HTTP; the store is closed by Close.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.source != nil {
		p := poller.New(a.source, a.store, a.cfg.PollInterval, a.labels, a.logger)
		g.Go(func() error { return p.Run(gctx) })
	} else {
		a.logger.Warn("LIVE_DATA_URL not set, polling disabled")
	}

	var sub *mqtt.Subscriber
	if a.cfg.MQTTBroker != "" {
		sub = mqtt.NewSubscriber(a.cfg, a.store, a.logger)
		connectCtx, cancel := context.WithTimeout(gctx, 5*time.Second)
		if err := sub.Connect(connectCtx); err != nil {
			a.logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
		cancel()
	}

	srv := httpapi.NewServer(a.cfg, a.mux, a.sideLog)
	g.Go(func() error {
		a.logger.Info("http listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if sub != nil {
			a.logger.Info("mqtt disconnecting")
			sub.Disconnect()
		}
		a.logger.Info("http shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the store and the side log.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.sideLogFile != nil {
		if err := a.sideLogFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close side log: %w", err))
		}
	}
	return errors.Join(errs...)
}

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	if err := a.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}
