// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/scansentry/internal/api"
	"github.com/tomtom215/scansentry/internal/config"
	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/escalation"
	"github.com/tomtom215/scansentry/internal/eventprocessor"
	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/maintenance"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/orgconfig"
	"github.com/tomtom215/scansentry/internal/stats"
	"github.com/tomtom215/scansentry/internal/supervisor"
	"github.com/tomtom215/scansentry/internal/supervisor/services"
)

// app holds every wired component of one server process.
type app struct {
	db         *sql.DB
	natsServer *eventprocessor.EmbeddedServer
	transport  *eventprocessor.Transport

	stats         *stats.Store
	orgConfig     *orgconfig.Store
	lifecycle     *lifecycle.Store
	notifications *notify.Store
	deadLetters   *eventprocessor.DLQStore

	pool       *eventprocessor.Pool
	router     *eventprocessor.Router
	escalation *escalation.Scheduler
	digest     *notify.DigestSweeper
	retention  *maintenance.Retention
	httpServer *http.Server
}

// newApp opens the database and wires the engine. On error everything
// opened so far is closed again.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	if err := a.wire(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config) error {
	var err error
	a.db, err = database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	a.stats = stats.NewStore(a.db, cfg.Stats)
	a.orgConfig = orgconfig.NewStore(a.db, cfg.OrgConfig)
	a.lifecycle = lifecycle.NewStore(a.db)
	a.notifications = notify.NewStore(a.db)
	a.deadLetters = eventprocessor.NewDLQStore(a.db, cfg.DLQ)

	for _, s := range []struct {
		name string
		init func(context.Context) error
	}{
		{"stats", a.stats.InitSchema},
		{"orgconfig", a.orgConfig.InitSchema},
		{"lifecycle", a.lifecycle.InitSchema},
		{"notify", a.notifications.InitSchema},
		{"dead_letters", a.deadLetters.InitSchema},
	} {
		if err = s.init(ctx); err != nil {
			return fmt.Errorf("init %s schema: %w", s.name, err)
		}
	}
	logging.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	registry, err := notify.BuildRegistry(cfg.Channels, a.notifications)
	if err != nil {
		return fmt.Errorf("build notification channels: %w", err)
	}
	logging.Info().Strs("channels", registry.Names()).Msg("Notification channels registered")
	dispatcher := notify.NewDispatcher(registry, a.notifications, cfg.Notify)

	matcher := geo.NewMatcher(cfg.Geo.Tiers, cfg.Geo.UnconfiguredSeverity)
	evaluator := detection.NewEvaluator(a.stats, cfg.Detection)
	pipeline := eventprocessor.NewPipeline(a.orgConfig, a.stats, matcher, evaluator, a.lifecycle, dispatcher, cfg.Pipeline)
	a.pool = eventprocessor.NewPool(cfg.Pool, pipeline, a.deadLetters)

	wmLogger := logging.NewWatermillLogger()
	if cfg.NATS.Enabled {
		natsCfg := cfg.NATS
		if natsCfg.EmbeddedServer {
			a.natsServer, err = eventprocessor.NewEmbeddedServer(natsCfg)
			if err != nil {
				return fmt.Errorf("start embedded NATS server: %w", err)
			}
			natsCfg.URL = a.natsServer.ClientURL()
			logging.Info().Str("url", natsCfg.URL).Msg("Embedded NATS server started")
		}
		a.transport, err = eventprocessor.NewNATSTransport(ctx, natsCfg, wmLogger)
		if err != nil {
			return fmt.Errorf("connect NATS transport: %w", err)
		}
	} else {
		a.transport = eventprocessor.NewInProcessTransport(wmLogger)
	}
	publisher, err := eventprocessor.NewPublisher(a.transport.Publisher)
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	a.router = eventprocessor.NewRouter(cfg.Router, a.transport, a.pool, wmLogger)

	a.escalation = escalation.NewScheduler(cfg.Escalation, a.lifecycle, a.orgConfig, dispatcher)
	a.digest = notify.NewDigestSweeper(dispatcher, a.orgConfig, cfg.Digest)
	a.retention, err = maintenance.NewRetention(cfg.Retention, a.stats, a.lifecycle, a.deadLetters,
		func(ctx context.Context) error { return database.Checkpoint(ctx, a.db) })
	if err != nil {
		return fmt.Errorf("create retention job: %w", err)
	}

	handler := api.NewHandler(api.Dependencies{
		Publisher:     publisher,
		Lifecycle:     a.lifecycle,
		Config:        a.orgConfig,
		Statistics:    a.stats,
		Notifications: a.notifications,
		DeadLetters:   a.deadLetters,
		Reprocess:     a.pool.Process,
		Readiness:     a.readiness(),
		Version:       version,
	})
	router := api.NewRouter(handler, chiMiddlewareConfig(cfg.Security))

	a.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return nil
}

// chiMiddlewareConfig maps the security section onto the API middleware.
func chiMiddlewareConfig(sec config.SecurityConfig) *api.ChiMiddlewareConfig {
	mw := api.DefaultChiMiddlewareConfig()
	mw.CORSAllowedOrigins = sec.CORSOrigins
	mw.RateLimitRequests = sec.RateLimitReqs
	mw.IngestRateLimitRequests = sec.IngestRateLimitReqs
	mw.RateLimitWindow = sec.RateLimitWindow
	mw.RateLimitDisabled = sec.RateLimitDisabled
	return mw
}

// readiness reports the database, the ingestion router and, when
// embedded, the NATS server.
func (a *app) readiness() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{
		"database": func(ctx context.Context) error { return a.db.PingContext(ctx) },
		"ingestion": func(context.Context) error {
			select {
			case <-a.router.Running():
				return nil
			default:
				return errors.New("ingestion router is not consuming")
			}
		},
	}
	if a.natsServer != nil {
		checks["nats"] = func(context.Context) error {
			if !a.natsServer.IsRunning() {
				return errors.New("embedded NATS server is down")
			}
			return nil
		}
	}
	return checks
}

// addServices registers the long-running components with the tree.
func (a *app) addServices(tree *supervisor.SupervisorTree, cfg *config.Config) {
	if a.natsServer != nil {
		tree.AddDataService(services.NewEmbeddedNATSService(a.natsServer, cfg.NATS.CloseTimeout))
	}
	tree.AddDataService(services.NewRunnerService("retention", a.retention))

	tree.AddProcessingService(services.NewRunnerService("pipeline-pool", a.pool))
	tree.AddProcessingService(services.NewRunnerService("ingestion-router", a.router))
	tree.AddProcessingService(services.NewRunnerService("escalation-scheduler", a.escalation))
	tree.AddProcessingService(services.NewRunnerService("digest-sweeper", a.digest))

	tree.AddAPIService(services.NewHTTPServerService(a.httpServer, cfg.Server.ShutdownTimeout))
}

// close releases the transport and database. The embedded NATS server is
// shut down by its service, or here when the tree never ran.
func (a *app) close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing ingestion transport")
		}
	}
	if a.natsServer != nil && a.natsServer.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.natsServer.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("Error stopping embedded NATS server")
		}
		cancel()
	}
	if a.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := database.Checkpoint(ctx, a.db); err != nil {
			logging.Warn().Err(err).Msg("Final checkpoint failed")
		}
		cancel()
		if err := a.db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}
}
