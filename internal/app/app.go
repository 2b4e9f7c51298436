// Package app wires configuration into the running billing pipeline. Both
// binaries build the same graph; only the entrypoint differs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/cart"
	"github.com/safar/portal-billing/internal/checkout"
	"github.com/safar/portal-billing/internal/config"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/events"
	"github.com/safar/portal-billing/internal/gateway"
	"github.com/safar/portal-billing/internal/httpapi"
	"github.com/safar/portal-billing/internal/invoicing"
	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/notify"
	"github.com/safar/portal-billing/internal/payref"
	"github.com/safar/portal-billing/internal/provisioning"
	"github.com/safar/portal-billing/internal/reconcile"
	"github.com/safar/portal-billing/internal/store"
)

type App struct {
	Repo     store.Repository
	Metrics  *metrics.Metrics
	Issuer   *payref.Issuer
	Engine   *reconcile.Engine
	Checkout *checkout.Service

	cfg        *config.Config
	logger     *zap.Logger
	db         *sql.DB
	producers  []events.Producer
	emitter    *events.Emitter
	dispatcher *notify.Dispatcher
}

// Build opens the store and constructs every component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	switch cfg.Database.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		a.Repo = store.NewMemory()
	default:
		db, err := database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.Repo = store.NewPostgres(db)
		logger.Info("connected to database")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(reg)

	kafka := events.NewClient(cfg.Kafka.Brokers)
	eventsProducer := kafka.NewProducer(cfg.Kafka.EventsTopic, logger)
	a.producers = append(a.producers, eventsProducer)
	emitter := events.NewEmitter(eventsProducer, a.Metrics, logger, time.Now)
	a.emitter = emitter

	var sender notify.Sender
	if kafka.Enabled() {
		notificationsProducer := kafka.NewProducer(cfg.Kafka.NotificationsTopic, logger)
		a.producers = append(a.producers, notificationsProducer)
		sender = notify.NewKafkaSender(notificationsProducer)
	} else {
		logger.Info("kafka disabled; notifications are logged only")
		sender = notify.NewLogSender(logger)
	}
	dispatcher := notify.NewDispatcher(a.Repo, sender, a.Metrics, logger)
	a.dispatcher = dispatcher

	gw := gateway.NewClient(cfg.Gateway, a.Metrics, logger)

	a.Issuer = payref.NewIssuer(a.Repo, gw, dispatcher, emitter, payref.Config{
		Entity:      cfg.Gateway.Entity,
		CallbackURL: cfg.Gateway.CallbackURL,
		Validity:    cfg.Billing.ReferenceValidity,
	}, time.Now, logger)

	a.Engine = reconcile.NewEngine(reconcile.Deps{
		Store:     a.Repo,
		Invoices:  invoicing.NewIssuer(a.Repo, cfg.Billing.InvoiceNumberPrefix, cfg.Billing.InvoiceDueOffset, time.Now, logger),
		Services:  provisioning.NewActivator(a.Repo, cfg.Billing.ServiceAutoRenew, a.Metrics, time.Now, logger),
		Expirer:   a.Issuer,
		Gateway:   gw,
		Notifier:  dispatcher,
		Emitter:   emitter,
		Metrics:   a.Metrics,
		Clock:     time.Now,
		Logger:    logger,
		SweepSize: cfg.Billing.SweepBatchSize,
	})

	a.Checkout = checkout.NewService(a.Repo, cart.NewValidator(a.Repo, cart.DefaultRules), a.Issuer, logger)
	return a, nil
}

// Server returns the HTTP API over the built components.
func (a *App) Server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Orders:   a.Repo,
		Checkout: a.Checkout,
		Issuer:   a.Issuer,
		Engine:   a.Engine,
		Metrics:  a.Metrics,
		Logger:   a.logger,
		Clock:    time.Now,
		Server:   a.cfg.Server,
		Secret:   a.cfg.Gateway.CallbackSecret,
	})
}

// Close waits for background emails and order events, then flushes
// producers and closes the database pool.
func (a *App) Close() error {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.emitter != nil {
		a.emitter.Wait()
	}

	var errs []error
	for _, p := range a.producers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
