/*
serve.go - The serve command

STARTUP SEQUENCE:
  1. Load configuration and logger
  2. Open the document store (memory or SQLite)
  3. Optional Redis: distributed writer lock + persisted breach baseline
  4. Reminder dispatcher (HTTP generator or local template)
  5. Mirror source: the store directly, or Pub/Sub when enabled
  6. Start the mirror, the resync scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the resync scheduler and the mirror
  4. Wait for in-flight reminder dispatches
  5. Close store and client connections
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/debt-ledger/api"
	"github.com/warp/debt-ledger/config"
	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/ledger/store"
	"github.com/warp/debt-ledger/mirror"
	"github.com/warp/debt-ledger/reminder"
	"github.com/warp/debt-ledger/store/pubsub"
	"github.com/warp/debt-ledger/store/redis"
	"github.com/warp/debt-ledger/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, mirror and reminder dispatcher",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// documentStore is what every store driver provides.
type documentStore interface {
	ledger.DocumentStore
	ledger.ReminderLog
}

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(log logrus.FieldLogger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var toClose closers
	defer toClose.closeAll(log)

	// ─── Store ──────────────────────────────────────────────────────────────

	st, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if c, ok := st.(interface{ Close() error }); ok {
		toClose.add(c.Close)
	}

	writer := ledger.NewWriter(st, log)
	writer.Region = cfg.Ledger.DefaultRegion

	// ─── Redis ──────────────────────────────────────────────────────────────

	var baseline mirror.BaselineStore = mirror.NewMemoryBaseline()
	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			LockTTL:  cfg.Redis.LockTTL,
		})
		if err != nil {
			return err
		}
		toClose.add(client.Close)
		writer.Locker = redis.NewLocker(client, cfg.Redis.Prefix, cfg.Redis.LockTTL, log)
		baseline = redis.NewBaseline(client, cfg.Redis.Prefix)
		log.WithField("address", cfg.Redis.Address).Info("using redis for locks and baseline")
	}

	// ─── Reminders ──────────────────────────────────────────────────────────

	var generator reminder.Generator = reminder.TemplateGenerator{}
	if cfg.Reminder.GeneratorURL != "" {
		generator = reminder.NewHTTPGenerator(cfg.Reminder.GeneratorURL)
	}
	feed := reminder.NewFeed(cfg.Reminder.FeedSize)
	notifier := reminder.Multi{reminder.LogNotifier{Log: log}, feed}
	dispatcher := reminder.NewDispatcher(generator, notifier, st, reminder.Config{
		Timeout:         cfg.Reminder.Timeout,
		RecentWindow:    cfg.Reminder.RecentWindow,
		RequireBaseline: cfg.Reminder.RequireBaseline,
	}, log)

	// ─── Mirror ─────────────────────────────────────────────────────────────

	var source mirror.Source = st
	if cfg.PubSub.Enabled {
		source, err = pubsubSource(ctx, cfg.PubSub, st, &toClose, log)
		if err != nil {
			return err
		}
	}

	m := mirror.New(source, mirror.Config{
		Workers:        cfg.Mirror.Workers,
		QueueSize:      cfg.Mirror.QueueSize,
		HistoryLimit:   cfg.Mirror.HistoryLimit,
		TombstoneLimit: cfg.Mirror.TombstoneLimit,
		Rounding:       ledger.Rounding(cfg.Ledger.Rounding),
		Baseline:       baseline,
		Handler:        dispatcher,
	}, log)

	mirrorDone := make(chan error, 1)
	go func() { mirrorDone <- m.Run(ctx) }()

	scheduler := api.NewResyncScheduler(st, m, log)
	scheduler.Interval = cfg.Mirror.ResyncInterval
	scheduler.Start()

	// ─── HTTP ───────────────────────────────────────────────────────────────

	handler := api.NewHandler(writer, m, log)
	handler.Dispatcher = dispatcher
	handler.Reminders = st
	handler.Feed = feed
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-mirrorDone:
		if err != nil {
			runErr = fmt.Errorf("mirror stopped: %w", err)
		} else {
			runErr = errors.New("mirror stopped: change stream closed")
		}
		mirrorDone <- nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	scheduler.Stop()
	cancel()
	<-mirrorDone
	dispatcher.Wait()

	log.Info("server stopped")
	return runErr
}

// openStore opens the configured document store driver.
func openStore(cfg config.StoreConfig, log logrus.FieldLogger) (documentStore, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.New(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

// pubsubSource forwards the store's change stream to the topic and returns a
// mirror source reading it back from the subscription.
func pubsubSource(ctx context.Context, cfg config.PubSubConfig, st documentStore, toClose *closers, log logrus.FieldLogger) (mirror.Source, error) {
	client, err := pubsub.NewClient(ctx, pubsub.Config{
		ProjectID:       cfg.ProjectID,
		Topic:           cfg.Topic,
		Subscription:    cfg.Subscription,
		CredentialsJSON: cfg.CredentialsJSON,
	})
	if err != nil {
		return nil, err
	}
	toClose.add(client.Close)

	topic, err := pubsub.EnsureTopic(ctx, client, cfg.Topic)
	if err != nil {
		return nil, err
	}
	sub, err := pubsub.EnsureSubscription(ctx, client, cfg.Subscription, topic)
	if err != nil {
		return nil, err
	}

	changes, err := st.Changes(ctx)
	if err != nil {
		return nil, err
	}
	go pubsub.NewPublisher(topic, log).Forward(ctx, changes)

	log.WithFields(logrus.Fields{
		"project":      cfg.ProjectID,
		"topic":        cfg.Topic,
		"subscription": cfg.Subscription,
	}).Info("mirror following pubsub")
	return pubsub.NewSource(st, sub, log), nil
}
