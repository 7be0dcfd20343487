/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty point service. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment
  2. Initialize SQLite store (migrations run on open)
  3. Seed the bootstrap admin account if the member table is empty
  4. Wire ledger, sweeper, exchange coordinator, and API handler
  5. Start the sweep scheduler
  6. Start server with graceful shutdown

ENVIRONMENT:
  LOYALTY_PORT                    HTTP port (default: 8080)
  LOYALTY_DB                      SQLite path (default: ./data/loyalty.db)
  LOYALTY_JWT_SECRET              Token signing secret
  LOYALTY_SWEEP_INTERVAL_MINUTES  Sweep interval (default: 60)
  LOYALTY_SWEEP_RETRIES           Retries per scheduled sweep (default: 3)
  LOYALTY_LOG_LEVEL               logrus level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweeps
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/loyalty-engine/api"
	"github.com/meridian/loyalty-engine/config"
	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
	"github.com/meridian/loyalty-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	if err := seedAdmin(context.Background(), store, log); err != nil {
		log.WithError(err).Fatal("failed to seed admin account")
	}

	// Engine wiring: the store backs persistence, member lookups, and the
	// audit trail.
	pointLedger := ledger.New(store, store, store, log)
	sweeper := ledger.NewSweeper(store, store, log)
	exchanger := privilege.NewExchanger(store, store, store, store, log)

	auth := api.NewAuth(cfg.JWTSecret)
	handler := api.NewHandler(store, pointLedger, sweeper, exchanger, auth, log)
	router := api.NewRouter(handler)

	scheduler := api.NewSweepScheduler(store, sweeper, log)
	scheduler.Interval = cfg.Sweep.Interval
	scheduler.MaxRetries = cfg.Sweep.MaxRetries
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}

// seedAdmin creates a bootstrap admin when the member table is empty so a
// fresh deployment is usable. Credentials come from the environment;
// defaults are for local development only.
func seedAdmin(ctx context.Context, store *sqlite.Store, log *logrus.Logger) error {
	members, err := store.ListMembers(ctx)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return nil
	}

	email := os.Getenv("LOYALTY_ADMIN_EMAIL")
	if email == "" {
		email = "admin@localhost"
	}
	password := os.Getenv("LOYALTY_ADMIN_PASSWORD")
	if password == "" {
		password = "admin"
	}

	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}

	log.WithField("email", email).Warn("seeding bootstrap admin account")
	return store.SaveMember(ctx, sqlite.MemberRecord{
		ID:           "admin",
		Name:         "Administrator",
		Email:        email,
		PasswordHash: hash,
		Role:         "admin",
		Active:       true,
		CreatedAt:    time.Now(),
	})
}
