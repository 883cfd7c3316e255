package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cartrabbit/internal/config"
	"github.com/example/cartrabbit/internal/directory"
	"github.com/example/cartrabbit/internal/dispatch"
	"github.com/example/cartrabbit/internal/events"
	"github.com/example/cartrabbit/internal/geo"
	httpapi "github.com/example/cartrabbit/internal/http"
	"github.com/example/cartrabbit/internal/logging"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/payments"
	"github.com/example/cartrabbit/internal/profile"
	"github.com/example/cartrabbit/internal/ride"
	"github.com/example/cartrabbit/internal/storage"
	"github.com/example/cartrabbit/internal/tracker"
)

const directoryIdle = time.Hour

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "cartrabbit-api")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		store storage.RideStore
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			return err
		}
		defer ps.Close()
		store, db = ps, ps.DB()
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore()
	}

	var (
		profiles profile.Store = profile.NewMemoryStore()
		hostGeo  geo.Geo       = geo.NewIndex()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		profiles = profile.NewRedisStore(rc)
		hostGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	var (
		gateway payments.Gateway
		payouts payments.Payouts
	)
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		gateway, payouts = sc, sc
	} else {
		logger.Warn("STRIPE_API_KEY not set, using the in-process payment fake")
		fake := payments.NewFake()
		gateway, payouts = fake, fake
	}

	rides := ride.NewManager(store, gateway, logger)
	rides.SpeedMph = cfg.SpeedMph
	rides.Locator = profiles
	if cfg.RequireHostProfile {
		rides.Verifier = profile.Verifier{Store: profiles}
	}

	var producer *events.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer producer.Close()
		rides.Events = producer
	}

	source, err := placesSource(ctx, cfg, db)
	if err != nil {
		return err
	}
	places := directory.NewSessions(source, directoryIdle)

	// With Kafka and a shared Redis the consumer fleet owns profile and geo
	// writes; this process still updates what only it holds.
	shared := producer != nil && cfg.RedisAddr != ""
	trackers := tracker.NewRegistry(cfg.LocationWindow, locationPersister(profiles, hostGeo, rides, !shared), logger)
	trackers.Live = liveOrigin(places)

	if err := rides.Run(ctx); err != nil {
		return err
	}
	reconciler := &ride.Reconciler{
		Manager:     rides,
		StaleAfter:  cfg.SettlementStaleAfter,
		MaxAttempts: cfg.SettlementMaxAttempts,
		Interval:    cfg.SweepInterval,
	}
	go reconciler.Run(ctx)
	go trackers.Run(ctx, cfg.FlushInterval)

	streams := dispatch.NewWSRegistry()
	deps := httpapi.Deps{
		Rides:               rides,
		Payments:            gateway,
		Payouts:             payouts,
		Profiles:            profiles,
		Geo:                 hostGeo,
		Trackers:            trackers,
		Places:              places,
		Streams:             streams,
		WebhookSecret:       cfg.StripeWebhookSecret,
		OnboardingReturnURL: cfg.OnboardingReturnURL,
	}
	if producer != nil {
		deps.Locations = producer
	}
	api := httpapi.NewServer(deps, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("cartrabbit listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	streams.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// placesSource serves the directory from Postgres when it is configured,
// seeding it from PLACES_FILE, and from the file alone otherwise.
func placesSource(ctx context.Context, cfg config.ServerConfig, db *sql.DB) (directory.Source, error) {
	var seed []models.Business
	if cfg.PlacesFile != "" {
		items, err := directory.LoadFile(cfg.PlacesFile)
		if err != nil {
			return nil, err
		}
		seed = items
	}
	if db == nil {
		return directory.NewStaticSource(seed), nil
	}
	ps := directory.NewPostgresSource(db)
	if len(seed) > 0 {
		if err := ps.Upsert(ctx, seed); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// locationPersister is what a throttled position fans out to. writeShared
// covers the profile record and the host geo index.
func locationPersister(profiles profile.Store, hostGeo geo.Geo, rides *ride.Manager, writeShared bool) tracker.Persister {
	var steps []tracker.Persister
	if writeShared {
		steps = append(steps,
			tracker.PersistFunc(func(ctx context.Context, s models.LocationSample) error {
				return profiles.SavePosition(ctx, s.Identity(), s.Coord, s.At)
			}),
			tracker.PersistFunc(func(ctx context.Context, s models.LocationSample) error {
				if s.Role != models.RoleHost {
					return nil
				}
				return hostGeo.Upsert(ctx, s.UserID, s.Coord)
			}),
		)
	}
	steps = append(steps,
		tracker.PersistFunc(func(ctx context.Context, s models.LocationSample) error {
			if s.Role != models.RoleHost {
				return nil
			}
			_, err := rides.UpdateHostLocation(ctx, s.UserID, s.Coord)
			return err
		}),
	)
	return tracker.Chain(steps...)
}

// liveOrigin reprices an open directory on every accepted sample.
func liveOrigin(places *directory.Sessions) tracker.Persister {
	return tracker.PersistFunc(func(_ context.Context, s models.LocationSample) error {
		if d, ok := places.Lookup(s.UserID); ok {
			pos := s.Coord
			d.SetOrigin(&pos)
		}
		return nil
	})
}
