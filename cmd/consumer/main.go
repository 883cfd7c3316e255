package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/cartrabbit/internal/config"
	"github.com/example/cartrabbit/internal/events"
	"github.com/example/cartrabbit/internal/geo"
	"github.com/example/cartrabbit/internal/logging"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/profile"
	"github.com/example/cartrabbit/internal/tracker"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cartrabbit_consumer_messages_consumed_total",
		Help: "Total location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cartrabbit_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cartrabbit_consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cartrabbit_consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

const (
	persistAttempts = 3
	persistDelay    = 200 * time.Millisecond
	maxBackoff      = 30 * time.Second
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "cartrabbit-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	persist := retrying(redisPersister(profile.NewRedisStore(rc), geo.NewRedisGeo(rc, cfg.RedisGeoKey)), persistAttempts, persistDelay)
	registry := tracker.NewRegistry(cfg.LocationWindow, persist, logger)
	done := make(chan struct{})
	go func() {
		registry.Run(ctx, cfg.FlushInterval)
		close(done)
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, registry, logger)
	<-done
	logger.Info("consumer stopped")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// MessageReader is the part of *kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off exponentially on read errors.
func consume(ctx context.Context, r MessageReader, registry *tracker.Registry, logger *slog.Logger) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()
		if err := handleMessage(ctx, registry, m); err != nil {
			logger.Warn("location message dropped", "key", string(m.Key), "offset", m.Offset, "error", err)
		}
	}
}

var errInvalidMessage = errors.New("invalid location message")

func handleMessage(ctx context.Context, registry *tracker.Registry, m kafka.Message) error {
	s, err := events.DecodeLocation(m)
	if err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	err = registry.Observe(ctx, s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tracker.ErrNoIdentity), errors.Is(err, models.ErrInvalidCoordinates):
		msgsInvalid.Inc()
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	case errors.Is(err, tracker.ErrPermissionDenied), errors.Is(err, tracker.ErrUnavailable),
		errors.Is(err, tracker.ErrTimeout), errors.Is(err, tracker.ErrStopped):
		// device state, not a failure of this process
		return nil
	}
	return err
}

// redisPersister writes the profile position and, for hosts, the geo index.
func redisPersister(profiles profile.Store, hostGeo geo.Geo) tracker.Persister {
	return tracker.PersistFunc(func(ctx context.Context, s models.LocationSample) error {
		if err := profiles.SavePosition(ctx, s.Identity(), s.Coord, s.At); err != nil {
			return err
		}
		if s.Role == models.RoleHost {
			return hostGeo.Upsert(ctx, s.UserID, s.Coord)
		}
		return nil
	})
}

// retrying wraps p with a doubling delay between attempts.
func retrying(p tracker.Persister, attempts int, delay time.Duration) tracker.Persister {
	return tracker.PersistFunc(func(ctx context.Context, s models.LocationSample) error {
		err := withRetry(ctx, attempts, delay, func(ctx context.Context) error { return p.Persist(ctx, s) })
		if err != nil {
			redisErrors.Inc()
			return err
		}
		redisUpdates.Inc()
		return nil
	})
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
