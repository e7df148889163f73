package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/navesadeh/full-cache/pkg/engine"
	"github.com/navesadeh/full-cache/pkg/logging"
)

func main() {
	// Configuration from environment
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
		Output: os.Stderr,
	})

	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	workerURL := os.Getenv("WORKER_URL")

	// The worker environment arrives as the env query parameter of the
	// registration URL. A missing or malformed env means bypass mode.
	var env engine.Env
	if workerURL != "" {
		parsed, err := engine.ParseEnv(workerURL)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid worker env, continuing in bypass mode")
		} else {
			env = parsed
		}
	} else {
		logger.Warn().Msg("WORKER_URL not set, continuing in bypass mode")
	}

	var redisClient *redis.Client
	if env.Valid() {
		redisClient = redis.NewClient(&redis.Options{
			Addr: redisURL,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal().Err(err).Str("addr", redisURL).Msg("Could not connect to Redis")
		}
		cancel()
		logger.Info().Str("addr", redisURL).Msg("Connected to Redis")
	}

	eng, err := engine.New(engine.Config{
		Env:       env,
		Redis:     redisClient,
		PolicyDir: getEnv("POLICY_DIR", ""),
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not create engine")
	}

	if err := eng.Activate(); err != nil {
		logger.Fatal().Err(err).Msg("Could not activate engine")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", eng)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Bool("bypass", eng.Bypass()).Msg("Cache worker listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown: deactivate the engine (dispose dedup and
	// heartbeat resources) before closing the listener.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("Shutting down")
	eng.Deactivate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
