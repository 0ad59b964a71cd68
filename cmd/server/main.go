package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/meeting-transcriber/internal/autostop"
	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/resilience"
	"github.com/lexiqai/meeting-transcriber/internal/server"
	"github.com/lexiqai/meeting-transcriber/internal/sink"
	"github.com/lexiqai/meeting-transcriber/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_health_port", cfg.GRPCHealthPort).
		Str("deepgram_model", cfg.DeepgramModel).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Bool("autostop_enabled", cfg.AutoStopEnabled).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Meeting Transcriber starting")

	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	sttBreaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, resetTimeout)
	sinkBreaker := resilience.NewCircuitBreaker("kafka", cfg.CircuitBreakerMaxFailures, resetTimeout)
	for _, cb := range []*resilience.CircuitBreaker{sttBreaker, sinkBreaker} {
		cb.OnStateChange = func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
			logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
		}
	}

	publisher := sink.New(sink.ConfigFrom(cfg),
		sink.WithLogger(logger),
		sink.WithCircuitBreaker(sinkBreaker),
		sink.WithRetry(&resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
		}),
	)
	defer publisher.Close()

	// A missing catalog disables the process trigger but not auto-stop
	var detector autostop.Detector
	catalog, err := autostop.LoadCatalog(cfg.MeetingAppsFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.MeetingAppsFile).Msg("Failed to load meeting app catalog, process detection disabled")
	} else {
		detector = autostop.NewProcessDetector(catalog)
	}

	grpcHealth := observability.NewGRPCHealth()

	srv := server.New(cfg, server.Deps{
		Dialer:   stt.NewDeepgramDialer(cfg.DeepgramAPIKey, cfg.DeepgramEndpoint),
		Sink:     publisher,
		Detector: detector,
		Health:   grpcHealth,
		Breaker:  sttBreaker,
	})

	// Create HTTP server
	mux := http.NewServeMux()

	// Shell WebSocket handler
	mux.HandleFunc("/sessions/ws", srv.HandleSessionWS())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) {
			if sttBreaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
		"kafka": func(ctx context.Context) (bool, error) {
			if err := publisher.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Websocket connections clear these deadlines once upgraded
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/sessions/ws", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			return fmt.Errorf("grpc health listener: %w", err)
		}
		logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health listening")
		if err := grpcHealth.Serve(lis); err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Finish active recordings before the listeners go away
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop active recordings")
		}
		grpcHealth.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}

	logger.Info().Msg("Server exited gracefully")
}
