// Command vitalstream runs one stage of the telemetry pipeline.
//
// Two modes, selected by VS_MODE:
//
//	ingest   listen for datums over UDP or TCP and store them
//	analyze  retrieve stored samples, derive mobility metrics, store them
//
// All knobs are environment variables; there is no config file layer.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/vitalstream/analyze"
	"github.com/c360/vitalstream/metric"
	"github.com/c360/vitalstream/sense"
	"github.com/c360/vitalstream/store"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "yes"
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	mode := envStr("VS_MODE", "ingest")
	natsURL := envStr("VS_NATS_URL", nats.DefaultURL)
	pollInterval := time.Duration(envFloat("VS_POLL_SECONDS", 1.0) * float64(time.Second))
	systemSamples := envBool("VS_SYSTEM_SAMPLES")

	var registry *metric.MetricsRegistry
	if port := envInt("VS_METRICS_PORT", 0); port > 0 {
		registry = metric.NewMetricsRegistry()
		srv := metric.NewServer(port, "/metrics", registry)
		if err := srv.Start(); err != nil {
			logger.Error("metrics server failed to start", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(store.Config{
		URL:           natsURL,
		SystemSamples: systemSamples,
	}, store.Deps{
		Logger:          logger.With("component", "store"),
		MetricsRegistry: registry,
	})
	if err != nil {
		logger.Error("store connection failed", "url", natsURL, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	switch mode {
	case "ingest":
		runIngest(ctx, logger, registry, st, pollInterval, systemSamples)
	case "analyze":
		runAnalyze(ctx, logger, registry, st, pollInterval, systemSamples)
	default:
		logger.Error("unknown mode", "mode", mode)
		os.Exit(1)
	}
}

// runIngest polls a listener and stores everything it sensed.
func runIngest(
	ctx context.Context,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
	st *store.Store,
	pollInterval time.Duration,
	systemSamples bool,
) {
	cfg := sense.Config{
		Host:          envStr("VS_SENSE_HOST", "localhost"),
		Port:          envInt("VS_SENSE_PORT", 31415),
		SampleType:    envStr("VS_SAMPLE_TYPE", "pressure_bandage"),
		Workers:       envInt("VS_SENSE_WORKERS", 1),
		SystemSamples: systemSamples,
	}
	deps := sense.Deps{
		Logger:          logger.With("component", "sense"),
		MetricsRegistry: registry,
	}

	var listener sense.Listener
	var err error
	if envStr("VS_SENSE_PROTO", "udp") == "tcp" {
		listener, err = sense.NewTCP(cfg, deps)
	} else {
		listener, err = sense.NewUDP(cfg, deps)
	}
	if err != nil {
		logger.Error("listener failed to start", "error", err)
		os.Exit(1)
	}
	defer func() { _ = listener.Close() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := st.Store(listener.Sense()); err != nil {
				logger.Error("store failed", "error", err)
			}
		}
	}
}

// runAnalyze retrieves stored samples, feeds them through the mobility
// engine, and stores the derived metrics.
func runAnalyze(
	ctx context.Context,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
	st *store.Store,
	pollInterval time.Duration,
	systemSamples bool,
) {
	engine, err := analyze.NewObjectiveMobility(analyze.Config{
		MaxPressure:   envFloat("VS_MAX_PRESSURE", 100.0),
		SystemSamples: systemSamples,
	}, analyze.Deps{
		Logger:          logger.With("component", "analyze"),
		MetricsRegistry: registry,
	})
	if err != nil {
		logger.Error("engine failed to start", "error", err)
		os.Exit(1)
	}

	sampleType := envStr("VS_SAMPLE_TYPE", "pressure_bandage")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retrieved, err := st.Retrieve(sampleType)
			if err != nil {
				logger.Error("retrieve failed", "error", err)
				continue
			}
			metrics, err := engine.Analyze(retrieved)
			if err != nil {
				logger.Error("analyze failed", "error", err)
				continue
			}
			if _, err := st.Store(metrics); err != nil {
				logger.Error("store failed", "error", err)
			}
		}
	}
}
