package observability

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners. Empty addresses leave
// the corresponding exporter off.
type Config struct {
	ServiceName    string
	ServiceVersion string
	MetricsAddr    string
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// Start configures Prometheus metrics and OpenTelemetry tracing. The returned
// shutdown function flushes spans and stops the metrics listener.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			)),
		)
		otel.SetTracerProvider(tracerProvider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}

	return func(ctx context.Context) error {
		var errs []error
		if metricsSrv != nil {
			errs = append(errs, metricsSrv.Shutdown(ctx))
		}
		if tracerProvider != nil {
			errs = append(errs, tracerProvider.Shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// LoggerWithTrace attaches trace context to the provided logger when available.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String()).Logger()
}

var runtimeOnce sync.Once

// RegisterRuntimeCollectors exposes goroutine count and the last GC pause.
// Safe to call more than once.
func RegisterRuntimeCollectors() {
	runtimeOnce.Do(func() {
		register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relaysync",
			Subsystem: "runtime",
			Name:      "goroutines",
			Help:      "Number of goroutines in the process.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}))
		register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relaysync",
			Subsystem: "runtime",
			Name:      "last_gc_pause_seconds",
			Help:      "Duration of the most recent GC pause.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			if stats.NumGC == 0 {
				return 0
			}
			return float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
		}))
	})
}

func register(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
	}
}
