package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/mrzor/activity-tracer/internal/bpfloader"
	"github.com/mrzor/activity-tracer/internal/config"
	"github.com/mrzor/activity-tracer/internal/eventprocessor"
	"github.com/mrzor/activity-tracer/internal/eventstream"
	"github.com/mrzor/activity-tracer/internal/otel"
	"github.com/mrzor/activity-tracer/internal/output"
	"github.com/mrzor/activity-tracer/internal/peernames"
	"github.com/mrzor/activity-tracer/internal/probe"
	"github.com/mrzor/activity-tracer/internal/procmeta"
	"github.com/mrzor/activity-tracer/internal/timesync"
)

// sink receives every routed event.
type sink interface {
	eventprocessor.ProcessEventHandler
	eventprocessor.SocketEventHandler
}

// pipeline wires probes, output, consumer and exporter for one command run.
type pipeline struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *probe.Metrics
	output    *probe.ChannelOutput
	sink      sink
	formatter *output.OTELFormatter
	provider  *sdktrace.TracerProvider
	loader    *bpfloader.Loader
	server    *http.Server
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	logger.Info("starting activity-tracer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &pipeline{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  probe.NewMetrics(registry),
		output:   probe.NewChannelOutput(cfg.OutputBuffer),
	}

	if err := p.setupSink(); err != nil {
		p.close()
		return nil, err
	}
	p.serveMetrics()
	return p, nil
}

func (p *pipeline) setupSink() error {
	if p.cfg.Exporter != config.ExporterOTLP {
		formatter, err := output.NewLogFormatter(p.logger, p.cfg.CustomAttributes)
		if err != nil {
			return fmt.Errorf("failed to create log formatter: %w", err)
		}
		p.sink = formatter
		return nil
	}

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return err
	}
	provider, err := otel.InitProvider(otelCfg, fmt.Sprintf("%s (%s)", version, commit), p.logger)
	if err != nil {
		return fmt.Errorf("ABORT: failed to initialize OTEL provider: %w", err)
	}
	p.provider = provider

	converter, err := timesync.NewConverter()
	if err != nil {
		return fmt.Errorf("failed to create time converter: %w", err)
	}
	formatter, err := output.NewOTELFormatter(
		provider.Tracer("activity-tracer"),
		converter,
		p.cfg.CustomAttributes,
		p.cfg.TraceID,
		p.cfg.ParentID,
		p.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create OTEL formatter: %w", err)
	}
	p.formatter = formatter
	p.sink = formatter
	return nil
}

func (p *pipeline) serveMetrics() {
	if p.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
	p.server = &http.Server{
		Addr:              p.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	p.logger.Info("serving metrics", zap.String("addr", p.cfg.MetricsAddr))
}

// kernelLoader creates the kernel maps once.
func (p *pipeline) kernelLoader() (*bpfloader.Loader, error) {
	if p.loader != nil {
		return p.loader, nil
	}
	//nolint:gosec // capacity is validated non-negative and bounded by the kernel
	loader, err := bpfloader.New(bpfloader.Options{MaxEntries: uint32(p.cfg.TableCapacity)}, p.logger)
	if err != nil {
		return nil, err
	}
	p.loader = loader
	return loader, nil
}

// probeOptions returns the options the probes run with for the configured backend.
func (p *pipeline) probeOptions() ([]probe.Option, error) {
	opts := []probe.Option{probe.WithMetrics(p.metrics)}
	if p.cfg.Backend == config.BackendKernel {
		loader, err := p.kernelLoader()
		if err != nil {
			return nil, err
		}
		opts = append(opts, probe.WithTables(loader.Tables()))
	}
	return opts, nil
}

// start runs the consumer over rd in the background.
func (p *pipeline) start(ctx context.Context, rd eventstream.Reader) *eventstream.Stream {
	var opts []eventprocessor.Option
	if p.cfg.PeerNames {
		resolver := peernames.New(peernames.WithLogger(p.logger))
		opts = append(opts, eventprocessor.WithPeerNames(resolver, peernames.ProcSource{}))
	}
	processor := eventprocessor.NewProcessor(procmeta.NewManager(), p.sink, p.sink, p.logger, opts...)
	stream := eventstream.New(rd, processor, p.logger)
	_ = stream.Start(ctx) //nolint:errcheck // Start never fails
	return stream
}

func (p *pipeline) report(name string, stream *eventstream.Stream) {
	stats := stream.Stats()
	fields := []zap.Field{
		zap.String("run", name),
		zap.Uint64("handled", stats.Handled),
		zap.Uint64("decode_errors", stats.DecodeErrors),
		zap.Uint64("handler_errors", stats.HandlerErrors),
		zap.Uint64("dropped", p.output.Dropped()),
	}
	if p.formatter != nil {
		fields = append(fields, zap.Int("open_spans", p.formatter.OpenSpans()))
	}
	p.logger.Info("run finished", fields...)
}

// close flushes spans and releases everything in reverse order of creation.
func (p *pipeline) close() {
	if p.formatter != nil {
		p.formatter.Flush()
	}
	if p.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := otel.ShutdownProvider(ctx, p.provider); err != nil {
			p.logger.Error("shutting down OTEL provider", zap.Error(err))
		}
		cancel()
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = p.server.Shutdown(ctx) //nolint:errcheck // Best-effort during exit
		cancel()
	}
	if p.loader != nil {
		if err := p.loader.Close(); err != nil {
			p.logger.Error("closing loader", zap.Error(err))
		}
	}
	_ = p.logger.Sync() //nolint:errcheck // Sync fails on non-file sinks like stderr
}
