package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/betracehq/betrace-processor/internal/api"
	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/emitter"
	"github.com/betracehq/betrace-processor/internal/export"
	"github.com/betracehq/betrace-processor/internal/observability"
	"github.com/betracehq/betrace-processor/internal/pipeline"
	"github.com/betracehq/betrace-processor/internal/receiver"
	"github.com/betracehq/betrace-processor/internal/redaction"
	"github.com/betracehq/betrace-processor/internal/rules"
	"github.com/betracehq/betrace-processor/internal/signer"
	"github.com/betracehq/betrace-processor/internal/simulation"
)

const serviceName = "betrace-processor"

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := os.Getenv("BETRACE_CONFIG")

	// Configuration errors are the only fatal errors: fast-fail here.
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx := context.Background()
	shutdownTracing := observability.InitOpenTelemetryOrNoop(ctx, serviceName, version, "")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Shared collaborators: registry, compiled cache, signer, audit counters.
	registry := rules.NewRegistry(cfg.Tenant.ID)
	cache := rules.NewCache(cfg.Rule.CacheSize)
	registry.OnInvalidate(cache.Invalidate)

	redactor := redaction.NewRedactor(cfg.Redaction.Whitelist, cfg.Redaction.StrategyOverrides)
	keySource := signer.NewStaticKeySource(cfg.Signer.MasterKey)
	sig := signer.New(keySource)
	em := emitter.New(serviceName, redactor, sig)

	exporter, err := export.New(cfg.Export)
	if err != nil {
		log.Fatalf("exporter error: %v", err)
	}

	p := pipeline.New(cfg, registry, cache, em, exporter, simulation.SystemClock{})

	grpcReceiver := receiver.NewGRPCServer(cfg.Receiver, p)
	httpReceiver := receiver.NewHTTPServer(cfg.Receiver, p)

	tracer := otel.Tracer(serviceName)
	ruleHandlers := api.NewRuleHandlers(registry, cache, cfg.Rule, p.Audit(), tracer)
	apiServer := api.NewServer(cfg.API, ruleHandlers, version)

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(pipelineCtx) }()

	go func() {
		if err := grpcReceiver.Serve(); err != nil {
			log.Fatalf("OTLP gRPC receiver error: %v", err)
		}
	}()
	go func() {
		if err := httpReceiver.Serve(); err != nil {
			log.Fatalf("OTLP HTTP receiver error: %v", err)
		}
	}()
	go func() {
		if err := apiServer.Serve(); err != nil {
			log.Fatalf("API server error: %v", err)
		}
	}()

	log.Printf("%s %s (%s) started: tenant=%s otlp_grpc=:%d otlp_http=:%d api=:%d",
		serviceName, version, commit, cfg.Tenant.ID,
		cfg.Receiver.GRPCPort, cfg.Receiver.HTTPPort, cfg.API.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	// Stop receiving first, then drain the pipeline; exit only after the
	// exporter acknowledges drain.
	grpcReceiver.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP receiver shutdown error: %v", err)
	}

	stopPipeline()
	if err := <-pipelineDone; err != nil {
		log.Printf("Pipeline drain error: %v", err)
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}

	log.Println("Processor stopped gracefully")
}
