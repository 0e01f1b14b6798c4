// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/tidepool-ai/tidepool/services/conversations/config"
	"github.com/tidepool-ai/tidepool/services/conversations/generation"
	"github.com/tidepool-ai/tidepool/services/conversations/handlers"
	"github.com/tidepool-ai/tidepool/services/conversations/memory"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
	"github.com/tidepool-ai/tidepool/services/conversations/observability"
	"github.com/tidepool-ai/tidepool/services/conversations/routes"
	"github.com/tidepool-ai/tidepool/services/conversations/services"
	"github.com/tidepool-ai/tidepool/services/conversations/store"
)

// googleOpenAIBaseURL is Google's OpenAI-compatible endpoint.
const googleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("conversations-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("TIDEPOOL_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	observability.InitMetrics()

	if cfg.Telemetry.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	} else {
		slog.Info("OTLP endpoint not set, trace export disabled")
	}

	// --- Durable store ---
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// --- Semantic memory ---
	var memories memory.Store = memory.NopStore{}
	if cfg.Weaviate.Host != "" {
		weaviateClient, err := weaviate.NewClient(weaviate.Config{
			Host:   cfg.Weaviate.Host,
			Scheme: cfg.Weaviate.Scheme,
		})
		if err != nil {
			slog.Error("Failed to create Weaviate client, running without memories", "error", err)
		} else {
			weaviateStore, err := memory.NewWeaviateStore(weaviateClient)
			if err != nil {
				log.Fatalf("failed to create memory store: %v", err)
			}
			memories = weaviateStore
		}
	} else {
		slog.Info("Weaviate host not set, running without long-term memories")
	}

	// --- Model clients ---
	clients := map[generation.Provider]generation.ModelClient{}
	if cfg.Providers.OpenAI.APIKey != "" {
		openaiCfg := openai.DefaultConfig(cfg.Providers.OpenAI.APIKey)
		if cfg.Providers.OpenAI.BaseURL != "" {
			openaiCfg.BaseURL = cfg.Providers.OpenAI.BaseURL
		}
		clients[generation.ProviderOpenAI] = generation.NewOpenAIClient(openai.NewClientWithConfig(openaiCfg))
	}
	if cfg.Providers.Google.APIKey != "" {
		googleCfg := openai.DefaultConfig(cfg.Providers.Google.APIKey)
		googleCfg.BaseURL = googleOpenAIBaseURL
		if cfg.Providers.Google.BaseURL != "" {
			googleCfg.BaseURL = cfg.Providers.Google.BaseURL
		}
		clients[generation.ProviderGoogle] = generation.NewOpenAIClient(openai.NewClientWithConfig(googleCfg))
	}
	if len(clients) == 0 {
		log.Fatal("no model provider configured; set OPENAI_API_KEY or GOOGLE_API_KEY")
	}

	registry := generation.DefaultRegistry()
	generator := generation.NewGenerator(clients, registry, memories, generation.NopSearchProvider{})
	assembler := services.NewContextAssembler(st, memories)

	// --- Presigned uploads ---
	var presigner handlers.Presigner
	if cfg.Uploads.Bucket != "" {
		gcsClient, err := gcstorage.NewClient(context.Background())
		if err != nil {
			log.Fatalf("failed to create storage client: %v", err)
		}
		defer gcsClient.Close()
		presigner, err = handlers.NewGCSPresigner(gcsClient, cfg.Uploads.Bucket)
		if err != nil {
			log.Fatalf("failed to create presigner: %v", err)
		}
	} else {
		slog.Info("Upload bucket not set, presign endpoint disabled")
	}

	// --- Auth ---
	var authProvider middleware.AuthProvider = middleware.NopAuthProvider{}
	if len(cfg.Auth.Tokens) > 0 {
		authProvider = middleware.NewStaticAuthProvider(cfg.Auth.Tokens)
	} else {
		slog.Warn("No auth tokens configured, all requests authenticate as local-user")
	}

	// --- HTTP server ---
	handler := handlers.NewHandler(st, assembler, generator, registry, cfg.Share.BaseURL, presigner)
	sendLimiter := middleware.NewRateLimiter(cfg.RateLimit.SendPerSecond, cfg.RateLimit.SendBurst)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(routes.Recovery())
	router.Use(otelgin.Middleware("conversations-service"))
	routes.SetupRoutes(router, handler, authProvider, sendLimiter)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		slog.Info("Starting conversations service", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}
