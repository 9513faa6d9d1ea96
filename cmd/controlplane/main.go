// controlplaned is the control-plane API server: the event-sourced
// write/projection kernel of spec.md wired up behind Gin, following the
// teacher's cmd/tarsy/main.go shape (flag-selected config dir, godotenv,
// explicit service construction, gin.Default()).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentops/controlplane/pkg/api"
	"github.com/agentops/controlplane/pkg/audit"
	"github.com/agentops/controlplane/pkg/capability"
	"github.com/agentops/controlplane/pkg/config"
	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/eventstore"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/intake"
	"github.com/agentops/controlplane/pkg/pipeline"
	"github.com/agentops/controlplane/pkg/ratelimit"
	"github.com/agentops/controlplane/pkg/secretsvault"
	"github.com/agentops/controlplane/pkg/storepg"
	"github.com/agentops/controlplane/pkg/streamtail"
	"github.com/agentops/controlplane/pkg/sweep"
	"github.com/agentops/controlplane/pkg/syswarn"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	logHandler := slog.NewJSONHandler(os.Stdout, nil)
	if cfg.GinMode != gin.ReleaseMode {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := storepg.NewClient(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	slog.Info("connected to PostgreSQL database and applied migrations")

	pool := dbClient.Pool()
	clock := ids.SystemClock{}

	store := eventstore.New(clock)
	// Steady-state throughput is RATE_LIMIT_SCOPE_MESSAGES/sec; burst allows
	// a short catch-up window for bursty agent chatter.
	limiter := ratelimit.New(pool, cfg.RateLimitScopeMessages, int(cfg.RateLimitScopeMessages*2)+1)
	artifacts := intake.NewHTTPArtifactChecker(cfg.ArtifactStorageHeadURL)
	rooms := intake.NewPGRoomLookup(pool)
	agents := intake.NewPGAgentResolver(pool)
	intakeSvc := intake.New(pool, store, limiter, artifacts, rooms, agents, clock)

	capabilities := capability.New(pool, clock)

	var vaultKey []byte
	if cfg.SecretsMasterKey != "" {
		vaultKey = []byte(cfg.SecretsMasterKey)
	}
	vault, err := secretsvault.New(pool, clock, vaultKey)
	if err != nil {
		log.Fatalf("Failed to initialize secrets vault: %v", err)
	}

	warnings := syswarn.New(pool, clock)

	sweeper := sweep.New(pool, sweep.DefaultConfig())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	pipelineFetch := func(workspaceID string, limit int) (pipeline.Result, error) {
		return pipeline.Fetch(ctx, pool, workspaceID, limit)
	}
	auditVerify := func(streamType eventmodel.StreamType, streamID string, limit int) (audit.Result, error) {
		return audit.Verify(ctx, pool, streamType, streamID, limit)
	}
	subscribeRoom := func(c *gin.Context, roomID string, fromSeq int64) error {
		return streamtail.Subscribe(c.Request.Context(), pool, roomID, fromSeq, sseSink{c})
	}

	server := api.NewServer(pool, store, clock, intakeSvc, capabilities, vault, warnings, pipelineFetch, auditVerify, subscribeRoom)

	router := gin.Default()
	server.Routes(router)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

// sseSink adapts streamtail.Frame delivery onto a Gin response writer using
// the text/event-stream framing of spec.md §6: "data: <json>\n\n".
type sseSink struct {
	c *gin.Context
}

func (s sseSink) Send(ctx context.Context, frame streamtail.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("sseSink: marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("sseSink: write frame: %w", err)
	}
	s.c.Writer.Flush()
	return nil
}
