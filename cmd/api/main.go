package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zhouzirui/avatar-bridge/backend/internal/config"
	"github.com/zhouzirui/avatar-bridge/backend/internal/handler"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/dispatch"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/textnorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	tables, err := textnorm.LoadTables(cfg.Orchestration.TextTablesFile)
	if err != nil {
		log.Fatalf("failed to load text tables: %v", err)
	}
	pipeline, err := textnorm.NewPipeline(tables)
	if err != nil {
		log.Fatalf("failed to compile text tables: %v", err)
	}

	asst, err := newAssistant(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize assistant: %v", err)
	}
	log.Printf("assistant provider %s initialized", cfg.Provider)

	orch := cfg.Orchestration
	dispatcher := dispatch.New(asst, session.NewRegistry(), pipeline, dispatch.Config{
		WordsPerMinute:      orch.WordsPerMinute,
		DelayEnabled:        orch.DelayEnabled,
		MaxRetries:          orch.MaxRetries,
		ErrorAck:            orch.ErrorAckEnabled,
		FallbackSpeech:      orch.FallbackSpeech,
		GreeterTopics:       orch.GreeterTopics,
		CustomExtensionName: orch.CustomExtensionName,
	})

	router := handler.NewRouter(dispatcher)

	startServer(ctx, cfg.Server, router)
}

func newAssistant(ctx context.Context, cfg *config.Config) (assistant.Assistant, error) {
	if cfg.Provider == config.ProviderArk {
		return assistant.NewArk(ctx, cfg.Ark)
	}
	if cfg.Assistant.DisableSSL {
		log.Println("warning: TLS verification for the assistant service is disabled")
	}
	return assistant.NewWatson(cfg.Assistant)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if serverCfg.TLSEnabled() {
		log.Printf("Orchestration server listening on %s (tls)", addr)
	} else {
		log.Printf("Orchestration server listening on %s", addr)
	}
	if err := runServer(ctx, srv, serverCfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, serverCfg config.ServerConfig) error {
	errCh := make(chan error, 1)
	go func() {
		if serverCfg.TLSEnabled() {
			errCh <- srv.ListenAndServeTLS(serverCfg.CertFile, serverCfg.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
