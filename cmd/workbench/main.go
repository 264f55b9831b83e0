package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/comigor/workbench/internal/chat"
	"github.com/comigor/workbench/internal/config"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/llm"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/mcpserver"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/orchestrator"
	"github.com/comigor/workbench/internal/registry"
	"github.com/comigor/workbench/internal/server"
	"github.com/comigor/workbench/internal/sweeper"
	"github.com/comigor/workbench/internal/tokens"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("workbench exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := history.Open(cfg.History.DBPath)
	defer log.Close()

	m := metrics.New()
	reg := registry.New()
	provider := llm.NewOpenAIProvider(llm.NewClient(cfg.LLM))
	svc := chat.NewService(log, reg, orchestrator.New(log, provider, m), tokens.Default, m, chat.Options{
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.Context.MaxTokens,
		Timeout:      cfg.Requests.Timeout,
	})

	if err := startMCP(ctx, cfg.MCP, svc); err != nil {
		return err
	}

	// A pending message older than the request timeout has no live turn behind it.
	sw := sweeper.New(log, reg, m, cfg.Requests.Timeout)
	if err := sw.Start(cfg.Sweeper.Schedule); err != nil {
		return err
	}
	defer func() { <-sw.Stop().Done() }()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.New(svc, m).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startMCP(ctx context.Context, cfg config.MCPConfig, svc *chat.Service) error {
	s := mcpserver.New(svc)
	switch cfg.Transport {
	case "":
		return nil
	case "stdio":
		logger.SetOutput(os.Stderr)
		go func() {
			if err := mcpserver.ServeStdio(s); err != nil {
				logger.L.Error("mcp stdio stopped", "error", err)
			}
		}()
	case "sse":
		sse := mcpserver.NewSSE(s)
		go func() {
			logger.L.Info("starting mcp server", "address", cfg.Address)
			if err := sse.Start(cfg.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L.Error("mcp sse stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sse.Shutdown(shutdownCtx)
		}()
	default:
		return fmt.Errorf("unknown mcp transport %q", cfg.Transport)
	}
	return nil
}
