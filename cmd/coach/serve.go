package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/coach/internal/finalizer"
	"github.com/pavelanni/coach/internal/handler"
	appI18n "github.com/pavelanni/coach/internal/i18n"
	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/mcpserver"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/orchestrator"
	"github.com/pavelanni/coach/internal/seed"
	"github.com/pavelanni/coach/internal/selector"
	"github.com/pavelanni/coach/internal/tutor"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP tutoring server",
		RunE:  runServe,
	}
	storeFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-provider", "openai", "LLM backend (openai, anthropic, gemini, mock)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("llm-key", "", "API key for the LLM backend")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for a single LLM attempt")
	f.Int("llm-retries", 3, "Attempts per LLM call, including the first")
	f.String("chat-output", string(model.ChatOutputText), "Tutor reply contract (text, json)")
	f.String("score-mode", string(model.ScoreAbsolute), "Finalizer score mode (absolute, delta)")
	f.Bool("mark-asked", true, "Mark selected bank questions as asked")
	f.Duration("session-ttl", tutor.DefaultTTL, "Idle lifetime of a tutor chat session")
	f.StringP("lang", "l", appI18n.DefaultLang, "Language for user-facing messages (en, ru)")
	f.String("api-key-hash", "", "bcrypt hash of the API key; empty disables auth (see `coach hash-key`)")
	f.String("seed-dir", "", "Import seed files from this directory on startup")
	f.String("mcp-addr", "", "Also serve MCP tools over HTTP on this address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	chatOutput, err := model.ParseChatOutput(v.GetString("chat-output"))
	if err != nil {
		return err
	}
	scoreMode, err := model.ParseScoreMode(v.GetString("score-mode"))
	if err != nil {
		return err
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if dir := v.GetString("seed-dir"); dir != "" {
		fallback, err := defaultStudent(ctx, db, v)
		if err != nil {
			return err
		}
		rep, err := seed.NewLoader(db, fallback).LoadDir(ctx, dir)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		slog.Info("seed complete", "dir", dir, "imported", rep.Imported, "skipped", rep.Skipped)
	}

	student, err := defaultStudent(ctx, db, v)
	if err != nil {
		return err
	}

	llmCfg := llm.DefaultConfig()
	llmCfg.Provider = v.GetString("llm-provider")
	llmCfg.BaseURL = v.GetString("llm-url")
	llmCfg.APIKey = v.GetString("llm-key")
	llmCfg.Model = v.GetString("llm-model")
	llmCfg.Timeout = v.GetDuration("llm-timeout")
	llmCfg.MaxAttempts = v.GetInt("llm-retries")
	provider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("create LLM provider: %w", err)
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	cfg := model.ServerConfig{
		ChatOutput:  chatOutput,
		ScoreMode:   scoreMode,
		MarkAsked:   v.GetBool("mark-asked"),
		SessionTTL:  v.GetDuration("session-ttl"),
		StudentName: student.StudentName,
		ExamName:    student.ExamName,
		APIKeyHash:  v.GetString("api-key-hash"),
	}

	tutors := tutor.NewRegistry(tutor.Config{
		Provider: provider,
		Output:   cfg.ChatOutput,
		Memory:   tutor.StoreMemory(db),
	}, cfg.SessionTTL)
	defer tutors.Stop()

	orch := orchestrator.New(db,
		selector.New(db, provider),
		finalizer.New(db, provider, cfg.ScoreMode),
		tutors,
		orchestrator.Config{
			MarkAsked:   cfg.MarkAsked,
			StudentName: cfg.StudentName,
			ExamName:    cfg.ExamName,
		},
	)
	h := handler.New(db, orch, tutors, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"provider", llmCfg.Provider,
			"model", llmCfg.Model,
			"llm_url", llmCfg.BaseURL,
			"db_driver", db.Dialect(),
			"lang", lang,
			"chat_output", cfg.ChatOutput,
			"score_mode", cfg.ScoreMode,
			"mark_asked", cfg.MarkAsked,
			"session_ttl", cfg.SessionTTL,
			"student", cfg.StudentName,
			"auth", cfg.APIKeyHash != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if mcpAddr := v.GetString("mcp-addr"); mcpAddr != "" {
		mcpSrv := mcpserver.NewServer(mcpserver.Config{
			Store:       db,
			Version:     version,
			StudentName: cfg.StudentName,
			ExamName:    cfg.ExamName,
		})
		g.Go(func() error {
			slog.Info("starting MCP server", "addr", mcpAddr)
			if err := mcpSrv.ServeHTTP(gctx, mcpAddr); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
