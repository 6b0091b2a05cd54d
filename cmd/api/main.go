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

	"github.com/zhouzirui/nbchat/backend/internal/config"
	"github.com/zhouzirui/nbchat/backend/internal/handler"
	arkprovider "github.com/zhouzirui/nbchat/backend/internal/provider/ark"
	"github.com/zhouzirui/nbchat/backend/internal/provider/copilot"
	ollamaprovider "github.com/zhouzirui/nbchat/backend/internal/provider/ollama"
	openaiprovider "github.com/zhouzirui/nbchat/backend/internal/provider/openai"
	"github.com/zhouzirui/nbchat/backend/internal/service/ai"
	"github.com/zhouzirui/nbchat/backend/internal/service/history"
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

	registry := ai.NewRegistry()
	registry.SetDefaultParticipant(ai.NewDefaultParticipant())

	// Hosted provider with device-authorization login.
	auth := copilot.NewAuthSession(nil, copilot.Endpoints{})
	defer auth.Stop()
	if cfg.Copilot.AccessToken != "" {
		auth.LoginWithAccessToken(cfg.Copilot.AccessToken)
		log.Println("GitHub access token found, logging in")
	}
	registry.RegisterLLMProvider(copilot.NewProvider(auth))

	// Local model daemon; a daemon that is down just leaves its catalog empty.
	ollama := ollamaprovider.NewProvider(cfg.Ollama.BaseURL, nil)
	if err := ollama.RefreshModels(ctx); err != nil {
		log.Printf("warning: ollama model discovery failed: %v", err)
	}
	registry.RegisterLLMProvider(ollama)

	registry.RegisterLLMProvider(openaiprovider.NewProvider(openaiprovider.Config{
		BaseURL:       cfg.OpenAI.BaseURL,
		APIKey:        cfg.OpenAI.APIKey,
		ChatModelID:   cfg.OpenAI.ChatModel,
		ContextWindow: cfg.OpenAI.ContextWindow,
	}, nil))

	if cfg.Ark.Enabled() {
		ark, err := arkprovider.NewProvider(ctx, arkprovider.Config{
			APIKey:        cfg.Ark.APIKey,
			Model:         cfg.Ark.Model,
			BaseURL:       cfg.Ark.BaseURL,
			Region:        cfg.Ark.Region,
			ContextWindow: cfg.Ark.ContextWindow,
		})
		if err != nil {
			log.Printf("warning: failed to initialize ark provider: %v", err)
		} else {
			registry.RegisterLLMProvider(ark)
		}
	}

	registry.ConfigureModels(cfg.Models.ChatModel, cfg.Models.InlineCompletionModel, cfg.Models.EmbeddingModel)

	store := history.NewStore()
	router := handler.NewRouter(registry, store, auth, handler.ModelRefs{
		Chat:             cfg.Models.ChatModel,
		InlineCompletion: cfg.Models.InlineCompletionModel,
		Embedding:        cfg.Models.EmbeddingModel,
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("NBChat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
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
