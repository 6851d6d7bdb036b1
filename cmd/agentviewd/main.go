package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/adapter"
	"github.com/NissanOhana/dev-agent-day2day/internal/adapter/cliadapter"
	"github.com/NissanOhana/dev-agent-day2day/internal/config"
	"github.com/NissanOhana/dev-agent-day2day/internal/dispatch"
	"github.com/NissanOhana/dev-agent-day2day/internal/engine"
	"github.com/NissanOhana/dev-agent-day2day/internal/httpapi"
	"github.com/NissanOhana/dev-agent-day2day/internal/session"
	"github.com/NissanOhana/dev-agent-day2day/internal/subscribers"
	logging "github.com/NissanOhana/dev-agent-day2day/internal/subscribers/logging"
	"github.com/NissanOhana/dev-agent-day2day/internal/subscribers/webhook"
)

func main() {
	logger := log.New(os.Stdout, "agentview ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize session store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	adapters := make([]adapter.Adapter, 0, len(cfg.AgentCmds))
	for agentType, argv := range cfg.AgentCmds {
		ad, err := cliadapter.New(logger, agentType, argv)
		if err != nil {
			logger.Fatalf("invalid AGENTVIEW_AGENT_CMDS: %v", err)
		}
		adapters = append(adapters, ad)
	}

	eng := engine.New(logger, store, adapters,
		engine.WithDispatcher(dispatcher),
		engine.WithCacheCapacity(cfg.CacheCapacity),
		engine.WithMaxAgents(cfg.MaxAgents),
	)
	defer eng.Close()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, eng)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
