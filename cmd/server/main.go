package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"superagent/browser"
	"superagent/cache"
	"superagent/codegen"
	"superagent/config"
	"superagent/events"
	"superagent/keypool"
	"superagent/llm"
	"superagent/orchestrator"
	"superagent/sandbox"
	"superagent/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ [MAIN] Failed to load config: %v", err)
	}

	pool := keypool.New(keypool.WithBackoff(cfg.BackoffBase, cfg.BackoffMax))
	pool.AddKeys(keypool.ProviderPrimary, cfg.Primary.URL, cfg.Primary.Model, cfg.Primary.APIKeys)
	pool.AddKeys(keypool.ProviderFallback, cfg.Fallback.URL, cfg.Fallback.Model, cfg.Fallback.APIKeys)
	if pool.Available(keypool.ProviderPrimary) == 0 && pool.Available(keypool.ProviderFallback) == 0 {
		log.Printf("⚠️ [MAIN] No API keys configured; LLM-backed tasks will fail")
	}

	llmClient := llm.NewClient(pool, cfg.LLMTimeout)

	responseCache := cache.New(cfg.RedisAddr, cfg.CacheTTL)
	responseCache.StartSweep(cfg.CacheSweepEvery)
	defer responseCache.StopSweep()

	browserEngine := browser.NewEngine(cfg.NavTimeout)

	generator := codegen.NewGenerator(llmClient, cfg.PromptTemplates)

	sandboxEngine, err := sandbox.NewEngine(cfg.SandboxRoot, sandbox.Limits{
		CPUSeconds:  cfg.SandboxCPUSecs,
		MemoryBytes: cfg.SandboxMemBytes,
		WallClock:   cfg.SandboxWallClock,
	}, cfg.SandboxMax, cfg.SandboxRetention)
	if err != nil {
		log.Fatalf("❌ [MAIN] Failed to start sandbox engine: %v", err)
	}
	sandboxEngine.StartReaper(5 * time.Minute)
	defer sandboxEngine.StopReaper()

	var bus orchestrator.Publisher
	if cfg.NATSURL != "" {
		natsBus, err := events.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("⚠️ [MAIN] NATS unavailable, events disabled: %v", err)
		} else {
			defer natsBus.Close()
			bus = natsBus
		}
	}

	orch := orchestrator.New(responseCache, llmClient, browserEngine, generator, sandboxEngine, bus)

	api := server.NewAPIServer(cfg.ListenAddr, orch, responseCache, pool)

	go func() {
		if err := api.Start(); err != nil {
			log.Printf("🛑 [MAIN] HTTP server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("🛑 [MAIN] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Printf("⚠️ [MAIN] Shutdown error: %v", err)
	}
}
