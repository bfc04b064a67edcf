package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/supervisor"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

func main() {
	// Exit with appropriate code
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	// 1. Parse command-line flags
	configPath := flag.String("config", "factory.yml", "Path to the pipeline configuration file")
	flag.Parse()

	// 2. Load environment variables
	instanceName := os.Getenv("FACTORY_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")
	if instanceName == "" || redisURL == "" {
		log.Printf("[ERROR] FACTORY_INSTANCE_NAME and REDIS_URL must be set")
		return 1
	}

	// 3. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("[ERROR] Invalid REDIS_URL: %v", err)
		return 1
	}

	// 4. Load and validate the pipeline configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] Failed to load %s: %v", *configPath, err)
		return 1
	}

	// 5. Build the stage registry and pipeline client
	registry, err := pipeline.NewRegistry(cfg.Schemas(), cfg.MaxAttempts())
	if err != nil {
		log.Printf("[ERROR] Invalid stage configuration: %v", err)
		return 1
	}
	client, err := pipeline.NewClient(redisOpts, instanceName, registry)
	if err != nil {
		log.Printf("[ERROR] Failed to create pipeline client: %v", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[ERROR] Error closing pipeline client: %v", err)
		}
	}()

	// 6. Verify Redis connectivity
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		cancel()
		log.Printf("[ERROR] Failed to connect to Redis: %v", err)
		return 1
	}
	cancel()
	log.Printf("[INFO] Connected to Redis")

	// 7. Create the supervisor (nil task factory = subprocess tasks from config)
	sup := supervisor.New(client, instanceName, cfg, nil)

	// 8. Set up context for graceful shutdown
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 9. Start supervisor in background goroutine
	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Run(runCtx)
	}()

	// 10. Wait for shutdown signal or supervisor error
	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v", sig)
	case err := <-supDone:
		if err != nil {
			log.Printf("[ERROR] Supervisor error: %v", err)
			return 1
		}
		log.Printf("[INFO] Supervisor exited")
		return 0
	}

	// Graceful shutdown: cancel the run context and give the worker pools a
	// bounded window to finish their current promotions.
	log.Printf("[INFO] Initiating graceful shutdown...")
	runCancel()

	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()

	select {
	case err := <-supDone:
		if err != nil {
			log.Printf("[ERROR] Supervisor shutdown error: %v", err)
			return 1
		}
		log.Printf("[INFO] Supervisor shutdown complete")
		return 0
	case <-shutdownTimer.C:
		log.Printf("[ERROR] Supervisor shutdown timeout - forcing exit")
		return 1
	}
}
