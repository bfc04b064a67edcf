package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/supervisor"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/worker"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	// 1. Parse command-line flags
	configPath := flag.String("config", "factory.yml", "Path to the pipeline configuration file")
	stageName := flag.String("stage", os.Getenv("FACTORY_STAGE"), "Stage this pool works (or FACTORY_STAGE)")
	poolSize := flag.Int("workers", 0, "Workers in this pool (0 = the stage's configured count)")
	listenAddr := flag.String("listen", ":8181", "Health server listen address")
	flag.Parse()

	// 2. Load environment variables
	instanceName := os.Getenv("FACTORY_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")
	if instanceName == "" || redisURL == "" {
		log.Printf("[ERROR] FACTORY_INSTANCE_NAME and REDIS_URL must be set")
		return 1
	}
	if *stageName == "" {
		log.Printf("[ERROR] A stage is required: pass -stage or set FACTORY_STAGE")
		return 1
	}

	// 3. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("[ERROR] Invalid REDIS_URL: %v", err)
		return 1
	}

	// 4. Load the configuration and locate our stage
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] Failed to load %s: %v", *configPath, err)
		return 1
	}
	stageCfg, ok := cfg.Stage(*stageName)
	if !ok {
		log.Printf("[ERROR] Stage %q is not defined in %s", *stageName, *configPath)
		return 1
	}
	workers := stageCfg.Workers
	if *poolSize > 0 {
		workers = *poolSize
	}

	// 5. Build the full-pipeline registry and client. Promotion routing needs
	// every stage, not just ours.
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

	// 7. Build the pool. The supervisor owns schema registration; a scale-out
	// pool assumes it already ran.
	task := &worker.ExecTask{
		Command: stageCfg.Task.Command,
		Timeout: stageCfg.Task.Timeout.Std(),
		Env:     stageCfg.Task.Environment,
	}
	opts := worker.Options{
		LeaseTTL:          cfg.Supervisor.LeaseTTL.Std(),
		DequeueWait:       cfg.Supervisor.DequeueTimeout.Std(),
		EvidenceRetries:   cfg.Supervisor.EvidenceRetryLimit,
		EscalationTimeout: cfg.Supervisor.EscalationTimeout.Std(),
	}

	pool := make([]*worker.Worker, 0, workers)
	for n := 1; n <= workers; n++ {
		w, err := worker.New(fmt.Sprintf("%s-%d", stageCfg.Name, n), stageCfg.Name, client, task, opts)
		if err != nil {
			log.Printf("[ERROR] Failed to create worker: %v", err)
			return 1
		}
		pool = append(pool, w)
	}

	// 8. Start the health server
	healthServer := supervisor.NewHealthServer(client, *listenAddr, poolStatus(client, instanceName, pool))
	if err := healthServer.Start(); err != nil {
		log.Printf("[ERROR] Failed to start health server: %v", err)
		return 1
	}
	log.Printf("[INFO] Health server started on %s", *listenAddr)

	// 9. Set up context for graceful shutdown
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 10. Start the pool
	log.Printf("[INFO] Worker pool starting: stage=%s workers=%d instance=%s", stageCfg.Name, workers, instanceName)
	var wg sync.WaitGroup
	poolErr := make(chan error, 1)
	for _, w := range pool {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				select {
				case poolErr <- err:
				default:
				}
			}
		}(w)
	}
	poolDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(poolDone)
	}()

	// 11. Wait for shutdown signal or a fatal pool error
	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v", sig)
	case err := <-poolErr:
		log.Printf("[ERROR] Worker pool error: %v", err)
		exitCode = 1
	}

	// Graceful shutdown sequence
	log.Printf("[INFO] Initiating graceful shutdown...")
	runCancel()

	healthShutdownCtx, healthShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthShutdownCancel()
	if err := healthServer.Shutdown(healthShutdownCtx); err != nil {
		log.Printf("[ERROR] Health server shutdown error: %v", err)
	}

	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-poolDone:
		log.Printf("[INFO] Worker pool shutdown complete")
	case <-shutdownTimer.C:
		log.Printf("[ERROR] Worker pool shutdown timeout - forcing exit")
		return 1
	}

	return exitCode
}

// poolStatus builds the /status payload for a standalone pool: queue depths
// plus this pool's workers.
func poolStatus(client *pipeline.Client, instanceName string, pool []*worker.Worker) supervisor.StatusFunc {
	return func(ctx context.Context) (*supervisor.StatusReport, error) {
		depths, err := client.QueueDepths(ctx)
		if err != nil {
			return nil, err
		}
		questions, err := client.ListOpenQuestions(ctx)
		if err != nil {
			return nil, err
		}

		workers := make([]supervisor.WorkerStatus, 0, len(pool))
		for _, w := range pool {
			workers = append(workers, supervisor.WorkerStatus{
				Name:          w.Name(),
				Stage:         w.Stage(),
				Processed:     w.Processed(),
				LastBeatAgoMs: time.Since(w.Heartbeat()).Milliseconds(),
			})
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

		return &supervisor.StatusReport{
			Instance:      instanceName,
			Stages:        depths,
			Workers:       workers,
			OpenQuestions: len(questions),
		}, nil
	}
}
