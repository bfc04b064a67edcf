// Package supervisor runs one factory instance end to end: it registers the
// stage evidence schemas, launches the per-stage worker pools declared in
// factory.yml, sweeps expired leases back into the queues, restarts stalled
// workers, and serves health and status endpoints for operators.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/worker"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// TaskFactory builds the Task a stage's workers run. The default factory
// returns an ExecTask for the stage's task block; tests substitute in-process
// fakes.
type TaskFactory func(stage *config.StageConfig) worker.Task

// stageAgent is the supervisor's view of a worker: enough to monitor
// liveness and report status.
type stageAgent interface {
	Name() string
	Stage() string
	Heartbeat() time.Time
	Processed() int64
	Run(ctx context.Context) error
}

// agentHandle tracks one running worker goroutine.
type agentHandle struct {
	agent    stageAgent
	stageCfg *config.StageConfig
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor owns the lifecycle of a factory instance's workers and
// background loops.
type Supervisor struct {
	client       *pipeline.Client
	instanceName string
	cfg          *config.FactoryConfig
	taskFactory  TaskFactory
	healthServer *HealthServer
	reclaimer    *reclaimer

	agentLock sync.RWMutex
	agents    map[string]*agentHandle

	restarts atomic.Int64
	fatal    chan error
	wg       sync.WaitGroup
}

// New creates a supervisor for the instance. A nil taskFactory uses the
// stage's configured task command via ExecTask.
func New(client *pipeline.Client, instanceName string, cfg *config.FactoryConfig, taskFactory TaskFactory) *Supervisor {
	if taskFactory == nil {
		taskFactory = defaultTaskFactory
	}

	s := &Supervisor{
		client:       client,
		instanceName: instanceName,
		cfg:          cfg,
		taskFactory:  taskFactory,
		reclaimer:    newReclaimer(client, instanceName, cfg.Supervisor.ReclaimInterval.Std()),
		agents:       make(map[string]*agentHandle),
		fatal:        make(chan error, 1),
	}
	s.healthServer = NewHealthServer(client, cfg.Supervisor.ListenAddr, s.statusReport)
	return s
}

// defaultTaskFactory builds the subprocess task from the stage's task block.
func defaultTaskFactory(stage *config.StageConfig) worker.Task {
	return &worker.ExecTask{
		Command: stage.Task.Command,
		Timeout: stage.Task.Timeout.Std(),
		Env:     stage.Task.Environment,
	}
}

// Run starts everything and blocks until ctx is cancelled or a worker hits a
// fatal configuration error. Shutdown is graceful: background loops stop,
// workers finish their current item or abandon it to lease recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Printf("[Supervisor] Starting for instance '%s' (%d stages)", s.instanceName, len(s.cfg.Stages))

	// Schemas must exist before any worker promotes.
	if err := s.client.RegisterSchemas(ctx); err != nil {
		return fmt.Errorf("failed to register stage schemas: %w", err)
	}
	log.Printf("[Supervisor] Registered evidence schemas for %d stages", len(s.cfg.Stages))

	if err := s.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer s.healthServer.Shutdown(context.Background())

	// Everything below runs under loopCtx so one cancel tears it all down.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	// Reclaim loop: its first pass is the startup recovery sweep, picking up
	// leases orphaned by a previous supervisor.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reclaimer.run(loopCtx)
	}()

	// Worker pools, one per stage.
	for i := range s.cfg.Stages {
		stageCfg := &s.cfg.Stages[i]
		for n := 1; n <= stageCfg.Workers; n++ {
			name := fmt.Sprintf("%s-%d", stageCfg.Name, n)
			if err := s.launchAgent(loopCtx, stageCfg, name); err != nil {
				cancelLoops()
				s.wg.Wait()
				return fmt.Errorf("failed to launch worker %s: %w", name, err)
			}
		}
	}

	// Monitor loop: stall detection, restarts, backpressure sampling.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(loopCtx)
	}()

	logEvent("supervisor_started", map[string]interface{}{
		"instance": s.instanceName,
		"stages":   len(s.cfg.Stages),
		"workers":  s.agentCount(),
	})

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("[Supervisor] Shutting down...")
	case err := <-s.fatal:
		log.Printf("[ERROR] Worker reported a fatal error, shutting down: %v", err)
		runErr = err
	}

	cancelLoops()
	s.wg.Wait()
	log.Printf("[Supervisor] All workers and loops stopped")
	return runErr
}

// launchAgent builds a worker for the stage and runs it in a goroutine.
// Caller must hold no locks.
func (s *Supervisor) launchAgent(ctx context.Context, stageCfg *config.StageConfig, name string) error {
	opts := worker.Options{
		LeaseTTL:          s.cfg.Supervisor.LeaseTTL.Std(),
		DequeueWait:       s.cfg.Supervisor.DequeueTimeout.Std(),
		EvidenceRetries:   s.cfg.Supervisor.EvidenceRetryLimit,
		EscalationTimeout: s.cfg.Supervisor.EscalationTimeout.Std(),
	}

	w, err := worker.New(name, stageCfg.Name, s.client, s.taskFactory(stageCfg), opts)
	if err != nil {
		return err
	}

	agentCtx, cancel := context.WithCancel(ctx)
	handle := &agentHandle{
		agent:    w,
		stageCfg: stageCfg,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.agentLock.Lock()
	s.agents[name] = handle
	s.agentLock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		if err := w.Run(agentCtx); err != nil {
			select {
			case s.fatal <- err:
			default:
			}
		}
	}()

	log.Printf("[Supervisor] Worker started: worker=%s stage=%s", name, stageCfg.Name)
	return nil
}

// monitor watches worker heartbeats and queue depths on the heartbeat
// interval. A worker silent for HeartbeatMisses intervals is cancelled and
// replaced; its leased item, if any, comes back through lease recovery.
func (s *Supervisor) monitor(ctx context.Context) {
	interval := s.cfg.Supervisor.HeartbeatInterval.Std()
	stallAfter := time.Duration(s.cfg.Supervisor.HeartbeatMisses) * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAgents(ctx, stallAfter)
			s.checkBackpressure(ctx)
		}
	}
}

// checkAgents replaces workers whose heartbeat went stale.
func (s *Supervisor) checkAgents(ctx context.Context, stallAfter time.Duration) {
	type stalled struct {
		name   string
		handle *agentHandle
		age    time.Duration
	}

	s.agentLock.RLock()
	var victims []stalled
	for name, handle := range s.agents {
		age := time.Since(handle.agent.Heartbeat())
		if age > stallAfter {
			victims = append(victims, stalled{name: name, handle: handle, age: age})
		}
	}
	s.agentLock.RUnlock()

	for _, v := range victims {
		logEvent("worker_stalled", map[string]interface{}{
			"instance":         s.instanceName,
			"worker":           v.name,
			"stage":            v.handle.agent.Stage(),
			"last_beat_ago_ms": v.age.Milliseconds(),
		})

		v.handle.cancel()
		select {
		case <-v.handle.done:
		case <-time.After(5 * time.Second):
			// The goroutine is stuck, likely in a blocked syscall; the
			// replacement runs regardless and lease recovery frees the item.
			log.Printf("[WARN] Stalled worker did not exit after cancel: worker=%s", v.name)
		case <-ctx.Done():
			return
		}

		s.agentLock.Lock()
		delete(s.agents, v.name)
		s.agentLock.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := s.launchAgent(ctx, v.handle.stageCfg, v.name); err != nil {
			log.Printf("[ERROR] Failed to relaunch worker: worker=%s error=%v", v.name, err)
			continue
		}
		s.restarts.Add(1)
		logEvent("worker_restarted", map[string]interface{}{
			"instance": s.instanceName,
			"worker":   v.name,
			"stage":    v.handle.agent.Stage(),
			"restarts": s.restarts.Load(),
		})
	}
}

// checkBackpressure samples queue depths and flags stages whose pending
// queue exceeds the configured depth.
func (s *Supervisor) checkBackpressure(ctx context.Context) {
	depths, err := s.client.QueueDepths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[ERROR] Failed to sample queue depths: %v", err)
		}
		return
	}

	for _, d := range depths {
		if d.Pending > int64(s.cfg.Supervisor.BackpressureDepth) {
			logEvent("backpressure", map[string]interface{}{
				"instance": s.instanceName,
				"stage":    d.Stage,
				"pending":  d.Pending,
				"limit":    s.cfg.Supervisor.BackpressureDepth,
			})
		}
	}
}

// agentCount returns how many workers are currently tracked.
func (s *Supervisor) agentCount() int {
	s.agentLock.RLock()
	defer s.agentLock.RUnlock()
	return len(s.agents)
}

// statusReport assembles the /status payload.
func (s *Supervisor) statusReport(ctx context.Context) (*StatusReport, error) {
	depths, err := s.client.QueueDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}

	questions, err := s.client.ListOpenQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open questions: %w", err)
	}

	s.agentLock.RLock()
	workers := make([]WorkerStatus, 0, len(s.agents))
	for _, handle := range s.agents {
		workers = append(workers, WorkerStatus{
			Name:          handle.agent.Name(),
			Stage:         handle.agent.Stage(),
			Processed:     handle.agent.Processed(),
			LastBeatAgoMs: time.Since(handle.agent.Heartbeat()).Milliseconds(),
		})
	}
	s.agentLock.RUnlock()

	// Stable output for operators and tests.
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	return &StatusReport{
		Instance:      s.instanceName,
		Stages:        depths,
		Workers:       workers,
		Restarts:      s.restarts.Load(),
		Reclaims:      s.reclaimer.reclaimed.Load(),
		OpenQuestions: len(questions),
	}, nil
}

// logEvent logs a structured event in JSON format.
func logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "supervisor"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Supervisor] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
