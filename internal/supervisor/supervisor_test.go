package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/worker"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// testConfig builds a two-stage factory config with intervals tightened for
// tests. Task commands are placeholders; tests install fake task factories.
func testConfig(t *testing.T) *config.FactoryConfig {
	t.Helper()

	cfg := &config.FactoryConfig{
		Version: "1.0",
		Stages: []config.StageConfig{
			{
				Name: "dev",
				Evidence: []config.EvidenceField{
					{Field: "coverage_pct", Kind: "percent"},
					{Field: "tests_passed", Kind: "bool"},
				},
				Gates: []config.GateConfig{
					{Kind: "min", Field: "coverage_pct", Min: 80},
				},
				Task: &config.TaskConfig{Command: []string{"/bin/true"}},
			},
			{
				Name: "validator",
				Evidence: []config.EvidenceField{
					{Field: "validation_passed", Kind: "bool"},
				},
				Gates: []config.GateConfig{
					{Kind: "pass", Field: "validation_passed"},
				},
				Task: &config.TaskConfig{Command: []string{"/bin/true"}},
			},
		},
		Supervisor: &config.SupervisorConfig{
			LeaseTTL:          config.Duration(2 * time.Second),
			DequeueTimeout:    config.Duration(50 * time.Millisecond),
			HeartbeatInterval: config.Duration(50 * time.Millisecond),
			ReclaimInterval:   config.Duration(50 * time.Millisecond),
			ListenAddr:        ":0",
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testPipelineClient(t *testing.T, cfg *config.FactoryConfig) *pipeline.Client {
	t.Helper()

	mr := miniredis.RunT(t)

	reg, err := pipeline.NewRegistry(cfg.Schemas(), cfg.MaxAttempts())
	require.NoError(t, err)

	client, err := pipeline.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance", reg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// recordingFactory returns a TaskFactory whose dev and validator tasks
// record passing evidence, counting invocations per stage.
func recordingFactory(devCalls, validatorCalls *atomic.Int64, validationResult func() bool) TaskFactory {
	return func(stage *config.StageConfig) worker.Task {
		switch stage.Name {
		case "dev":
			return worker.TaskFunc(func(ctx context.Context, item *pipeline.WorkItem, ws *worker.Workspace) error {
				devCalls.Add(1)
				if err := ws.RecordPercent(ctx, "coverage_pct", 85); err != nil {
					return err
				}
				return ws.RecordBool(ctx, "tests_passed", true)
			})
		default:
			return worker.TaskFunc(func(ctx context.Context, item *pipeline.WorkItem, ws *worker.Workspace) error {
				validatorCalls.Add(1)
				return ws.RecordBool(ctx, "validation_passed", validationResult())
			})
		}
	}
}

// startSupervisor runs s in the background and returns its done channel.
func startSupervisor(ctx context.Context, s *Supervisor) chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	return done
}

// TestSupervisor_ItemFlowsToCompletion drives one item through both stages
// with the full production machinery except the subprocess: schemas
// registered, worker pools, atomic promotions.
func TestSupervisor_ItemFlowsToCompletion(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool { return true })

	s := New(client, "test-instance", cfg, factory)
	done := startSupervisor(ctx, s)

	item := pipeline.NewWorkItem("add rate limiting", `{"prp": "PRP-1042"}`)
	require.NoError(t, client.Enqueue(ctx, item, "dev"))

	require.Eventually(t, func() bool {
		got, err := client.GetItem(context.Background(), item.ID)
		return err == nil && got.State == pipeline.StateComplete
	}, 5*time.Second, 20*time.Millisecond, "item never completed the pipeline")

	got, err := client.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotZero(t, got.CompletedAtMs)
	assert.Equal(t, 0, got.Attempts)
	assert.EqualValues(t, 1, devCalls.Load())
	assert.EqualValues(t, 1, validatorCalls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Supervisor did not shut down within timeout")
	}
}

// TestSupervisor_ReworkRoundTrip fails validation once: the item returns to
// the first stage with attempts incremented, is re-worked, and completes on
// the second pass.
func TestSupervisor_ReworkRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool {
		// First validation fails, later ones pass.
		return validatorCalls.Load() > 1
	})

	s := New(client, "test-instance", cfg, factory)
	done := startSupervisor(ctx, s)

	item := pipeline.NewWorkItem("add rate limiting", `{"prp": "PRP-1042"}`)
	require.NoError(t, client.Enqueue(ctx, item, "dev"))

	require.Eventually(t, func() bool {
		got, err := client.GetItem(context.Background(), item.ID)
		return err == nil && got.State == pipeline.StateComplete
	}, 5*time.Second, 20*time.Millisecond, "item never completed after rework")

	got, err := client.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "one failed validation means one rework")
	assert.EqualValues(t, 2, devCalls.Load(), "dev re-runs after rework clears its marker")
	assert.EqualValues(t, 2, validatorCalls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Supervisor did not shut down within timeout")
	}
}

// TestSupervisor_RecoversAbandonedLease simulates a worker crash after the
// stage finished but before promotion: the startup reclaim sweep requeues
// the item, and the next holder promotes it without re-running the task or
// losing evidence.
func TestSupervisor_RecoversAbandonedLease(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A previous worker leased the item, did the work, and died.
	require.NoError(t, client.RegisterSchemas(ctx))
	item := pipeline.NewWorkItem("add rate limiting", `{"prp": "PRP-1042"}`)
	require.NoError(t, client.Enqueue(ctx, item, "dev"))
	_, err := client.Dequeue(ctx, "dev", 100*time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, client.WriteEvidence(ctx, item.ID, "dev", "coverage_pct", pipeline.PercentEvidence(85)))
	require.NoError(t, client.WriteEvidence(ctx, item.ID, "dev", "tests_passed", pipeline.BoolEvidence(true)))
	require.NoError(t, client.MarkStageComplete(ctx, item.ID, "dev"))
	time.Sleep(10 * time.Millisecond) // let the 1ms lease expire

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool { return true })

	s := New(client, "test-instance", cfg, factory)
	done := startSupervisor(ctx, s)

	require.Eventually(t, func() bool {
		got, err := client.GetItem(context.Background(), item.ID)
		return err == nil && got.State == pipeline.StateComplete
	}, 5*time.Second, 20*time.Millisecond, "abandoned item never recovered and completed")

	got, err := client.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reclaims, "the crash shows up in the reclaim counter")
	assert.Equal(t, "85", got.Evidence["coverage_pct"], "evidence survives the crash")
	assert.EqualValues(t, 0, devCalls.Load(), "finished work is not redone")
	assert.EqualValues(t, 1, validatorCalls.Load())
	assert.GreaterOrEqual(t, s.reclaimer.reclaimed.Load(), int64(1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Supervisor did not shut down within timeout")
	}
}

// TestSupervisor_FatalOnMissingSchema verifies a missing registered schema
// takes the supervisor down instead of letting items pass unvalidated.
func TestSupervisor_FatalOnMissingSchema(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool { return true })

	s := New(client, "test-instance", cfg, factory)
	done := startSupervisor(ctx, s)

	// Wait for Run to register schemas, then rip one out.
	schemaKey := pipeline.SchemaKey("test-instance", "dev")
	require.Eventually(t, func() bool {
		n, err := client.RedisClient().Exists(context.Background(), schemaKey).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond, "schemas were never registered")
	require.NoError(t, client.RedisClient().Del(ctx, schemaKey).Err())

	item := pipeline.NewWorkItem("add rate limiting", `{"prp": "PRP-1042"}`)
	require.NoError(t, client.Enqueue(ctx, item, "dev"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no evidence schema registered")
	case <-time.After(5 * time.Second):
		t.Fatal("Supervisor did not stop on the fatal schema error")
	}
}

// fakeAgent is a stageAgent whose heartbeat the test controls.
type fakeAgent struct {
	name   string
	stage  string
	beatMs atomic.Int64
}

func (f *fakeAgent) Name() string         { return f.name }
func (f *fakeAgent) Stage() string        { return f.stage }
func (f *fakeAgent) Processed() int64     { return 0 }
func (f *fakeAgent) Heartbeat() time.Time { return time.UnixMilli(f.beatMs.Load()) }
func (f *fakeAgent) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// TestSupervisor_RestartsStalledWorker exercises the monitor directly: an
// agent whose heartbeat went stale is cancelled and replaced, and the
// restart counter increments.
func TestSupervisor_RestartsStalledWorker(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	require.NoError(t, client.RegisterSchemas(context.Background()))

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool { return true })
	s := New(client, "test-instance", cfg, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Plant a wedged agent: last beat an hour ago.
	stale := &fakeAgent{name: "dev-1", stage: "dev"}
	stale.beatMs.Store(time.Now().Add(-time.Hour).UnixMilli())

	agentCtx, agentCancel := context.WithCancel(ctx)
	handle := &agentHandle{
		agent:    stale,
		stageCfg: &cfg.Stages[0],
		cancel:   agentCancel,
		done:     make(chan struct{}),
	}
	s.agents["dev-1"] = handle
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		stale.Run(agentCtx) //nolint:errcheck
	}()

	s.checkAgents(ctx, time.Second)

	select {
	case <-handle.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled agent was never cancelled")
	}

	assert.EqualValues(t, 1, s.restarts.Load())

	s.agentLock.RLock()
	replacement, ok := s.agents["dev-1"]
	s.agentLock.RUnlock()
	require.True(t, ok, "a replacement worker should be tracked under the same name")
	assert.NotSame(t, handle, replacement)
	assert.Equal(t, "dev", replacement.agent.Stage())

	// A healthy replacement is left alone.
	s.checkAgents(ctx, time.Hour)
	assert.EqualValues(t, 1, s.restarts.Load())

	cancel()
	s.wg.Wait()
}

// TestSupervisor_StatusReport verifies the /status payload contents.
func TestSupervisor_StatusReport(t *testing.T) {
	cfg := testConfig(t)
	client := testPipelineClient(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var devCalls, validatorCalls atomic.Int64
	factory := recordingFactory(&devCalls, &validatorCalls, func() bool { return true })

	s := New(client, "test-instance", cfg, factory)
	done := startSupervisor(ctx, s)

	require.Eventually(t, func() bool {
		return s.agentCount() == 2
	}, 3*time.Second, 10*time.Millisecond, "worker pools never came up")

	report, err := s.statusReport(ctx)
	require.NoError(t, err)

	assert.Equal(t, "test-instance", report.Instance)
	require.Len(t, report.Stages, 2)
	assert.Equal(t, "dev", report.Stages[0].Stage)
	assert.Equal(t, "validator", report.Stages[1].Stage)
	require.Len(t, report.Workers, 2)
	assert.Equal(t, "dev-1", report.Workers[0].Name)
	assert.Equal(t, "validator-1", report.Workers[1].Name)
	assert.Zero(t, report.OpenQuestions)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Supervisor did not shut down within timeout")
	}
}
