package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/metrics"
	"github.com/ChuLiYu/mint-forge/internal/pipeline"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeRunner 依 subject 決定結果；每次執行推進時鐘
type fakeRunner struct {
	store    *taskstore.MemoryStore
	clock    *testClock
	cost     time.Duration
	behavior map[string]func(task types.Task) error
	ran      []string
}

func (r *fakeRunner) Run(ctx context.Context, task types.Task) (types.Task, error) {
	r.ran = append(r.ran, task.SubjectID)
	r.clock.Advance(r.cost)
	if fn, ok := r.behavior[task.SubjectID]; ok {
		if err := fn(task); err != nil {
			return task, err
		}
	}
	return r.store.CompleteTask(ctx, task.ID, map[string]interface{}{"ok": true})
}

// stageFailure 模擬流程內的永久失敗：流程自己呼叫 FailTask
func stageFailure(store *taskstore.MemoryStore, stage string) func(types.Task) error {
	return func(task types.Task) error {
		stageErr := &pipeline.StageError{Stage: stage, Err: errors.New("provider rejected input")}
		if _, err := store.FailTask(context.Background(), task.ID, stageErr.Error()); err != nil {
			return err
		}
		return stageErr
	}
}

func transientFailure(task types.Task) error {
	return &pipeline.StageError{Stage: pipeline.StageUpload, Err: pipeline.Transient(errors.New("503"))}
}

type fixture struct {
	store  *taskstore.MemoryStore
	clock  *testClock
	runner *fakeRunner
	state  types.ProcessState
	ids    map[string]types.TaskID
}

func newFixture(t *testing.T, subjects ...string) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := taskstore.NewMemoryStore(taskstore.Options{Clock: clock.Now})
	f := &fixture{
		store:  store,
		clock:  clock,
		runner: &fakeRunner{store: store, clock: clock, behavior: map[string]func(types.Task) error{}},
		state:  types.NewProcessState(),
		ids:    map[string]types.TaskID{},
	}
	for _, s := range subjects {
		id, err := store.CreateTask(context.Background(), s, "svg", nil)
		require.NoError(t, err)
		f.ids[s] = id
		f.state.Enqueue(types.PendingRef{SubjectID: s, TaskID: id})
	}
	return f
}

func (f *fixture) processor(opts Options, collector *metrics.Collector) *Processor {
	p := New(f.store, f.runner, opts, collector, nil)
	p.clock = f.clock.Now
	return p
}

func pendingSubjects(state types.ProcessState) []string {
	out := make([]string, 0, len(state.PendingTasks))
	for _, ref := range state.PendingTasks {
		out = append(out, ref.SubjectID)
	}
	return out
}

// ============================================================================
// Bounds
// ============================================================================

func TestProcessRespectsMaxTasksPerRun(t *testing.T) {
	f := newFixture(t, "1", "2", "3", "4", "5")
	p := f.processor(Options{MaxTasksPerRun: 3}, nil)

	res, err := p.Process(context.Background(), &f.state)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, []string{"4", "5"}, pendingSubjects(f.state))
	for _, s := range []string{"1", "2", "3"} {
		assert.True(t, f.state.IsProcessed(s))
	}
	assert.False(t, f.state.IsProcessed("4"))
}

func TestProcessStopsAtTimeBudget(t *testing.T) {
	f := newFixture(t, "1", "2", "3", "4")
	f.runner.cost = 10 * time.Second
	p := f.processor(Options{MaxTasksPerRun: 10, TimeBudget: 25 * time.Second}, nil)

	res, err := p.Process(context.Background(), &f.state)
	require.NoError(t, err)
	// 0s, 10s, 20s 開始的任務都在預算內；30s 時停止
	assert.Equal(t, 3, res.Processed)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, []string{"4"}, pendingSubjects(f.state))
}

func TestProcessStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, "1", "2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.processor(Options{}, nil).Process(ctx, &f.state)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.True(t, res.StoppedEarly)
	assert.Len(t, f.state.PendingTasks, 2)
}

func TestProcessKeepsEntryWhenCancelledMidPipeline(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"stage interrupted", &pipeline.StageError{
			Stage: pipeline.StageRegistration,
			Err:   fmt.Errorf("%w: %w", pipeline.ErrInterrupted, context.Canceled),
		}},
		{"checkpoint write cancelled", &pipeline.StoreError{Op: "update", Err: context.Canceled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "1", "2", "3")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.runner.behavior["2"] = func(types.Task) error {
				cancel()
				return tt.err
			}

			res, err := f.processor(Options{MaxTasksPerRun: 3}, nil).Process(ctx, &f.state)
			require.NoError(t, err, "cancellation is not an infrastructure failure")
			assert.True(t, res.Interrupted)
			assert.True(t, res.StoppedEarly)
			assert.Equal(t, 1, res.Completed)
			assert.Zero(t, res.Failed)
			assert.Zero(t, res.Retried)
			assert.Equal(t, []string{"1", "2"}, f.runner.ran, "no task starts after the cancel")

			assert.Equal(t, []string{"2", "3"}, pendingSubjects(f.state))
			ref, ok := f.state.FindPending(f.ids["2"])
			require.True(t, ok)
			assert.Zero(t, ref.Attempts, "an interrupted run does not use up a retry")
			assert.Zero(t, ref.NextAttemptAt)
			assert.Empty(t, ref.LastError)
			assert.False(t, f.state.IsProcessed("2"))

			task, err := f.store.GetTask(context.Background(), f.ids["2"])
			require.NoError(t, err)
			assert.False(t, task.Status.IsTerminal())
		})
	}
}

// ============================================================================
// Entry state machine
// ============================================================================

func TestProcessDropsTerminalReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "done", "failed", "live")
	_, err := f.store.CompleteTask(ctx, f.ids["done"], nil)
	require.NoError(t, err)
	_, err = f.store.FailTask(ctx, f.ids["failed"], "x")
	require.NoError(t, err)

	res, err := f.processor(Options{MaxTasksPerRun: 1}, nil).Process(ctx, &f.state)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 1, res.Processed, "cleanup does not count against the batch size")
	assert.Empty(t, f.state.PendingTasks)
	assert.True(t, f.state.IsProcessed("done"))
	assert.False(t, f.state.IsProcessed("failed"))
	assert.Equal(t, []string{"live"}, f.runner.ran)
}

func TestProcessDropsTimedOutTasks(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := taskstore.NewMemoryStore(taskstore.Options{Clock: clock.Now, DefaultTimeout: time.Minute})
	id, _ := store.CreateTask(ctx, "slow", "svg", nil)
	state := types.NewProcessState()
	state.Enqueue(types.PendingRef{SubjectID: "slow", TaskID: id})
	clock.Advance(2 * time.Minute)

	collector := metrics.NewCollector(prometheus.NewRegistry())
	runner := &fakeRunner{store: store, clock: clock}
	p := New(store, runner, Options{}, collector, nil)
	p.clock = clock.Now

	res, err := p.Process(ctx, &state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, state.PendingTasks)
	assert.Empty(t, runner.ran)

	task, _ := store.GetTask(ctx, id)
	assert.Equal(t, types.StatusTimeout, task.Status)
}

func TestProcessDropsUnknownTasks(t *testing.T) {
	f := newFixture(t, "1")
	f.state.Enqueue(types.PendingRef{SubjectID: "ghost", TaskID: "does-not-exist"})

	res, err := f.processor(Options{}, nil).Process(context.Background(), &f.state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, f.state.PendingTasks)
}

// 流程第二階段失敗：任務為 FAILED，項目從佇列移除，批次繼續
func TestProcessPermanentStageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "t1", "t2", "t3", "t4")
	f.runner.behavior["t3"] = stageFailure(f.store, pipeline.StageSynthesis)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	res, err := f.processor(Options{MaxTasksPerRun: 4}, collector).Process(ctx, &f.state)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, f.state.PendingTasks)
	assert.False(t, f.state.IsProcessed("t3"))
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, f.runner.ran, "failure does not halt the batch")

	task, _ := f.store.GetTask(ctx, f.ids["t3"])
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, "synthesis failed: provider rejected input", task.Error)
}

func TestProcessTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "flaky", "ok")
	f.runner.behavior["flaky"] = transientFailure
	p := f.processor(Options{MaxTasksPerRun: 5, MaxAttempts: 3, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour}, nil)

	res, err := p.Process(ctx, &f.state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Completed)
	require.Equal(t, []string{"flaky"}, pendingSubjects(f.state))

	entry := f.state.PendingTasks[0]
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "503")
	assert.Equal(t, f.clock.Now().Add(time.Minute).UnixMilli(), entry.NextAttemptAt)

	// 退避時間未到：跳過且不執行
	res, err = p.Process(ctx, &f.state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 0, res.Processed)

	task, _ := f.store.GetTask(ctx, f.ids["flaky"])
	assert.False(t, task.Status.IsTerminal(), "transient failures never fail the task early")
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "flaky")
	f.runner.behavior["flaky"] = transientFailure
	p := f.processor(Options{MaxAttempts: 3, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour}, nil)

	var delays []int64
	for i := 0; i < 3; i++ {
		_, err := p.Process(ctx, &f.state)
		require.NoError(t, err)
		if len(f.state.PendingTasks) == 1 {
			delays = append(delays, f.state.PendingTasks[0].NextAttemptAt-f.clock.Now().UnixMilli())
		}
		f.clock.Advance(2 * time.Hour)
	}

	assert.Equal(t, []int64{60_000, 120_000}, delays, "exponential backoff")
	assert.Empty(t, f.state.PendingTasks)
	task, _ := f.store.GetTask(ctx, f.ids["flaky"])
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "retry budget exhausted")
	assert.Equal(t, []string{"flaky", "flaky", "flaky"}, f.runner.ran)
}

// ============================================================================
// Infrastructure errors
// ============================================================================

type brokenStore struct{}

func (brokenStore) GetTaskStatus(ctx context.Context, id types.TaskID) (types.Task, error) {
	return types.Task{}, errors.New("dial tcp 10.0.0.1:5432: connection refused")
}

func (brokenStore) FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error) {
	return types.Task{}, errors.New("unreachable")
}

func TestProcessAbortsWhenStoreUnavailable(t *testing.T) {
	state := types.NewProcessState()
	state.Enqueue(types.PendingRef{SubjectID: "1", TaskID: "t1"})

	p := New(brokenStore{}, &fakeRunner{clock: &testClock{}}, Options{}, nil, nil)
	_, err := p.Process(context.Background(), &state)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Len(t, state.PendingTasks, 1)
}

func TestProcessStoreErrorDuringPipeline(t *testing.T) {
	f := newFixture(t, "1")
	f.runner.behavior["1"] = func(types.Task) error {
		return &pipeline.StoreError{Op: "update", Err: errors.New("disk full")}
	}

	_, err := f.processor(Options{}, nil).Process(context.Background(), &f.state)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestProcessTaskFinalizedDuringPipeline(t *testing.T) {
	f := newFixture(t, "1")
	f.runner.behavior["1"] = func(types.Task) error {
		return &pipeline.StoreError{Op: "update", Err: fmt.Errorf("%w: x", taskstore.ErrTaskTerminal)}
	}

	res, err := f.processor(Options{}, nil).Process(context.Background(), &f.state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, f.state.PendingTasks)
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoff(t *testing.T) {
	p := New(nil, nil, Options{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}, nil, nil)
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(4))
	assert.Equal(t, 10*time.Second, p.backoff(5))
	assert.Equal(t, 10*time.Second, p.backoff(80))

	p.opts.JitterFactor = 0.25
	p.jitter = func() float64 { return 1 }
	assert.Equal(t, 2500*time.Millisecond, p.backoff(2))
	p.jitter = func() float64 { return 0 }
	assert.Equal(t, 1500*time.Millisecond, p.backoff(2))
}

func TestProcessRecordsMetrics(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.runner.behavior["b"] = stageFailure(f.store, pipeline.StageMetadata)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	_, err := f.processor(Options{}, collector).Process(context.Background(), &f.state)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "mintforge_tasks_completed_total", "mintforge_tasks_failed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
