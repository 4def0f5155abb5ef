// ============================================================================
// mint-forge 協調器 - 系統核心
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 把任務儲存、流程狀態、掃描器、處理器串成一次排程執行
//
// 單次執行 (RunCycle):
//   1. Ping 任務儲存       - 不可用就直接放棄，不寫入任何狀態
//   2. 載入流程狀態         - 游標、已處理 subject、待處理佇列
//   3. 掃描新事件           - 建立任務並加入佇列，推進游標
//   4. 批次處理             - 在時間預算內推進佇列
//   5. 寫回流程狀態         - 整份覆寫
//   6. 回傳摘要
//
// 基礎設施錯誤（任務儲存、狀態儲存）會在步驟 5 之前中止，回傳 *InfraError。
// 上游事件來源暫時無法使用時只略過掃描，處理與寫回照常進行。
//
// 並發:
//   - 同一行程內重疊的 RunCycle 共用同一次執行（singleflight）
//   - stateMu 讓 CreateTask / Regenerate 的「載入→修改→寫回」不和執行中的
//     cycle 交錯；跨行程仍是 last-writer-wins
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/metrics"
	"github.com/ChuLiYu/mint-forge/internal/pipeline"
	"github.com/ChuLiYu/mint-forge/internal/processor"
	"github.com/ChuLiYu/mint-forge/internal/procstate"
	"github.com/ChuLiYu/mint-forge/internal/scanner"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/ChuLiYu/mint-forge/internal/orchestrator")

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrNoSubject subject 不可為空
var ErrNoSubject = errors.New("subject id is required")

// InfraError 基礎設施失敗，本次執行已中止且未寫回狀態
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Deps 外部協作者，全部由呼叫端建立後注入
type Deps struct {
	Tasks   taskstore.Store
	State   procstate.StateStore
	Source  scanner.EventSource
	Stages  pipeline.Stages
	Metrics *metrics.Collector // 可為 nil
	Logger  *slog.Logger
}

// Options 協調器設定
type Options struct {
	Scanner         scanner.Options
	Processor       processor.Options
	DefaultProvider string
	CacheSize       int // 終止任務的快取筆數，<=0 用預設值
}

const defaultCacheSize = 1024

// Orchestrator 協調器
type Orchestrator struct {
	tasks     taskstore.Store
	state     procstate.StateStore
	scanner   *scanner.Scanner
	processor *processor.Processor
	metrics   *metrics.Collector
	logger    *slog.Logger
	opts      Options

	cycles  singleflight.Group
	stateMu sync.Mutex // 保護 load→modify→save
	cache   *lru.Cache[types.TaskID, types.Task]
	clock   func() time.Time
}

// New 建立協調器
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Tasks == nil {
		return nil, errors.New("orchestrator: task store is required")
	}
	if deps.State == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if deps.Source == nil {
		return nil, errors.New("orchestrator: event source is required")
	}
	if deps.Stages == nil {
		return nil, errors.New("orchestrator: pipeline stages are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Scanner.DefaultProvider == "" {
		opts.Scanner.DefaultProvider = opts.DefaultProvider
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = opts.Scanner.DefaultProvider
	}

	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[types.TaskID, types.Task](size)
	if err != nil {
		return nil, fmt.Errorf("create task cache: %w", err)
	}

	run := pipeline.New(deps.Stages, deps.Tasks, deps.Metrics, logger.With("component", "pipeline"))

	return &Orchestrator{
		tasks:     deps.Tasks,
		state:     deps.State,
		scanner:   scanner.New(deps.Source, deps.Tasks, opts.Scanner, logger.With("component", "scanner")),
		processor: processor.New(deps.Tasks, run, opts.Processor, deps.Metrics, logger.With("component", "processor")),
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
		cache:     cache,
		clock:     time.Now,
	}, nil
}

// ============================================================================
// 排程執行
// ============================================================================

// RunCycle 執行一次「掃描 → 處理 → 寫回」
func (o *Orchestrator) RunCycle(ctx context.Context) (types.CycleSummary, error) {
	v, err, shared := o.cycles.Do("cycle", func() (interface{}, error) {
		return o.runCycle(ctx)
	})
	if shared {
		o.logger.Debug("Joined in-flight cycle")
	}
	summary, _ := v.(types.CycleSummary)
	return summary, err
}

func (o *Orchestrator) runCycle(ctx context.Context) (summary types.CycleSummary, err error) {
	start := o.clock()
	ctx, span := tracer.Start(ctx, "orchestrator.RunCycle")
	defer func() {
		summary.ExecutionTimeMs = o.clock().Sub(start).Milliseconds()
		o.metrics.RecordCycle(o.clock().Sub(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	// 1. 任務儲存
	if err := o.tasks.Ping(ctx); err != nil {
		return summary, &InfraError{Op: "ping task store", Err: err}
	}

	// 2. 流程狀態
	state, err := o.state.Load(ctx)
	if err != nil {
		return summary, &InfraError{Op: "load process state", Err: err}
	}

	// 3. 掃描
	scan, err := o.scanner.Scan(ctx, &state)
	switch {
	case errors.Is(err, scanner.ErrSourceUnavailable):
		o.logger.Warn("Event source unavailable, skipping scan", "error", err)
	case err != nil:
		return summary, &InfraError{Op: "scan", Err: err}
	}
	o.metrics.RecordScan(scan.EventsFound, scan.ParseErrors)
	o.metrics.RecordCreated(scan.TasksCreated)

	// 4. 處理
	batch, err := o.processor.Process(ctx, &state)
	if err != nil {
		return summary, &InfraError{Op: "process", Err: err}
	}

	// 5. 寫回；被取消時仍保存已完成的部分
	saveCtx := ctx
	if batch.Interrupted {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := o.state.Save(saveCtx, state); err != nil {
		return summary, &InfraError{Op: "save process state", Err: err}
	}
	o.metrics.UpdateQueueStats(len(state.PendingTasks), state.LastProcessedBlock)

	summary = types.CycleSummary{
		NewEventsFound:        scan.EventsFound,
		NewTasksCreated:       scan.TasksCreated,
		TasksProcessed:        batch.Processed,
		PendingTasksRemaining: len(state.PendingTasks),
		LastProcessedBlock:    state.LastProcessedBlock,
		TasksCompleted:        batch.Completed,
		TasksFailed:           batch.Failed,
		TasksRetried:          batch.Retried,
		ParseErrors:           scan.ParseErrors,
		StoppedEarly:          batch.StoppedEarly,
	}
	span.SetAttributes(
		attribute.Int("cycle.events", summary.NewEventsFound),
		attribute.Int("cycle.processed", summary.TasksProcessed),
		attribute.Int("cycle.pending", summary.PendingTasksRemaining),
	)
	o.logger.Info("Cycle finished",
		"events", summary.NewEventsFound,
		"created", summary.NewTasksCreated,
		"processed", summary.TasksProcessed,
		"completed", summary.TasksCompleted,
		"failed", summary.TasksFailed,
		"pending", summary.PendingTasksRemaining,
		"block", summary.LastProcessedBlock,
		"duration", o.clock().Sub(start))
	return summary, nil
}

// ============================================================================
// 任務操作
// ============================================================================

// CreateTask 建立（或取得既有的）任務並加入待處理佇列
func (o *Orchestrator) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	return o.enqueue(ctx, subjectID, provider, options, false)
}

// Regenerate 取消 subject 的已處理標記並重新排入生成
func (o *Orchestrator) Regenerate(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	return o.enqueue(ctx, subjectID, provider, options, true)
}

func (o *Orchestrator) enqueue(ctx context.Context, subjectID, provider string, options map[string]interface{}, force bool) (types.TaskID, error) {
	if subjectID == "" {
		return "", ErrNoSubject
	}
	if provider == "" {
		provider = o.opts.DefaultProvider
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	state, err := o.state.Load(ctx)
	if err != nil {
		return "", &InfraError{Op: "load process state", Err: err}
	}

	id, err := o.tasks.CreateTask(ctx, subjectID, provider, options)
	if err != nil {
		if errors.Is(err, taskstore.ErrEmptySubject) {
			return "", ErrNoSubject
		}
		return "", &InfraError{Op: "create task", Err: err}
	}

	if force {
		state.Unmark(subjectID)
	}
	added := state.Enqueue(types.PendingRef{
		SubjectID:  subjectID,
		TaskID:     id,
		EnqueuedAt: o.clock().UnixMilli(),
	})
	if err := o.state.Save(ctx, state); err != nil {
		return "", &InfraError{Op: "save process state", Err: err}
	}
	if added {
		o.metrics.RecordCreated(1)
	}
	o.metrics.UpdateQueueStats(len(state.PendingTasks), state.LastProcessedBlock)

	o.logger.Info("Task requested",
		"subject", subjectID,
		"taskID", id,
		"provider", provider,
		"regenerate", force,
		"enqueued", added)
	return id, nil
}

// GetTask 讀取任務（套用逾時檢查）；終止狀態的紀錄會被快取
func (o *Orchestrator) GetTask(ctx context.Context, id types.TaskID) (types.Task, error) {
	if task, ok := o.cache.Get(id); ok {
		return task.Clone(), nil
	}
	task, err := o.tasks.GetTaskStatus(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	if task.Status.IsTerminal() {
		o.cache.Add(id, task.Clone())
	}
	return task, nil
}

// GetTaskStatus 回傳完整紀錄，或 minimal 時的 TaskView
func (o *Orchestrator) GetTaskStatus(ctx context.Context, id types.TaskID, minimal bool) (interface{}, error) {
	task, err := o.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if minimal {
		return task.View(), nil
	}
	return task, nil
}

// ListTasks 依條件查詢任務
func (o *Orchestrator) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	return o.tasks.ListTasks(ctx, filter)
}

// State 回傳目前保存的流程狀態
func (o *Orchestrator) State(ctx context.Context) (types.ProcessState, error) {
	return o.state.Load(ctx)
}

// Ping 檢查任務儲存
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.tasks.Ping(ctx)
}
