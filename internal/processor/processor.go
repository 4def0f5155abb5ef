// ============================================================================
// mint-forge 批次處理器
// ============================================================================
//
// Package: internal/processor
//
// 每次執行推進佇列中有限數量的任務：
//   - 最多 MaxTasksPerRun 個（預設 3）
//   - 已耗時超過 TimeBudget（預設 25s）就停止，只在任務之間檢查
//   - NextAttemptAt 尚未到的項目跳過且不計數
//
// 每個佇列項目:
//   1. 讀取任務（GetTaskStatus，會套用逾時）
//        COMPLETED            → 移除，標記 subject 已處理
//        FAILED / TIMEOUT     → 移除
//        不存在               → 移除並警告
//   2. 執行生成流程
//        成功                 → 移除，標記 subject 已處理
//        一般失敗             → 任務已是 FAILED，移除
//        transient 失敗       → Attempts++、LastError、NextAttemptAt 退避；
//                               達 MaxAttempts 時 FailTask("retry budget exhausted") 並移除
//        執行被取消           → 項目原封不動（不計 Attempts），停止本批次
//        任務儲存錯誤         → 中止本次執行（基礎設施錯誤）
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/metrics"
	"github.com/ChuLiYu/mint-forge/internal/pipeline"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// ErrStoreUnavailable 任務儲存無法使用，本次執行必須中止
var ErrStoreUnavailable = errors.New("task store unavailable")

// TaskReader 處理器需要的任務讀寫操作
type TaskReader interface {
	GetTaskStatus(ctx context.Context, id types.TaskID) (types.Task, error)
	FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error)
}

// Runner 執行單一任務的生成流程
type Runner interface {
	Run(ctx context.Context, task types.Task) (types.Task, error)
}

// Options 處理器設定
type Options struct {
	MaxTasksPerRun int
	TimeBudget     time.Duration
	MaxAttempts    int           // transient 失敗的重試上限（含第一次）
	RetryBaseDelay time.Duration // 第一次重試前的等待
	RetryMaxDelay  time.Duration
	JitterFactor   float64 // 0.25 = ±25%
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{
		MaxTasksPerRun: 3,
		TimeBudget:     25 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxTasksPerRun <= 0 {
		o.MaxTasksPerRun = d.MaxTasksPerRun
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = d.TimeBudget
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.RetryMaxDelay
	}
	return o
}

// Result 單次批次的統計
type Result struct {
	Processed    int  // 實際執行生成流程的任務數
	Completed    int  // 成功完成
	Failed       int  // 本次標記為失敗（含重試用盡）
	Retried      int  // transient 失敗後留在佇列
	Dropped      int  // 清理掉的過期參照（已終止或不存在）
	Deferred     int  // 尚未到重試時間而跳過
	StoppedEarly bool // 因時間預算或取消停止
	Interrupted  bool // 有任務在流程中途被取消
}

// Processor 批次處理器
type Processor struct {
	tasks   TaskReader
	runner  Runner
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector
	clock   func() time.Time
	jitter  func() float64
}

// New 建立處理器；collector 可為 nil
func New(tasks TaskReader, runner Runner, opts Options, collector *metrics.Collector, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		tasks:   tasks,
		runner:  runner,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: collector,
		clock:   time.Now,
		jitter:  rand.Float64,
	}
}

// Process 推進佇列；回傳錯誤代表基礎設施失敗，呼叫端不應保存狀態
func (p *Processor) Process(ctx context.Context, state *types.ProcessState) (Result, error) {
	var res Result
	start := p.clock()

	// 複製佇列順序；處理中會修改 state.PendingTasks
	queue := append([]types.PendingRef(nil), state.PendingTasks...)

	for _, ref := range queue {
		if res.Processed >= p.opts.MaxTasksPerRun {
			break
		}
		if elapsed := p.clock().Sub(start); elapsed > p.opts.TimeBudget {
			res.StoppedEarly = true
			p.logger.Info("Time budget exhausted, stopping batch",
				"elapsed", elapsed,
				"budget", p.opts.TimeBudget,
				"processed", res.Processed)
			break
		}
		if err := ctx.Err(); err != nil {
			res.StoppedEarly = true
			break
		}

		now := p.clock()
		if ref.NextAttemptAt > now.UnixMilli() {
			res.Deferred++
			continue
		}

		if err := p.processOne(ctx, state, ref, &res); err != nil {
			return res, err
		}
		if res.Interrupted {
			break
		}
	}

	return res, nil
}

func (p *Processor) processOne(ctx context.Context, state *types.ProcessState, ref types.PendingRef, res *Result) error {
	task, err := p.tasks.GetTaskStatus(ctx, ref.TaskID)
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		p.logger.Warn("Dropping reference to unknown task",
			"taskID", ref.TaskID,
			"subject", ref.SubjectID)
		state.RemovePending(ref.TaskID)
		res.Dropped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, ref.TaskID, err)
	}

	switch task.Status {
	case types.StatusCompleted:
		state.RemovePending(ref.TaskID)
		state.MarkProcessed(ref.SubjectID)
		res.Dropped++
		return nil
	case types.StatusFailed:
		state.RemovePending(ref.TaskID)
		res.Dropped++
		return nil
	case types.StatusTimeout:
		p.metrics.RecordTimedOut()
		p.logger.Warn("Task timed out in queue", "taskID", ref.TaskID, "subject", ref.SubjectID)
		state.RemovePending(ref.TaskID)
		res.Dropped++
		return nil
	}

	res.Processed++
	started := p.clock()
	p.logger.Info("Processing task",
		"taskID", task.ID,
		"subject", task.SubjectID,
		"attempt", ref.Attempts+1)

	_, err = p.runner.Run(ctx, task)
	if err == nil {
		state.RemovePending(ref.TaskID)
		state.MarkProcessed(ref.SubjectID)
		res.Completed++
		p.metrics.RecordCompleted(p.clock().Sub(started))
		return nil
	}

	if pipeline.IsInterrupted(err) || ctx.Err() != nil {
		// 下一次執行從頭重跑，不消耗重試次數
		p.logger.Warn("Run interrupted, keeping queue entry",
			"taskID", ref.TaskID,
			"subject", ref.SubjectID,
			"error", err)
		res.Interrupted = true
		res.StoppedEarly = true
		return nil
	}

	var storeErr *pipeline.StoreError
	if errors.As(err, &storeErr) {
		if errors.Is(err, taskstore.ErrTaskTerminal) || errors.Is(err, taskstore.ErrTaskNotFound) {
			// 任務在執行期間被其他寫入者終止
			p.logger.Warn("Task finalized concurrently, dropping", "taskID", ref.TaskID, "error", err)
			state.RemovePending(ref.TaskID)
			res.Dropped++
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if pipeline.IsTransient(err) {
		return p.retryOrGiveUp(ctx, state, ref, err, res)
	}

	// 流程已呼叫 FailTask
	state.RemovePending(ref.TaskID)
	res.Failed++
	p.metrics.RecordFailed("stage")
	return nil
}

func (p *Processor) retryOrGiveUp(ctx context.Context, state *types.ProcessState, ref types.PendingRef, cause error, res *Result) error {
	entry, ok := state.FindPending(ref.TaskID)
	if !ok {
		return nil
	}
	entry.Attempts++
	entry.LastError = cause.Error()

	if entry.Attempts >= p.opts.MaxAttempts {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", entry.Attempts, cause)
		if _, err := p.tasks.FailTask(ctx, ref.TaskID, reason); err != nil && !errors.Is(err, taskstore.ErrTaskTerminal) {
			return fmt.Errorf("%w: fail %s: %v", ErrStoreUnavailable, ref.TaskID, err)
		}
		p.logger.Error("Retry budget exhausted",
			"taskID", ref.TaskID,
			"attempts", entry.Attempts,
			"error", cause)
		state.RemovePending(ref.TaskID)
		res.Failed++
		p.metrics.RecordFailed("retry_exhausted")
		return nil
	}

	delay := p.backoff(entry.Attempts)
	entry.NextAttemptAt = p.clock().Add(delay).UnixMilli()
	res.Retried++
	p.metrics.RecordRetried()
	p.logger.Warn("Transient failure, will retry",
		"taskID", ref.TaskID,
		"attempts", entry.Attempts,
		"retryIn", delay,
		"error", cause)
	return nil
}

// backoff 第 n 次失敗後的等待：base * 2^(n-1)，上限 RetryMaxDelay，可加抖動
func (p *Processor) backoff(attempts int) time.Duration {
	multiplier := math.Pow(2, float64(attempts-1))
	delay := time.Duration(float64(p.opts.RetryBaseDelay) * multiplier)
	if delay > p.opts.RetryMaxDelay || delay <= 0 {
		delay = p.opts.RetryMaxDelay
	}

	if p.opts.JitterFactor > 0 {
		jitter := float64(delay) * p.opts.JitterFactor
		delay = time.Duration(float64(delay) + (p.jitter()*2-1)*jitter)
		if delay < p.opts.RetryBaseDelay {
			delay = p.opts.RetryBaseDelay
		}
		if delay > p.opts.RetryMaxDelay {
			delay = p.opts.RetryMaxDelay
		}
	}
	return delay
}
