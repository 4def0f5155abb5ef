// ============================================================================
// mint-forge 事件掃描器
// ============================================================================
//
// Package: internal/scanner
//
// 每次執行：
//   1. 從 ProcessState 讀取 lastProcessedBlock 作為游標
//   2. 查詢上游 head，扣掉 Confirmations 得到安全高度
//   3. 取得 (cursor, to] 區間的事件，to 受 MaxBlockRange 限制
//   4. 每個事件：解析 → 已處理且非 force 則跳過 → CreateTask → 加入 pendingTasks
//   5. 游標推進到 to（即使沒有任何事件）
//
// 錯誤處理:
//   - 單一事件解析失敗：記錄並跳過，不影響游標
//   - head / events 查詢失敗、任務儲存失敗：視為基礎設施錯誤，
//     立即回傳且不推進游標
// ============================================================================

package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/ChuLiYu/mint-forge/internal/scanner")

// ErrSourceUnavailable 上游事件來源無法使用
var ErrSourceUnavailable = errors.New("event source unavailable")

// EventSource 上游事件來源
type EventSource interface {
	// Head 目前最新的區塊高度
	Head(ctx context.Context) (uint64, error)
	// Events 回傳 [from, to] 區間（含兩端）的原始事件
	Events(ctx context.Context, from, to uint64) ([]RawEvent, error)
}

// TaskCreator 掃描器只需要冪等建立任務
type TaskCreator interface {
	CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error)
}

// Options 掃描器設定
type Options struct {
	StartBlock      uint64 // 游標初始值；狀態中的游標較小時以此為準
	Confirmations   uint64 // head 落後的區塊數，避免讀到可能被回滾的區塊
	MaxBlockRange   uint64 // 單次查詢的最大區塊數；0 表示不限制
	DefaultProvider string // 事件未指定 provider 時使用
}

// Result 單次掃描的結果
type Result struct {
	FromBlock    uint64 // 查詢起點（含）
	ToBlock      uint64 // 查詢終點（含），同時是新的游標
	Head         uint64 // 上游回報的 head
	EventsFound  int    // 解析成功的事件數
	TasksCreated int    // 新加入佇列的任務數
	Skipped      int    // 已處理而跳過的事件數
	ParseErrors  int
	Forced       int // force 事件數
}

// Scanner 事件掃描器
type Scanner struct {
	source EventSource
	tasks  TaskCreator
	opts   Options
	logger *slog.Logger
	clock  func() time.Time
}

// New 建立掃描器
func New(source EventSource, tasks TaskCreator, opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		source: source,
		tasks:  tasks,
		opts:   opts,
		logger: logger,
		clock:  time.Now,
	}
}

// Scan 掃描新事件並更新傳入的狀態
//
// 回傳錯誤時 state.LastProcessedBlock 維持不變；已加入佇列的參照
// 會留在記憶體中，由呼叫端決定是否寫回。
func (s *Scanner) Scan(ctx context.Context, state *types.ProcessState) (Result, error) {
	ctx, span := tracer.Start(ctx, "scanner.Scan")
	defer span.End()

	cursor := state.LastProcessedBlock
	if cursor < s.opts.StartBlock {
		cursor = s.opts.StartBlock
	}

	head, err := s.source.Head(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "head")
		return Result{}, fmt.Errorf("%w: head: %v", ErrSourceUnavailable, err)
	}

	result := Result{Head: head, FromBlock: cursor + 1, ToBlock: cursor}

	safeHead := uint64(0)
	if head > s.opts.Confirmations {
		safeHead = head - s.opts.Confirmations
	}
	if safeHead <= cursor {
		// 沒有新區塊；游標只增不減
		state.LastProcessedBlock = cursor
		s.logger.Debug("No new blocks", "cursor", cursor, "head", head)
		return result, nil
	}

	to := safeHead
	if s.opts.MaxBlockRange > 0 && to-cursor > s.opts.MaxBlockRange {
		to = cursor + s.opts.MaxBlockRange
	}
	result.ToBlock = to
	span.SetAttributes(
		attribute.Int64("scan.from", int64(cursor+1)),
		attribute.Int64("scan.to", int64(to)),
	)

	raws, err := s.source.Events(ctx, cursor+1, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "events")
		return Result{}, fmt.Errorf("%w: events %d-%d: %v", ErrSourceUnavailable, cursor+1, to, err)
	}

	for _, raw := range raws {
		event, err := ParseEvent(raw)
		if err != nil {
			result.ParseErrors++
			s.logger.Warn("Skipping malformed event", "error", err)
			continue
		}
		result.EventsFound++

		if event.Force {
			result.Forced++
			state.Unmark(event.SubjectID)
		} else if state.IsProcessed(event.SubjectID) {
			result.Skipped++
			continue
		}

		provider := event.Provider
		if provider == "" {
			provider = s.opts.DefaultProvider
		}

		taskID, err := s.tasks.CreateTask(ctx, event.SubjectID, provider, event.Options)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create task")
			return Result{}, fmt.Errorf("create task for subject %s: %w", event.SubjectID, err)
		}

		enqueued := state.Enqueue(types.PendingRef{
			SubjectID:   event.SubjectID,
			TaskID:      taskID,
			Requester:   event.Requester,
			BlockNumber: event.BlockNumber,
			EnqueuedAt:  s.clock().UnixMilli(),
		})
		if enqueued {
			result.TasksCreated++
			s.logger.Info("Task queued",
				"subject", event.SubjectID,
				"taskID", taskID,
				"block", event.BlockNumber)
		}
	}

	state.LastProcessedBlock = to
	span.SetAttributes(
		attribute.Int("scan.events", result.EventsFound),
		attribute.Int("scan.tasks_created", result.TasksCreated),
	)
	s.logger.Info("Scan finished",
		"from", result.FromBlock,
		"to", to,
		"head", head,
		"events", result.EventsFound,
		"created", result.TasksCreated,
		"skipped", result.Skipped,
		"parseErrors", result.ParseErrors)
	return result, nil
}
