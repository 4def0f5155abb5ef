// ============================================================================
// mint-forge 任務儲存 - 任務狀態機
// ============================================================================
//
// Package: internal/taskstore
// 文件: store.go
// 功能: 定義任務儲存契約，以及所有實作共用的狀態轉換規則
//
// 任務狀態轉換 (State Machine):
//   PENDING
//      ↓ UpdateTask(progress ∈ (0,100))
//   IN_PROGRESS
//      ↓ CompleteTask() / FailTask()
//   COMPLETED / FAILED
//
//   另有正交的 → TIMEOUT：GetTaskStatus() 讀取時發現 now > timeoutAt 才轉換，
//   不使用背景計時器。
//
// 規則:
//   - 所有轉換皆為單向；終止狀態的任務不可再被修改
//   - 同一個 subject 同時最多只有一個非終止任務（CreateTask 冪等）
//   - progress 在非終止狀態下只增不減
//
// 實作:
//   - MemoryStore  : 單一 map + subject 索引（測試、單機）
//   - JournalStore : MemoryStore + WAL 持久化，重啟時重放
//   - PostgresStore: lib/pq，多個執行個體共用
//
// ============================================================================

package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 任務已是終止狀態，不接受修改
	ErrTaskTerminal = errors.New("task is in a terminal state")
	// 不認得的狀態值
	ErrInvalidStatus = errors.New("invalid task status")
	// 狀態不能往回走
	ErrInvalidTransition = errors.New("invalid task status transition")
	// subject 不可為空
	ErrEmptySubject = errors.New("subject id is required")
)

// ============================================================================
// 儲存契約
// ============================================================================

// Store 任務儲存介面，所有寫入都以 taskID 為鍵
type Store interface {
	// CreateTask 若 subject 已有非終止任務則回傳其 ID，否則建立新的 PENDING 任務
	CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error)
	// UpdateTask 合併部分欄位並刷新 updatedAt
	UpdateTask(ctx context.Context, id types.TaskID, patch types.TaskPatch) (types.Task, error)
	// CompleteTask 標記完成；已完成時為 no-op
	CompleteTask(ctx context.Context, id types.TaskID, result map[string]interface{}) (types.Task, error)
	// FailTask 標記失敗；不會自動重試
	FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error)
	// GetTask 讀取原始紀錄，不做逾時檢查
	GetTask(ctx context.Context, id types.TaskID) (types.Task, error)
	// GetTaskStatus 先做逾時檢查再回傳
	GetTaskStatus(ctx context.Context, id types.TaskID) (types.Task, error)
	// ListTasks 依狀態、subject、建立時間區間查詢，依建立時間排序
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	// Ping 檢查儲存是否可用
	Ping(ctx context.Context) error
	Close() error
}

// Options 各實作共用的設定
type Options struct {
	Clock          func() time.Time    // 時間來源，測試時注入
	DefaultTimeout time.Duration       // >0 時新任務會帶 timeoutAt
	NewID          func() types.TaskID // ID 產生器
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() types.TaskID { return types.TaskID(uuid.NewString()) }
	}
	return o
}

// ============================================================================
// 共用狀態轉換
// ============================================================================

// EvaluateTimeout 純函式：非終止任務在 now 超過 timeoutAt 時應轉為 TIMEOUT
func EvaluateTimeout(now time.Time, timeoutAt *int64, status types.TaskStatus) bool {
	if timeoutAt == nil || status.IsTerminal() {
		return false
	}
	return now.UnixMilli() > *timeoutAt
}

func newTask(opts Options, subjectID, provider string, options map[string]interface{}) types.Task {
	now := opts.Clock()
	nowMs := now.UnixMilli()
	t := types.Task{
		ID:        opts.NewID(),
		SubjectID: subjectID,
		Status:    types.StatusPending,
		Message:   "queued",
		Provider:  provider,
		Options:   options,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
	if opts.DefaultTimeout > 0 {
		deadline := now.Add(opts.DefaultTimeout).UnixMilli()
		t.TimeoutAt = &deadline
	}
	return t.Clone()
}

// applyPatch 將 patch 合併到 t；呼叫端負責傳入副本
//
// 狀態只能往前：不能回到 PENDING；指定終止狀態時改走
// applyComplete / applyFail / applyTimeout 的規則。
func applyPatch(t *types.Task, p types.TaskPatch, nowMs int64) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, t.ID, t.Status)
	}

	if p.Status != nil {
		if !p.Status.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
		}
		if *p.Status == types.StatusPending && t.Status != types.StatusPending {
			return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, t.ID, t.Status, *p.Status)
		}
		if *p.Status == types.StatusFailed && (p.Error == nil || *p.Error == "") {
			return fmt.Errorf("%w: %s cannot fail without an error", ErrInvalidTransition, t.ID)
		}
	}

	if p.Progress != nil {
		v := clampProgress(*p.Progress)
		// 非終止狀態下 progress 只增不減
		if v > t.Progress {
			t.Progress = v
		}
		if p.Status == nil && v > 0 && v < 100 && t.Status == types.StatusPending {
			t.Status = types.StatusInProgress
		}
	}

	if p.Message != nil {
		t.Message = *p.Message
	}
	if p.Attempts != nil {
		t.Attempts = *p.Attempts
	}
	if p.TimeoutAt != nil {
		v := *p.TimeoutAt
		t.TimeoutAt = &v
	}
	if p.Provider != nil {
		t.Provider = *p.Provider
	}
	if p.Options != nil {
		t.Options = p.Options
	}

	if p.Status == nil {
		if p.Result != nil {
			t.Result = p.Result
		}
		if p.Error != nil {
			t.Error = *p.Error
		}
		t.UpdatedAt = nowMs
		return nil
	}

	switch *p.Status {
	case types.StatusCompleted:
		result := p.Result
		if result == nil {
			result = t.Result
		}
		_, err := applyComplete(t, result, nowMs)
		return err
	case types.StatusFailed:
		_, err := applyFail(t, *p.Error, nowMs)
		return err
	case types.StatusTimeout:
		applyTimeout(t, nowMs)
		return nil
	}

	t.Status = *p.Status
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	t.UpdatedAt = nowMs
	return nil
}

// applyComplete 回傳 changed=false 代表已經完成（冪等）
func applyComplete(t *types.Task, result map[string]interface{}, nowMs int64) (bool, error) {
	if t.Status == types.StatusCompleted {
		return false, nil
	}
	if t.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, t.ID, t.Status)
	}
	t.Status = types.StatusCompleted
	t.Progress = 100
	t.Result = result
	t.Error = ""
	t.Message = "completed"
	t.CompletedAt = &nowMs
	t.UpdatedAt = nowMs
	return true, nil
}

func applyFail(t *types.Task, reason string, nowMs int64) (bool, error) {
	if t.Status == types.StatusFailed {
		return false, nil
	}
	if t.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, t.ID, t.Status)
	}
	t.Status = types.StatusFailed
	t.Error = reason
	t.Message = "failed"
	t.Result = nil
	t.FailedAt = &nowMs
	t.UpdatedAt = nowMs
	return true, nil
}

func applyTimeout(t *types.Task, nowMs int64) {
	t.Status = types.StatusTimeout
	t.Error = "deadline exceeded"
	t.Message = "timed out"
	t.FailedAt = &nowMs
	t.UpdatedAt = nowMs
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
