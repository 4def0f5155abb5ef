// Package types 定義了 mint-forge 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"sort"
)

// TaskID 任務唯一識別碼
type TaskID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusPending    TaskStatus = "PENDING"     // 待處理：任務已建立但尚未開始生成
	StatusInProgress TaskStatus = "IN_PROGRESS" // 執行中：生成流程已回報進度
	StatusCompleted  TaskStatus = "COMPLETED"   // 完成：已登記上鏈，result 已寫入
	StatusFailed     TaskStatus = "FAILED"      // 失敗：某個階段回報了不可重試的錯誤
	StatusTimeout    TaskStatus = "TIMEOUT"     // 逾時：讀取時發現已超過 timeoutAt
)

var validStatuses = map[TaskStatus]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusTimeout:    true,
}

// IsValid 檢查狀態是否為已知的值
func (s TaskStatus) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal 終止狀態之後不會再有任何轉換
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Task 任務結構，代表一次完整的藏品生成工作
type Task struct {
	// 識別
	ID        TaskID `json:"id"`         // 任務唯一識別碼（建立後不可變）
	SubjectID string `json:"subject_id"` // 生成目標（token 編號），同一個 subject 可以有多個歷史任務

	// 狀態追蹤
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`          // 0-100，非終止狀態下只增不減
	Message  string     `json:"message,omitempty"` // 給人看的說明文字
	Attempts int        `json:"attempts"`          // 生成流程被執行的次數

	// 結果
	Result map[string]interface{} `json:"result,omitempty"` // 只在 COMPLETED 時設定
	Error  string                 `json:"error,omitempty"`  // 只在 FAILED/TIMEOUT 時設定

	// 生成參數
	Provider string                 `json:"provider"`
	Options  map[string]interface{} `json:"options,omitempty"`

	// 時間管理（Unix 毫秒）
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	TimeoutAt   *int64 `json:"timeout_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	FailedAt    *int64 `json:"failed_at,omitempty"`
}

// Clone 回傳一份不與原任務共用 map 或指標的副本
func (t Task) Clone() Task {
	c := t
	c.Result = cloneMap(t.Result)
	c.Options = cloneMap(t.Options)
	c.TimeoutAt = cloneInt64(t.TimeoutAt)
	c.CompletedAt = cloneInt64(t.CompletedAt)
	c.FailedAt = cloneInt64(t.FailedAt)
	return c
}

// TaskView 輪詢端使用的精簡視圖
type TaskView struct {
	TaskID    TaskID                 `json:"taskId"`
	Status    TaskStatus             `json:"status"`
	Progress  int                    `json:"progress"`
	Message   string                 `json:"message,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	UpdatedAt int64                  `json:"updatedAt"`
}

// View 產生精簡視圖
func (t Task) View() TaskView {
	return TaskView{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Result:    cloneMap(t.Result),
		UpdatedAt: t.UpdatedAt,
	}
}

// TaskPatch 部分更新；nil 欄位代表不變
type TaskPatch struct {
	Status    *TaskStatus
	Progress  *int
	Message   *string
	Attempts  *int
	Result    map[string]interface{}
	Error     *string
	TimeoutAt *int64
	Provider  *string
	Options   map[string]interface{}
}

// TaskFilter 任務查詢條件，零值欄位不參與過濾
type TaskFilter struct {
	Status        TaskStatus
	SubjectID     string
	CreatedAfter  int64 // Unix 毫秒（含）
	CreatedBefore int64 // Unix 毫秒（不含）
	Limit         int
}

// Match 檢查任務是否符合條件
func (f TaskFilter) Match(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.SubjectID != "" && t.SubjectID != f.SubjectID {
		return false
	}
	if f.CreatedAfter > 0 && t.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && t.CreatedAt >= f.CreatedBefore {
		return false
	}
	return true
}

// Event 上游（鏈上）事件解析後的強型別表示
type Event struct {
	SubjectID   string                 `json:"subject_id"`
	Requester   string                 `json:"requester"`
	BlockNumber uint64                 `json:"block_number"`
	TxHash      string                 `json:"tx_hash,omitempty"`
	LogIndex    uint                   `json:"log_index"`
	Provider    string                 `json:"provider,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Force       bool                   `json:"force,omitempty"` // 強制重新生成，忽略 processedSubjects
}

// PendingRef 待處理佇列中的輕量任務參照
type PendingRef struct {
	SubjectID     string `json:"subject_id"`
	TaskID        TaskID `json:"task_id"`
	Requester     string `json:"requester,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	EnqueuedAt    int64  `json:"enqueued_at"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// ProcessStateSchemaVersion 目前的狀態文件格式版本
const ProcessStateSchemaVersion = 1

// ProcessState 掃描器游標與待處理佇列，每次執行整份讀入、整份寫回
type ProcessState struct {
	SchemaVer          int          `json:"schema_ver"`
	LastProcessedBlock uint64       `json:"last_processed_block"`
	ProcessedSubjects  SubjectSet   `json:"processed_subjects"`
	PendingTasks       []PendingRef `json:"pending_tasks"`
	UpdatedAt          int64        `json:"updated_at"`
}

// NewProcessState 建立空的狀態文件
func NewProcessState() ProcessState {
	return ProcessState{
		SchemaVer:         ProcessStateSchemaVersion,
		ProcessedSubjects: make(SubjectSet),
		PendingTasks:      make([]PendingRef, 0),
	}
}

// IsProcessed 檢查 subject 是否已完整處理
func (s *ProcessState) IsProcessed(subjectID string) bool {
	_, ok := s.ProcessedSubjects[subjectID]
	return ok
}

// MarkProcessed 將 subject 加入已處理集合
func (s *ProcessState) MarkProcessed(subjectID string) {
	if s.ProcessedSubjects == nil {
		s.ProcessedSubjects = make(SubjectSet)
	}
	s.ProcessedSubjects[subjectID] = struct{}{}
}

// Unmark 從已處理集合移除（強制重新生成用）
func (s *ProcessState) Unmark(subjectID string) {
	delete(s.ProcessedSubjects, subjectID)
}

// Enqueue 加入待處理佇列；相同 taskID 已在佇列中則回傳 false
func (s *ProcessState) Enqueue(ref PendingRef) bool {
	for _, p := range s.PendingTasks {
		if p.TaskID == ref.TaskID {
			return false
		}
	}
	s.PendingTasks = append(s.PendingTasks, ref)
	return true
}

// RemovePending 從佇列移除指定任務
func (s *ProcessState) RemovePending(taskID TaskID) bool {
	for i, p := range s.PendingTasks {
		if p.TaskID == taskID {
			s.PendingTasks = append(s.PendingTasks[:i], s.PendingTasks[i+1:]...)
			return true
		}
	}
	return false
}

// FindPending 取得佇列中的任務參照
func (s *ProcessState) FindPending(taskID TaskID) (*PendingRef, bool) {
	for i := range s.PendingTasks {
		if s.PendingTasks[i].TaskID == taskID {
			return &s.PendingTasks[i], true
		}
	}
	return nil, false
}

// Clone 深拷貝狀態文件
func (s ProcessState) Clone() ProcessState {
	c := s
	c.ProcessedSubjects = make(SubjectSet, len(s.ProcessedSubjects))
	for k := range s.ProcessedSubjects {
		c.ProcessedSubjects[k] = struct{}{}
	}
	c.PendingTasks = append(make([]PendingRef, 0, len(s.PendingTasks)), s.PendingTasks...)
	return c
}

// SubjectSet 以排序後的 JSON 陣列序列化的集合
type SubjectSet map[string]struct{}

// MarshalJSON 輸出排序後的陣列，讓狀態文件的 diff 穩定
func (s SubjectSet) MarshalJSON() ([]byte, error) {
	list := make([]string, 0, len(s))
	for k := range s {
		list = append(list, k)
	}
	sort.Strings(list)
	return json.Marshal(list)
}

// UnmarshalJSON 從陣列還原集合
func (s *SubjectSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	set := make(SubjectSet, len(list))
	for _, k := range list {
		set[k] = struct{}{}
	}
	*s = set
	return nil
}

// CycleSummary 一次排程執行的結果摘要
type CycleSummary struct {
	NewEventsFound        int    `json:"newEventsFound"`
	NewTasksCreated       int    `json:"newTasksCreated"`
	TasksProcessed        int    `json:"tasksProcessed"`
	PendingTasksRemaining int    `json:"pendingTasksRemaining"`
	LastProcessedBlock    uint64 `json:"lastProcessedBlock"`
	ExecutionTimeMs       int64  `json:"executionTimeMs"`

	TasksCompleted int  `json:"tasksCompleted"`
	TasksFailed    int  `json:"tasksFailed"`
	TasksRetried   int  `json:"tasksRetried"`
	ParseErrors    int  `json:"parseErrors"`
	StoppedEarly   bool `json:"stoppedEarly"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
