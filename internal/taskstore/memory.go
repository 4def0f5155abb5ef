package taskstore

// ============================================================================
// MemoryStore - 記憶體任務儲存
// ============================================================================
//
// 數據結構:
//   tasks map[TaskID]*Task   - 主存儲（單一真實來源）
//   live  map[subject]TaskID - 每個 subject 目前的非終止任務
//
// 寫入前會先呼叫 journal（若有設定），journal 失敗時記憶體狀態不變，
// 等同 WAL 的 write-ahead 語意。
//
// 並發安全: sync.RWMutex 保護所有欄位
// ============================================================================

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/mint-forge/internal/storage/wal"
	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// journalFunc 在變更生效前寫入持久化紀錄
type journalFunc func(eventType wal.EventType, task types.Task) error

// MemoryStore 以 map 保存任務的 Store 實作
type MemoryStore struct {
	mu      sync.RWMutex
	opts    Options
	tasks   map[types.TaskID]*types.Task
	live    map[string]types.TaskID
	journal journalFunc
}

// NewMemoryStore 建立記憶體任務儲存
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.withDefaults(),
		tasks: make(map[types.TaskID]*types.Task),
		live:  make(map[string]types.TaskID),
	}
}

// CreateTask 冪等建立任務
func (m *MemoryStore) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	if subjectID == "" {
		return "", ErrEmptySubject
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.live[subjectID]; ok {
		existing := m.tasks[id]
		now := m.opts.Clock()
		if !EvaluateTimeout(now, existing.TimeoutAt, existing.Status) {
			return id, nil
		}
		// 既有任務已逾時：先轉為 TIMEOUT 再建立新任務
		expired := existing.Clone()
		applyTimeout(&expired, now.UnixMilli())
		if err := m.commitLocked(wal.EventTimeout, expired); err != nil {
			return "", err
		}
	}

	task := newTask(m.opts, subjectID, provider, options)
	if _, exists := m.tasks[task.ID]; exists {
		return "", fmt.Errorf("duplicate task id %s", task.ID)
	}
	if err := m.commitLocked(wal.EventCreate, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// UpdateTask 合併部分欄位
func (m *MemoryStore) UpdateTask(ctx context.Context, id types.TaskID, patch types.TaskPatch) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	next := current.Clone()
	if err := applyPatch(&next, patch, m.opts.Clock().UnixMilli()); err != nil {
		return current.Clone(), err
	}
	if err := m.commitLocked(wal.EventUpdate, next); err != nil {
		return current.Clone(), err
	}
	return next.Clone(), nil
}

// CompleteTask 標記完成
func (m *MemoryStore) CompleteTask(ctx context.Context, id types.TaskID, result map[string]interface{}) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	next := current.Clone()
	changed, err := applyComplete(&next, result, m.opts.Clock().UnixMilli())
	if err != nil || !changed {
		return current.Clone(), err
	}
	if err := m.commitLocked(wal.EventComplete, next); err != nil {
		return current.Clone(), err
	}
	return next.Clone(), nil
}

// FailTask 標記失敗
func (m *MemoryStore) FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	next := current.Clone()
	changed, err := applyFail(&next, reason, m.opts.Clock().UnixMilli())
	if err != nil || !changed {
		return current.Clone(), err
	}
	if err := m.commitLocked(wal.EventFail, next); err != nil {
		return current.Clone(), err
	}
	return next.Clone(), nil
}

// GetTask 讀取原始紀錄
func (m *MemoryStore) GetTask(ctx context.Context, id types.TaskID) (types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// GetTaskStatus 讀取時順便做逾時轉換
func (m *MemoryStore) GetTaskStatus(ctx context.Context, id types.TaskID) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	now := m.opts.Clock()
	if !EvaluateTimeout(now, current.TimeoutAt, current.Status) {
		return current.Clone(), nil
	}

	next := current.Clone()
	applyTimeout(&next, now.UnixMilli())
	if err := m.commitLocked(wal.EventTimeout, next); err != nil {
		return types.Task{}, err
	}
	return next.Clone(), nil
}

// ListTasks 依條件查詢，依建立時間排序
func (m *MemoryStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Task, 0)
	for _, task := range m.tasks {
		if filter.Match(*task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Ping 記憶體儲存永遠可用
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 無資源需要釋放
func (m *MemoryStore) Close() error {
	return nil
}

// Stats 取得各狀態任務的統計資訊
func (m *MemoryStore) Stats() map[types.TaskStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[types.TaskStatus]int)
	for _, task := range m.tasks {
		stats[task.Status]++
	}
	return stats
}

// ============================================================================
// 內部方法
// ============================================================================

// commitLocked 先寫 journal 再更新記憶體；呼叫端須持有寫鎖
func (m *MemoryStore) commitLocked(eventType wal.EventType, task types.Task) error {
	if m.journal != nil {
		if err := m.journal(eventType, task); err != nil {
			return fmt.Errorf("journal %s for %s: %w", eventType, task.ID, err)
		}
	}
	m.putLocked(task)
	return nil
}

// putLocked 寫入紀錄並維護 subject 索引
func (m *MemoryStore) putLocked(task types.Task) {
	stored := task.Clone()
	m.tasks[task.ID] = &stored

	if task.Status.IsTerminal() {
		if m.live[task.SubjectID] == task.ID {
			delete(m.live, task.SubjectID)
		}
		return
	}
	m.live[task.SubjectID] = task.ID
}

// records 回傳所有紀錄的副本，用於 journal 壓縮
func (m *MemoryStore) records() []types.Task {
	out := make([]types.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
