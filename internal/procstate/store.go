// ============================================================================
// mint-forge 處理狀態儲存
// ============================================================================
//
// Package: internal/procstate
//
// 處理狀態是單一文件：掃描游標、已處理 subject 集合、待處理佇列。
// 每次執行開始時整份載入，結束時整份寫回，沒有欄位層級的更新。
//
// 實作:
//   - FileStore    : JSON 檔案，temp file + rename 原子寫入
//   - PostgresStore: process_state 單列 JSONB upsert
//
// 文件不存在時回傳空狀態（首次啟動）。
// ============================================================================

package procstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/mint-forge/pkg/types"
)

var (
	ErrCorruptedState      = errors.New("process state document is corrupted")
	ErrIncompatibleVersion = errors.New("process state schema version is incompatible")
)

// StateStore 處理狀態的讀寫介面
type StateStore interface {
	Load(ctx context.Context) (types.ProcessState, error)
	Save(ctx context.Context, state types.ProcessState) error
}

// decode 驗證版本並補齊 nil 欄位
func decode(raw []byte, unmarshal func([]byte, interface{}) error) (types.ProcessState, error) {
	var state types.ProcessState
	if err := unmarshal(raw, &state); err != nil {
		return types.ProcessState{}, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if state.SchemaVer != types.ProcessStateSchemaVersion {
		return types.ProcessState{}, fmt.Errorf("%w: got %d, want %d",
			ErrIncompatibleVersion, state.SchemaVer, types.ProcessStateSchemaVersion)
	}
	if state.ProcessedSubjects == nil {
		state.ProcessedSubjects = make(types.SubjectSet)
	}
	if state.PendingTasks == nil {
		state.PendingTasks = make([]types.PendingRef, 0)
	}
	return state, nil
}
