package procstate

// ============================================================================
// FileStore - JSON 檔案處理狀態
// ============================================================================
//
// 寫入流程:
//   1. （可選）將目前的檔案複製為帶時間戳的備份，並清理過舊的備份
//   2. 寫入臨時檔案（.tmp）並 fsync
//   3. os.Rename 原子性替換原始檔案
//
// 讀取流程:
//   - 檔案不存在 → 空狀態
//   - JSON 無法解析 → ErrCorruptedState
//   - schema 版本不同 → ErrIncompatibleVersion
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// FileStore 以單一 JSON 檔保存處理狀態
type FileStore struct {
	path        string
	keepBackups int
	clock       func() time.Time
	mu          sync.Mutex
}

// NewFileStore keepBackups 為 0 時不保留備份
func NewFileStore(path string, keepBackups int) *FileStore {
	return &FileStore{
		path:        path,
		keepBackups: keepBackups,
		clock:       time.Now,
	}
}

// Load 讀取狀態文件
func (s *FileStore) Load(ctx context.Context) (types.ProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 首次啟動，無狀態文件
			return types.NewProcessState(), nil
		}
		return types.ProcessState{}, fmt.Errorf("failed to read process state: %w", err)
	}
	return decode(raw, json.Unmarshal)
}

// Save 原子性寫回整份狀態
func (s *FileStore) Save(ctx context.Context, state types.ProcessState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SchemaVer = types.ProcessStateSchemaVersion
	state.UpdatedAt = s.clock().UnixMilli()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal process state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	if s.keepBackups > 0 {
		if err := s.backupLocked(); err != nil {
			return err
		}
	}

	tmpPath := s.path + ".tmp"
	if err := writeFileSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp process state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename process state: %w", err)
	}
	return nil
}

// Exists 檢查狀態文件是否存在
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path 狀態文件路徑
func (s *FileStore) Path() string {
	return s.path
}

// Backups 依時間排序（舊到新）回傳現有備份
func (s *FileStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".bak.*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *FileStore) backupLocked() error {
	current, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read process state for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.bak.%s", s.path, s.clock().UTC().Format("20060102T150405.000000000"))
	if err := os.WriteFile(backupPath, current, 0644); err != nil {
		return fmt.Errorf("failed to back up process state: %w", err)
	}

	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for len(backups) > s.keepBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
