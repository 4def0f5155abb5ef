package taskstore

// ============================================================================
// JournalStore - WAL 持久化的任務儲存
// ============================================================================
//
// 開啟流程:
//   1. 開啟 WAL 檔案
//   2. Replay() - 依序套用每筆紀錄（同一 TaskID 後寫者勝）
//   3. 之後的每次變更都先寫 WAL（強制 fsync）再更新記憶體
//
// 行程在 append 途中被終止時，最後一筆紀錄可能只寫了一半；
// Replay 會截掉它（那次變更從未回報成功）並記錄警告。
//
// 壓縮:
//   Compact() 旋轉 WAL，只重新寫入每個任務的最新紀錄，成功後刪除備份；
//   重寫經過 WAL buffer，每 compactBatchSize 筆 fsync 一次
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/mint-forge/internal/storage/wal"
	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// compactBatchSize 壓縮時每批 fsync 的紀錄數；一般變更一律強制寫入
const compactBatchSize = 64

// JournalStore MemoryStore + WAL
type JournalStore struct {
	*MemoryStore
	wal    *wal.WAL
	logger *slog.Logger
}

// OpenJournalStore 開啟（或建立）journal 並重放
func OpenJournalStore(path string, opts Options, logger *slog.Logger) (*JournalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := wal.NewWAL(path, compactBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open task journal: %w", err)
	}

	mem := NewMemoryStore(opts)
	replayed := 0
	err = w.Replay(func(event wal.Event) error {
		task, err := event.Task()
		if err != nil {
			return fmt.Errorf("decode record seq=%d: %w", event.Seq, err)
		}
		mem.putLocked(task)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay task journal: %w", err)
	}

	if torn := w.TruncatedTail(); torn > 0 {
		logger.Warn("Discarded incomplete record at end of task journal",
			"path", path,
			"bytes", torn)
	}

	logger.Info("Task journal replayed",
		"path", path,
		"events", replayed,
		"tasks", len(mem.tasks))

	store := &JournalStore{MemoryStore: mem, wal: w, logger: logger}
	mem.journal = func(eventType wal.EventType, task types.Task) error {
		return w.Append(eventType, task, true)
	}
	return store, nil
}

// Compact 旋轉 WAL 並只保留每個任務的最新紀錄
func (s *JournalStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records()

	backup, err := s.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate task journal: %w", err)
	}

	for _, task := range records {
		if err := s.wal.Append(wal.EventCompact, task, false); err != nil {
			return fmt.Errorf("failed to rewrite task %s (backup kept at %s): %w", task.ID, backup, err)
		}
	}
	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("failed to flush compacted journal (backup kept at %s): %w", backup, err)
	}

	if err := os.Remove(backup); err != nil {
		s.logger.Warn("Failed to remove journal backup", "path", backup, "error", err)
	}

	s.logger.Info("Task journal compacted", "tasks", len(records))
	return nil
}

// Ping 檢查 WAL 是否仍可寫入
func (s *JournalStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.wal.Path()); err != nil {
		return fmt.Errorf("task journal unavailable: %w", err)
	}
	return nil
}

// Close 關閉 WAL
func (s *JournalStore) Close() error {
	return s.wal.Close()
}
