package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務紀錄到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復任務儲存
// 3. 支援日誌旋轉（壓縮後重新寫入存活紀錄）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// DefaultFlushInterval 未強制寫入的事件最多在 buffer 停留多久
const DefaultFlushInterval = time.Second

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	clock         func() time.Time

	truncated int64 // 最近一次 Replay 截掉的尾端位元組數
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, bufferSize int) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if lastEvent, err := GetLastEvent(path); err == nil {
			seq = lastEvent.Seq
		}
	}

	if bufferSize <= 0 {
		bufferSize = 1
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, bufferSize),
		bufferSize:    bufferSize,
		lastFlushTime: time.Now(),
		flushInterval: DefaultFlushInterval,
		clock:         time.Now,
	}, nil
}

// Append 追加一筆任務紀錄到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先放入 buffer，滿了、逾時或 isForceFlush 時寫入並 fsync
func (w *WAL) Append(eventType EventType, task types.Task, isForceFlush bool) error {
	record, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("wal: marshal task %s: %w", task.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		TaskID:    task.ID,
		Timestamp: w.clock().UnixMilli(),
		Record:    record,
	}
	event.Checksum = CalculateChecksum(eventType, string(task.ID), w.seq, record)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || len(w.buffer) >= w.bufferSize || w.clock().Sub(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
//   - 從頭讀取 WAL 檔案
//   - 驗證每個事件的 checksum
//   - 呼叫 handler 應用事件
//   - 最後一筆紀錄寫到一半（行程在 append 途中被終止）時，
//     截斷到最後一筆完整紀錄並繼續；TruncatedTail() 回報截掉的大小
//   - 其他解析錯誤或 checksum 不符立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.truncated = 0

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	var goodOffset int64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			// io.ErrUnexpectedEOF：檔案在紀錄中間結束，後面沒有其他資料
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return w.truncateTailLocked(goodOffset)
			}
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, string(event.TaskID), event.Seq, event.Record),
				Actual:   event.Checksum,
			}
		}

		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
		goodOffset = decoder.InputOffset()
	}

	return nil
}

// TruncatedTail 最近一次 Replay 截掉的不完整尾端大小（位元組）
func (w *WAL) TruncatedTail() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// Buffered 尚未寫入磁碟的事件數
func (w *WAL) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Rotate 旋轉日誌檔案，回傳備份檔路徑
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return "", err
	}

	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + w.clock().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.clock()

	return backupPath, nil
}

// Flush 將 buffer 中的事件寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if w.closed || len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.clock()
	return w.file.Sync()
}

// truncateTailLocked 丟棄 offset 之後的不完整紀錄
func (w *WAL) truncateTailLocked(offset int64) error {
	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if err := os.Truncate(w.path, offset); err != nil {
		return fmt.Errorf("wal: truncate torn tail at offset %d: %w", offset, err)
	}
	// 補回換行，之後的 append 仍是一行一筆
	if offset > 0 {
		if _, err := w.file.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.truncated = stat.Size() - offset
	return nil
}
