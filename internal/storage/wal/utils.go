package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功解析的事件；
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		// io.EOF 或尾端損壞都停止，保留最後一個完整事件
		if err := decoder.Decode(&event); err != nil {
			break
		}
		e := event
		last = &e
	}

	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return count, &CorruptionError{Seq: event.Seq, Offset: decoder.InputOffset(), Cause: err}
		}
		count++
	}
	return count, nil
}
