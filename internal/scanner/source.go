package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileSource 從 JSON 檔讀取事件的來源，供本機開發與測試使用
//
// 檔案格式可以是事件陣列，或 {"head": N, "events": [...]}。
// 未提供 head 時以事件中最大的 blockNumber 為準。
// 每次呼叫都重新讀檔，方便在執行期間追加事件。
type FileSource struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileSource 建立檔案事件來源
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

type fileDocument struct {
	Head   *uint64    `json:"head"`
	Events []RawEvent `json:"events"`
}

func (f *FileSource) Head(ctx context.Context) (uint64, error) {
	doc, err := f.load()
	if err != nil {
		return 0, err
	}
	if doc.Head != nil {
		return *doc.Head, nil
	}

	var head uint64
	for _, raw := range doc.Events {
		if block, err := BlockOf(raw); err == nil && block > head {
			head = block
		}
	}
	return head, nil
}

func (f *FileSource) Events(ctx context.Context, from, to uint64) ([]RawEvent, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}

	out := make([]RawEvent, 0)
	for _, raw := range doc.Events {
		block, err := BlockOf(raw)
		if err != nil {
			// 無法定位區塊的事件永遠不會落在任何查詢範圍內
			f.logger.Warn("Dropping event without a usable block number", "error", err)
			continue
		}
		if block >= from && block <= to {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (f *FileSource) load() (fileDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileDocument{}, nil
		}
		return fileDocument{}, fmt.Errorf("read events file: %w", err)
	}

	var doc fileDocument
	trimmed := firstNonSpace(data)
	switch trimmed {
	case '[':
		err = json.Unmarshal(data, &doc.Events)
	case '{':
		err = json.Unmarshal(data, &doc)
	case 0:
		return fileDocument{}, nil
	default:
		err = fmt.Errorf("unexpected leading character %q", trimmed)
	}
	if err != nil {
		return fileDocument{}, fmt.Errorf("parse events file %s: %w", f.path, err)
	}
	return doc, nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}
