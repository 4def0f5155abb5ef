package scanner

// ============================================================================
// 上游事件解析
// ============================================================================
//
// 上游事件是未經驗證的 JSON。ParseEvent 在邊界把它轉成嚴格的 types.Event，
// 不合法的內容回傳 *ParseError，由掃描器記錄後跳過。
//
// 可接受的欄位：
//   subjectId   字串或整數（必填）
//   blockNumber 整數、十進位字串或 0x 十六進位字串（必填，> 0）
//   requester   字串
//   txHash      字串
//   logIndex    整數
//   provider    字串
//   options     物件
//   force       布林
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// RawEvent 上游回傳的原始事件
type RawEvent = json.RawMessage

// ParseError 單一事件無法解析
type ParseError struct {
	Field  string
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event field %q: %s", e.Field, e.Reason)
}

type rawEvent struct {
	SubjectID   json.RawMessage        `json:"subjectId"`
	BlockNumber json.RawMessage        `json:"blockNumber"`
	Requester   string                 `json:"requester"`
	TxHash      string                 `json:"txHash"`
	LogIndex    uint                   `json:"logIndex"`
	Provider    string                 `json:"provider"`
	Options     map[string]interface{} `json:"options"`
	Force       bool                   `json:"force"`
}

// ParseEvent 驗證並轉換單一事件
func ParseEvent(raw RawEvent) (types.Event, error) {
	var r rawEvent
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.Event{}, &ParseError{Reason: err.Error(), Raw: truncate(raw)}
	}

	subject, err := parseSubject(r.SubjectID)
	if err != nil {
		return types.Event{}, &ParseError{Field: "subjectId", Reason: err.Error(), Raw: truncate(raw)}
	}

	block, err := parseBlock(r.BlockNumber)
	if err != nil {
		return types.Event{}, &ParseError{Field: "blockNumber", Reason: err.Error(), Raw: truncate(raw)}
	}

	return types.Event{
		SubjectID:   subject,
		Requester:   r.Requester,
		BlockNumber: block,
		TxHash:      r.TxHash,
		LogIndex:    r.LogIndex,
		Provider:    strings.TrimSpace(r.Provider),
		Options:     r.Options,
		Force:       r.Force,
	}, nil
}

// BlockOf 只讀取 blockNumber，供事件來源做範圍過濾
func BlockOf(raw RawEvent) (uint64, error) {
	var r struct {
		BlockNumber json.RawMessage `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, err
	}
	return parseBlock(r.BlockNumber)
}

func parseSubject(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", errors.New("missing")
	}

	var s string
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", fmt.Errorf("must be a string or integer")
		}
		if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
			return "", fmt.Errorf("must be a non-negative integer, got %s", n)
		}
		s = n.String()
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty")
	}
	return s, nil
}

func parseBlock(v json.RawMessage) (uint64, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return 0, errors.New("missing")
	}

	var text string
	if v[0] == '"' {
		if err := json.Unmarshal(v, &text); err != nil {
			return 0, err
		}
	} else {
		text = string(v)
	}
	text = strings.TrimSpace(text)

	var (
		block uint64
		err   error
	)
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		block, err = strconv.ParseUint(text[2:], 16, 64)
	} else {
		block, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("not a block number: %q", text)
	}
	if block == 0 {
		return 0, errors.New("must be greater than zero")
	}
	return block, nil
}

func truncate(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
