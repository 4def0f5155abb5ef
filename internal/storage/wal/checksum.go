package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq + Type + TaskID + Record；不包含 Timestamp
func CalculateChecksum(eventType EventType, taskID string, seq uint64, record []byte) uint32 {
	h := crc32.NewIEEE()

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write(record)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	expected := CalculateChecksum(event.Type, string(event.TaskID), event.Seq, event.Record)
	return event.Checksum == expected
}
