package procstate

// ============================================================================
// FileStore 測試
// 職責：驗證狀態文件的原子寫入、首次啟動、版本驗證與備份輪替
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(block uint64) types.ProcessState {
	state := types.NewProcessState()
	state.LastProcessedBlock = block
	state.MarkProcessed("1")
	state.MarkProcessed("2")
	state.Enqueue(types.PendingRef{SubjectID: "3", TaskID: "t3", BlockNumber: block, EnqueuedAt: 1000})
	state.Enqueue(types.PendingRef{SubjectID: "4", TaskID: "t4", BlockNumber: block, EnqueuedAt: 1001, Attempts: 1, LastError: "rate limited"})
	return state
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	store.clock = func() time.Time { return time.UnixMilli(5000) }

	original := sampleState(120)
	require.NoError(t, store.Save(ctx, original))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), loaded.LastProcessedBlock)
	assert.Equal(t, int64(5000), loaded.UpdatedAt)
	assert.True(t, loaded.IsProcessed("1"))
	assert.True(t, loaded.IsProcessed("2"))
	require.Len(t, loaded.PendingTasks, 2)
	assert.Equal(t, types.TaskID("t3"), loaded.PendingTasks[0].TaskID, "queue order is preserved")
	assert.Equal(t, "rate limited", loaded.PendingTasks[1].LastError)
}

func TestFirstBoot(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), 0)
	assert.False(t, store.Exists())

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStateSchemaVersion, state.SchemaVer)
	assert.Equal(t, uint64(0), state.LastProcessedBlock)
	assert.NotNil(t, state.ProcessedSubjects)
	assert.Empty(t, state.PendingTasks)
}

func TestSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	store := NewFileStore(path, 0)
	require.NoError(t, store.Save(context.Background(), types.NewProcessState()))
	assert.True(t, store.Exists())
	assert.Equal(t, path, store.Path())
}

// TestAtomicSave 並發讀寫時只會讀到完整的文件
func TestAtomicSave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, 0)
	require.NoError(t, store.Save(ctx, sampleState(50)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Save(ctx, sampleState(100)))
	}()

	var loaded types.ProcessState
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		state, err := store.Load(ctx)
		assert.NoError(t, err)
		loaded = state
	}()
	wg.Wait()

	assert.True(t, loaded.LastProcessedBlock == 50 || loaded.LastProcessedBlock == 100,
		"should load either the old or the new document, got %d", loaded.LastProcessedBlock)
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after save")
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "corrupted json",
			content: `{"schema_ver": 1, "last_processed_block": `,
			wantErr: ErrCorruptedState,
		},
		{
			name:    "future schema version",
			content: `{"schema_ver": 2, "last_processed_block": 3, "processed_subjects": [], "pending_tasks": []}`,
			wantErr: ErrIncompatibleVersion,
		},
		{
			name:    "missing schema version",
			content: `{"last_processed_block": 3}`,
			wantErr: ErrIncompatibleVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := NewFileStore(path, 0).Load(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadFillsNilCollections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "last_processed_block": 9}`), 0644))

	state, err := NewFileStore(path, 0).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), state.LastProcessedBlock)
	assert.NotNil(t, state.ProcessedSubjects)
	assert.NotNil(t, state.PendingTasks)
}

// ============================================================================
// 備份
// ============================================================================

func TestBackupRotation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, 2)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return now }

	for block := uint64(1); block <= 4; block++ {
		require.NoError(t, store.Save(ctx, sampleState(block)))
		now = now.Add(time.Second)
	}

	backups, err := store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2, "only the newest backups are kept")

	// 最新的備份是第 3 次寫入的內容
	backupStore := NewFileStore(backups[1], 0)
	prev, err := backupStore.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), prev.LastProcessedBlock)

	current, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), current.LastProcessedBlock)
}
