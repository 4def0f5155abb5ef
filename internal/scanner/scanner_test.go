package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeSource struct {
	head     uint64
	events   map[uint64][]RawEvent
	headErr  error
	eventErr error
	queries  [][2]uint64
}

func (f *fakeSource) Head(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeSource) Events(ctx context.Context, from, to uint64) ([]RawEvent, error) {
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.eventErr != nil {
		return nil, f.eventErr
	}
	var out []RawEvent
	for b := from; b <= to; b++ {
		out = append(out, f.events[b]...)
	}
	return out, nil
}

func (f *fakeSource) add(block uint64, subject string, extra string) {
	if f.events == nil {
		f.events = make(map[uint64][]RawEvent)
	}
	raw := fmt.Sprintf(`{"subjectId":%q,"blockNumber":%d,"requester":"0xabc"%s}`, subject, block, extra)
	f.events[block] = append(f.events[block], RawEvent(raw))
}

type failingCreator struct{}

func (failingCreator) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	return "", errors.New("connection refused")
}

func newTestScanner(src EventSource, opts Options) (*Scanner, *taskstore.MemoryStore) {
	store := taskstore.NewMemoryStore(taskstore.Options{})
	return New(src, store, opts, nil), store
}

// ============================================================================
// Scan
// ============================================================================

func TestScanCreatesTasksAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{head: 20}
	src.add(12, "1", "")
	src.add(15, "2", `,"provider":"svg","options":{"style":"pixel"}`)

	s, store := newTestScanner(src, Options{DefaultProvider: "default"})
	state := types.NewProcessState()
	state.LastProcessedBlock = 10

	res, err := s.Scan(ctx, &state)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), res.FromBlock)
	assert.Equal(t, uint64(20), res.ToBlock)
	assert.Equal(t, 2, res.EventsFound)
	assert.Equal(t, 2, res.TasksCreated)
	assert.Equal(t, uint64(20), state.LastProcessedBlock)
	require.Len(t, state.PendingTasks, 2)
	assert.Equal(t, [][2]uint64{{11, 20}}, src.queries)

	first, err := store.GetTask(ctx, state.PendingTasks[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, "1", first.SubjectID)
	assert.Equal(t, "default", first.Provider)

	second, err := store.GetTask(ctx, state.PendingTasks[1].TaskID)
	require.NoError(t, err)
	assert.Equal(t, "svg", second.Provider)
	assert.Equal(t, "pixel", second.Options["style"])
	assert.Equal(t, "0xabc", state.PendingTasks[1].Requester)
	assert.Equal(t, uint64(15), state.PendingTasks[1].BlockNumber)
}

func TestScanEmptyRangeStillAdvancesCursor(t *testing.T) {
	src := &fakeSource{head: 50}
	s, _ := newTestScanner(src, Options{})
	state := types.NewProcessState()
	state.LastProcessedBlock = 40

	res, err := s.Scan(context.Background(), &state)
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsFound)
	assert.Equal(t, uint64(50), state.LastProcessedBlock)
}

func TestScanNoNewBlocks(t *testing.T) {
	src := &fakeSource{head: 40}
	s, _ := newTestScanner(src, Options{})
	state := types.NewProcessState()
	state.LastProcessedBlock = 40

	_, err := s.Scan(context.Background(), &state)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), state.LastProcessedBlock)
	assert.Empty(t, src.queries, "no query when the head has not moved")
}

func TestScanSkipsProcessedSubjectsUnlessForced(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{head: 5}
	src.add(2, "1", "")
	src.add(3, "2", `,"force":true`)

	s, _ := newTestScanner(src, Options{})
	state := types.NewProcessState()
	state.MarkProcessed("1")
	state.MarkProcessed("2")

	res, err := s.Scan(ctx, &state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Forced)
	assert.Equal(t, 1, res.TasksCreated)
	require.Len(t, state.PendingTasks, 1)
	assert.Equal(t, "2", state.PendingTasks[0].SubjectID)
	assert.False(t, state.IsProcessed("2"), "forced subject is unmarked")
	assert.True(t, state.IsProcessed("1"))
}

func TestScanParseErrorsDoNotAbort(t *testing.T) {
	src := &fakeSource{head: 9, events: map[uint64][]RawEvent{
		4: {RawEvent(`{"blockNumber":4}`), RawEvent(`not json`)},
	}}
	src.add(5, "7", "")

	s, _ := newTestScanner(src, Options{})
	state := types.NewProcessState()

	res, err := s.Scan(context.Background(), &state)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ParseErrors)
	assert.Equal(t, 1, res.TasksCreated)
	assert.Equal(t, uint64(9), state.LastProcessedBlock)
}

func TestScanDuplicateSubjectReusesLiveTask(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{head: 10}
	src.add(3, "42", "")
	src.add(4, "42", "")

	s, store := newTestScanner(src, Options{})
	state := types.NewProcessState()

	res, err := s.Scan(ctx, &state)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsFound)
	assert.Equal(t, 1, res.TasksCreated)
	assert.Len(t, state.PendingTasks, 1)

	all, _ := store.ListTasks(ctx, types.TaskFilter{SubjectID: "42"})
	assert.Len(t, all, 1)
}

func TestScanConfirmationsAndRangeCap(t *testing.T) {
	src := &fakeSource{head: 100}
	s, _ := newTestScanner(src, Options{Confirmations: 10, MaxBlockRange: 25, StartBlock: 30})
	state := types.NewProcessState()

	res, err := s.Scan(context.Background(), &state)
	require.NoError(t, err)
	assert.Equal(t, uint64(31), res.FromBlock)
	assert.Equal(t, uint64(55), res.ToBlock)
	assert.Equal(t, uint64(55), state.LastProcessedBlock)

	_, err = s.Scan(context.Background(), &state)
	require.NoError(t, err)
	_, err = s.Scan(context.Background(), &state)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), state.LastProcessedBlock, "capped by head minus confirmations")
	assert.Equal(t, [][2]uint64{{31, 55}, {56, 80}, {81, 90}}, src.queries)
}

func TestScanInfrastructureErrorsKeepCursor(t *testing.T) {
	tests := []struct {
		name    string
		src     *fakeSource
		creator TaskCreator
	}{
		{
			name:    "head unavailable",
			src:     &fakeSource{headErr: errors.New("timeout")},
			creator: taskstore.NewMemoryStore(taskstore.Options{}),
		},
		{
			name:    "events unavailable",
			src:     &fakeSource{head: 30, eventErr: errors.New("502")},
			creator: taskstore.NewMemoryStore(taskstore.Options{}),
		},
		{
			name:    "task store unavailable",
			src:     func() *fakeSource { f := &fakeSource{head: 30}; f.add(25, "1", ""); return f }(),
			creator: failingCreator{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.src, tt.creator, Options{}, nil)
			state := types.NewProcessState()
			state.LastProcessedBlock = 20

			_, err := s.Scan(context.Background(), &state)
			require.Error(t, err)
			assert.Equal(t, uint64(20), state.LastProcessedBlock)
		})
	}
}

func TestScanSourceErrorsAreTyped(t *testing.T) {
	s, _ := newTestScanner(&fakeSource{headErr: errors.New("dial")}, Options{})
	state := types.NewProcessState()
	_, err := s.Scan(context.Background(), &state)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
