package server

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"

	"github.com/ChuLiYu/mint-forge/internal/orchestrator"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeBackend struct {
	store    *taskstore.MemoryStore
	cycleErr error
}

func (f *fakeBackend) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	return f.store.CreateTask(ctx, subjectID, provider, options)
}

func (f *fakeBackend) GetTaskStatus(ctx context.Context, id types.TaskID, minimal bool) (interface{}, error) {
	task, err := f.store.GetTaskStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if minimal {
		return task.View(), nil
	}
	return task, nil
}

func (f *fakeBackend) RunCycle(ctx context.Context) (types.CycleSummary, error) {
	if f.cycleErr != nil {
		return types.CycleSummary{}, f.cycleErr
	}
	return types.CycleSummary{NewEventsFound: 1, LastProcessedBlock: 77}, nil
}

func startServer(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	Register(grpcServer, NewServer(backend, nil))
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

// ============================================================================
// Tests
// ============================================================================

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{store: taskstore.NewMemoryStore(taskstore.Options{})}
	client := startServer(t, backend)

	id, err := client.CreateTask(ctx, "12", "svg", map[string]interface{}{"palette": "tide"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := client.CreateTask(ctx, "12", "svg", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	full, err := client.GetTaskStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, "12", full["subject_id"])
	assert.Equal(t, "PENDING", full["status"])
	assert.Equal(t, map[string]interface{}{"palette": "tide"}, full["options"])

	view, err := client.GetTaskStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, string(id), view["taskId"])
	assert.NotContains(t, view, "subject_id")
}

func TestGetTaskStatusNotFound(t *testing.T) {
	client := startServer(t, &fakeBackend{store: taskstore.NewMemoryStore(taskstore.Options{})})

	_, err := client.GetTaskStatus(context.Background(), "missing", true)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	client := startServer(t, &fakeBackend{store: taskstore.NewMemoryStore(taskstore.Options{})})

	_, err := client.CreateTask(ctx, "", "", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetTaskStatus(ctx, "", false)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{store: taskstore.NewMemoryStore(taskstore.Options{})}
	client := startServer(t, backend)

	summary, err := client.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(77), summary["lastProcessedBlock"])

	backend.cycleErr = &orchestrator.InfraError{Op: "load process state", Err: errors.New("disk gone")}
	_, err = client.RunCycle(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	backend.cycleErr = errors.New("unexpected")
	_, err = client.RunCycle(ctx)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestStringField(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    string
		wantErr bool
	}{
		{"integral number", float64(7), "7", false},
		{"largest exact integer", float64(1 << 53), "9007199254740992", false},
		{"string", "abc", "abc", false},
		{"other types are empty", true, "", false},
		{"fractional number", 42.5, "", true},
		{"beyond exact range", float64(1<<53) * 4, "", true},
		{"not a number", math.NaN(), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stringField(map[string]interface{}{"subjectId": tt.value}, "subjectId")
			if tt.wantErr {
				assert.Equal(t, codes.InvalidArgument, status.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := stringField(nil, "subjectId")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestCreateTaskRejectsFractionalSubject(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemoryStore(taskstore.Options{})
	client := startServer(t, &fakeBackend{store: store})

	_, err := client.invoke(ctx, "CreateTask", map[string]interface{}{"subjectId": 42.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	all, err := store.ListTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no task is created for a rounded subject")

	out, err := client.invoke(ctx, "CreateTask", map[string]interface{}{"subjectId": float64(42)})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, types.TaskID(out["taskId"].(string)))
	require.NoError(t, err)
	assert.Equal(t, "42", task.SubjectID)
}
