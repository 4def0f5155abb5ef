// ============================================================================
// mint-forge gRPC 任務服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
//
// 服務 mintforge.v1.TaskService，訊息一律使用 google.protobuf.Struct，
// 內容與 HTTP API 的 JSON 相同:
//   CreateTask    {subjectId, provider?, options?}  → {taskId}
//   GetTaskStatus {taskId, minimal?}                → 任務或 TaskView
//   RunCycle      {}                                → CycleSummary
//
// 錯誤對應:
//   任務不存在     → codes.NotFound
//   缺少必要欄位   → codes.InvalidArgument
//   基礎設施失敗   → codes.Unavailable
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/orchestrator"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整服務名稱
const ServiceName = "mintforge.v1.TaskService"

// Backend gRPC 層需要的協調器操作
type Backend interface {
	CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error)
	GetTaskStatus(ctx context.Context, id types.TaskID, minimal bool) (interface{}, error)
	RunCycle(ctx context.Context) (types.CycleSummary, error)
}

// TaskServiceServer 服務介面
type TaskServiceServer interface {
	CreateTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTaskStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RunCycle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server 以協調器實作 TaskServiceServer
type Server struct {
	backend Backend
	logger  *slog.Logger
}

var _ TaskServiceServer = (*Server)(nil)

// NewServer 建立服務
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

// CreateTask 建立（或取得既有的）任務
func (s *Server) CreateTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	subject, err := stringField(fields, "subjectId")
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, status.Error(codes.InvalidArgument, "subjectId is required")
	}
	provider, err := stringField(fields, "provider")
	if err != nil {
		return nil, err
	}
	options, _ := fields["options"].(map[string]interface{})

	id, err := s.backend.CreateTask(ctx, subject, provider, options)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"taskId": string(id)})
}

// GetTaskStatus 查詢任務狀態
func (s *Server) GetTaskStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	id, err := stringField(fields, "taskId")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "taskId is required")
	}
	minimal, _ := fields["minimal"].(bool)

	out, err := s.backend.GetTaskStatus(ctx, types.TaskID(id), minimal)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(out)
}

// RunCycle 立即執行一次排程
func (s *Server) RunCycle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	summary, err := s.backend.RunCycle(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(summary)
}

func (s *Server) toStatus(err error) error {
	var infra *orchestrator.InfraError
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNoSubject), errors.Is(err, taskstore.ErrEmptySubject):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &infra):
		return status.Error(codes.Unavailable, err.Error())
	default:
		s.logger.Error("gRPC request failed", "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}

// maxExactInteger float64 能精確表示的最大整數（2^53）
const maxExactInteger = 1 << 53

// stringField 讀取字串欄位；數字只接受可精確表示的整數
func stringField(fields map[string]interface{}, key string) (string, error) {
	switch v := fields[key].(type) {
	case string:
		return v, nil
	case float64:
		// subject 可能以數字傳入
		if v != math.Trunc(v) || math.Abs(v) > maxExactInteger {
			return "", status.Errorf(codes.InvalidArgument, "%s must be an integer or a string, got %v", key, v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	default:
		return "", nil
	}
}

// toStruct 透過 JSON 轉成 Struct，欄位名稱與 HTTP API 一致
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// ============================================================================
// 服務描述（手寫，不需要 protoc 產生的程式碼）
// ============================================================================

func unaryHandler(method func(TaskServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), fullMethod string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(TaskServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv.(TaskServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc mintforge.v1.TaskService 的描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTask", Handler: unaryHandler(TaskServiceServer.CreateTask, "/"+ServiceName+"/CreateTask")},
		{MethodName: "GetTaskStatus", Handler: unaryHandler(TaskServiceServer.GetTaskStatus, "/"+ServiceName+"/GetTaskStatus")},
		{MethodName: "RunCycle", Handler: unaryHandler(TaskServiceServer.RunCycle, "/"+ServiceName+"/RunCycle")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mintforge/v1/task_service.proto",
}

// Register 將服務註冊到 gRPC server
func Register(registrar grpc.ServiceRegistrar, srv TaskServiceServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// LoggingInterceptor 以 slog 記錄每個 unary 呼叫
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// Serve 在 port 上提供服務，直到 ctx 結束
func Serve(ctx context.Context, port int, srv TaskServiceServer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	Register(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down gRPC server")
		grpcServer.GracefulStop()
		return nil
	}
}
