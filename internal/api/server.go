// ============================================================================
// mint-forge HTTP API
// ============================================================================
//
// Package: internal/api
// 文件: server.go
//
// 路由:
//   POST /tasks                          建立任務（冪等），202 {taskId}
//   GET  /tasks/:id[?minimal=true]       任務狀態；不存在 → 404
//   GET  /tasks                          依 status / subject / 建立時間查詢
//   POST /cycle                          立即執行一次排程
//   POST /subjects/:subject/regenerate   強制重新生成
//   GET  /state                          目前的流程狀態
//   GET  /healthz                        任務儲存健康檢查
//   GET  /metrics                        Prometheus（有設定時）
//
// 整個 gin engine 由 otelhttp 包裝，每個請求一個 span。
// ============================================================================

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/orchestrator"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Backend HTTP 層需要的協調器操作
type Backend interface {
	CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error)
	Regenerate(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error)
	GetTaskStatus(ctx context.Context, id types.TaskID, minimal bool) (interface{}, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	RunCycle(ctx context.Context) (types.CycleSummary, error)
	State(ctx context.Context) (types.ProcessState, error)
	Ping(ctx context.Context) error
}

var _ Backend = (*orchestrator.Orchestrator)(nil)

// Options 伺服器設定
type Options struct {
	Port            int
	Metrics         http.Handler // nil 表示不掛 /metrics
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server HTTP 伺服器
type Server struct {
	backend Backend
	engine  *gin.Engine
	handler http.Handler
	opts    Options
	logger  *slog.Logger
}

// CreateTaskRequest POST /tasks 與 regenerate 的請求內容
type CreateTaskRequest struct {
	SubjectID string                 `json:"subjectId"`
	Provider  string                 `json:"provider"`
	Options   map[string]interface{} `json:"options"`
}

// CreateTaskResponse 建立任務的回應
type CreateTaskResponse struct {
	TaskID types.TaskID `json:"taskId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer 建立伺服器並註冊路由
func NewServer(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	s := &Server{
		backend: backend,
		engine:  engine,
		opts:    opts,
		logger:  logger,
	}
	s.routes()
	s.handler = otelhttp.NewHandler(engine, "mint-forge-api")
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.POST("/tasks", s.createTask)
	s.engine.GET("/tasks", s.listTasks)
	s.engine.GET("/tasks/:id", s.getTask)
	s.engine.POST("/cycle", s.runCycle)
	s.engine.POST("/subjects/:subject/regenerate", s.regenerate)
	s.engine.GET("/state", s.state)
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

// Handler 回傳已包裝 otelhttp 的 handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run 監聽直到 ctx 結束，然後優雅關閉
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP API")
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c *gin.Context) {
	if err := s.backend.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	id, err := s.backend.CreateTask(c.Request.Context(), req.SubjectID, req.Provider, req.Options)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CreateTaskResponse{TaskID: id})
}

func (s *Server) regenerate(c *gin.Context) {
	var req CreateTaskRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	id, err := s.backend.Regenerate(c.Request.Context(), c.Param("subject"), req.Provider, req.Options)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CreateTaskResponse{TaskID: id})
}

func (s *Server) getTask(c *gin.Context) {
	minimal, _ := strconv.ParseBool(c.Query("minimal"))
	out, err := s.backend.GetTaskStatus(c.Request.Context(), types.TaskID(c.Param("id")), minimal)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listTasks(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	tasks, err := s.backend.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) runCycle(c *gin.Context) {
	summary, err := s.backend.RunCycle(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) state(c *gin.Context) {
	st, err := s.backend.State(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// fail 依錯誤種類決定狀態碼
func (s *Server) fail(c *gin.Context, err error) {
	var infra *orchestrator.InfraError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNoSubject), errors.Is(err, taskstore.ErrEmptySubject):
		status = http.StatusBadRequest
	case errors.As(err, &infra):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func parseFilter(c *gin.Context) (types.TaskFilter, error) {
	var f types.TaskFilter
	if v := c.Query("status"); v != "" {
		f.Status = types.TaskStatus(v)
		if !f.Status.IsValid() {
			return f, fmt.Errorf("invalid status %q", v)
		}
	}
	f.SubjectID = c.Query("subject")

	for name, dst := range map[string]*int64{
		"createdAfter":  &f.CreatedAfter,
		"createdBefore": &f.CreatedBefore,
	} {
		if v := c.Query(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %v", name, err)
			}
			*dst = n
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// requestLogger 以 slog 記錄每個請求
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
