// ============================================================================
// mint-forge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程執行、任務與生成階段的指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - mintforge_tasks_created_total: 掃描器或 API 新建立的任務
//      - mintforge_tasks_completed_total
//      - mintforge_tasks_failed_total{reason}: stage / retry_exhausted
//      - mintforge_tasks_timed_out_total
//      - mintforge_tasks_retried_total: transient 失敗後留在佇列
//      - mintforge_events_scanned_total / mintforge_event_parse_errors_total
//      - mintforge_cycles_total{result}: ok / error
//
//   2. 延遲分佈 (Histogram):
//      - mintforge_cycle_duration_seconds: 單次排程執行
//      - mintforge_task_pipeline_seconds: 單一任務完整流程
//      - mintforge_stage_duration_seconds{stage,outcome}
//
//   3. 狀態 (Gauge):
//      - mintforge_pending_tasks: 佇列長度
//      - mintforge_last_processed_block: 掃描游標
//
// Prometheus 查詢示例:
//
//   # 每個階段 95 分位延遲
//   histogram_quantile(0.95, sum by (stage, le) (rate(mintforge_stage_duration_seconds_bucket[5m])))
//
//   # 佇列積壓
//   mintforge_pending_tasks
//
// 所有 Record 方法對 nil *Collector 都是 no-op，元件可以不帶 metrics 執行。
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mintforge"

// Collector Prometheus 指標收集器
type Collector struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	// 任務相關指標
	tasksCreated   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    *prometheus.CounterVec
	tasksTimedOut  prometheus.Counter
	tasksRetried   prometheus.Counter

	// 掃描器
	eventsScanned prometheus.Counter
	parseErrors   prometheus.Counter

	// 排程執行
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	// 效能指標
	pipelineLatency prometheus.Histogram
	stageDuration   *prometheus.HistogramVec

	// 狀態指標
	pendingTasks       prometheus.Gauge
	lastProcessedBlock prometheus.Gauge
}

// NewCollector 建立並註冊所有指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		registerer: reg,
		gatherer:   gatherer,
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks failed, by reason",
		}, []string{"reason"}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_timed_out_total",
			Help:      "Total number of tasks observed past their deadline",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of transient failures left in the queue for retry",
		}),
		eventsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_scanned_total",
			Help:      "Total number of upstream events parsed",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_parse_errors_total",
			Help:      "Total number of upstream events skipped as malformed",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of scan-and-process cycles, by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one scan-and-process cycle",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_pipeline_seconds",
			Help:      "Duration of one generation pipeline run",
			Buckets:   prometheus.DefBuckets,
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each generation stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Current number of queued task references",
		}),
		lastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_block",
			Help:      "Scanner cursor after the last persisted cycle",
		}),
	}

	reg.MustRegister(
		c.tasksCreated,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksTimedOut,
		c.tasksRetried,
		c.eventsScanned,
		c.parseErrors,
		c.cycles,
		c.cycleDuration,
		c.pipelineLatency,
		c.stageDuration,
		c.pendingTasks,
		c.lastProcessedBlock,
	)
	return c
}

// RecordCreated 記錄新建立的任務
func (c *Collector) RecordCreated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.tasksCreated.Add(float64(n))
}

// RecordCompleted 記錄任務完成與流程耗時
func (c *Collector) RecordCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
	c.pipelineLatency.Observe(latency.Seconds())
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(reason string) {
	if c == nil {
		return
	}
	c.tasksFailed.WithLabelValues(reason).Inc()
}

// RecordTimedOut 記錄逾時任務
func (c *Collector) RecordTimedOut() {
	if c == nil {
		return
	}
	c.tasksTimedOut.Inc()
}

// RecordRetried 記錄 transient 失敗
func (c *Collector) RecordRetried() {
	if c == nil {
		return
	}
	c.tasksRetried.Inc()
}

// RecordScan 記錄掃描結果
func (c *Collector) RecordScan(events, parseErrors int) {
	if c == nil {
		return
	}
	c.eventsScanned.Add(float64(events))
	c.parseErrors.Add(float64(parseErrors))
}

// RecordCycle 記錄一次排程執行
func (c *Collector) RecordCycle(d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

// ObserveStage 記錄單一階段耗時
func (c *Collector) ObserveStage(stage string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// UpdateQueueStats 更新佇列長度與游標
func (c *Collector) UpdateQueueStats(pending int, lastProcessedBlock uint64) {
	if c == nil {
		return
	}
	c.pendingTasks.Set(float64(pending))
	c.lastProcessedBlock.Set(float64(lastProcessedBlock))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{Registry: c.registerer})
}

// StartServer 啟動獨立的 metrics HTTP 伺服器，阻塞到 ctx 結束
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
