// ============================================================================
// mint-forge 遙測 - OpenTelemetry 初始化
// ============================================================================
//
// Package: internal/telemetry
// 文件: telemetry.go
// 功能: 建立 tracer / meter / logger provider 並註冊為全域 provider
//
// 停用時回傳 no-op provider，各套件的 otel.Tracer(...) 仍可安全呼叫。
// 啟用時:
//   - trace : stdout 或 OTLP/HTTP exporter，batch 輸出
//   - metric: stdout exporter，週期性 reader（otelhttp 的 HTTP 指標）
//   - log   : stdout exporter，透過 otelslog 橋接 slog
//
// 呼叫端必須在結束前呼叫 Shutdown 以送出緩衝中的資料。
// ============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName 本專案 tracer / meter / logger 的名稱
const InstrumentationName = "github.com/ChuLiYu/mint-forge"

// Config 遙測設定
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Exporter       string        `yaml:"exporter"` // stdout, otlp
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	SampleRate     float64       `yaml:"sample_rate"` // 0.0 到 1.0
	ExportLogs     bool          `yaml:"export_logs"` // slog 記錄同時送往 OTel log pipeline
	MetricInterval time.Duration `yaml:"metric_interval"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`

	// Writer stdout exporter 的輸出位置，預設 os.Stderr（stdout 留給 CLI 輸出）
	Writer io.Writer `yaml:"-"`
}

// Providers 已註冊的 provider
type Providers struct {
	tracer    *sdktrace.TracerProvider
	meter     *sdkmetric.MeterProvider
	logger    *sdklog.LoggerProvider
	noop      trace.TracerProvider
	shutdowns []func(context.Context) error
}

// Setup 依設定建立並註冊全域 provider
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return &Providers{noop: noop.NewTracerProvider()}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "mint-forge"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = time.Minute
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Providers{}

	// Trace
	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	p.shutdowns = append(p.shutdowns, p.tracer.Shutdown)
	otel.SetTracerProvider(p.tracer)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Metric
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)
	p.shutdowns = append(p.shutdowns, p.meter.Shutdown)
	otel.SetMeterProvider(p.meter)

	// Log
	if cfg.ExportLogs {
		logExporter, err := stdoutlog.New(stdoutlog.WithWriter(cfg.Writer))
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		p.logger = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
			sdklog.WithResource(res),
		)
		p.shutdowns = append(p.shutdowns, p.logger.Shutdown)
		global.SetLoggerProvider(p.logger)
	}

	return p, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// Enabled 是否有實際的 SDK provider
func (p *Providers) Enabled() bool {
	return p != nil && p.tracer != nil
}

// TracerProvider 目前的 tracer provider（停用時為 no-op）
func (p *Providers) TracerProvider() trace.TracerProvider {
	if p.tracer != nil {
		return p.tracer
	}
	return p.noop
}

// LogHandler 將 slog 記錄送往 OTel log pipeline；未啟用 log 匯出時回傳 nil
func (p *Providers) LogHandler() slog.Handler {
	if p == nil || p.logger == nil {
		return nil
	}
	return otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(p.logger))
}

// Shutdown 依建立的相反順序關閉 provider，送出緩衝資料
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

// ============================================================================
// slog 分流
// ============================================================================

// Tee 將同一筆記錄送往多個 handler；nil handler 會被忽略
func Tee(handlers ...slog.Handler) slog.Handler {
	var hs []slog.Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	if len(hs) == 1 {
		return hs[0]
	}
	return teeHandler(hs)
}

type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
