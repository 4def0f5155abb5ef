package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ChuLiYu/mint-forge/internal/artifact"
	"github.com/ChuLiYu/mint-forge/internal/config"
	"github.com/ChuLiYu/mint-forge/internal/metrics"
	"github.com/ChuLiYu/mint-forge/internal/orchestrator"
	"github.com/ChuLiYu/mint-forge/internal/pipeline"
	"github.com/ChuLiYu/mint-forge/internal/processor"
	"github.com/ChuLiYu/mint-forge/internal/procstate"
	"github.com/ChuLiYu/mint-forge/internal/scanner"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runtime 依設定組裝好的所有元件
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	orch      *orchestrator.Orchestrator
	collector *metrics.Collector
	telemetry *telemetry.Providers
	closers   []func() error
}

// newRuntime 建立所有協作者並注入協調器
func newRuntime(ctx context.Context, cfg *config.Config, logOut io.Writer) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	// 1. 遙測與日誌
	rt.telemetry, err = telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return rt, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	rt.logger = newLogger(cfg, logOut, rt.telemetry.LogHandler())

	// 2. 指標（每個 runtime 自己的 registry）
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.collector = metrics.NewCollector(reg)

	// 3. 任務儲存
	tasks, err := rt.openTaskStore(ctx)
	if err != nil {
		return rt, err
	}

	// 4. 流程狀態儲存
	state, err := rt.openStateStore(ctx)
	if err != nil {
		return rt, err
	}

	// 5. 生成階段
	blobs, err := artifact.NewFilesystemStore(cfg.Artifact.BlobDir, cfg.Artifact.PublicURL)
	if err != nil {
		return rt, fmt.Errorf("failed to open blob store: %w", err)
	}
	ledger, err := artifact.OpenLedger(cfg.Artifact.LedgerPath)
	if err != nil {
		return rt, fmt.Errorf("failed to open ledger: %w", err)
	}
	stages := &pipeline.Builtin{
		Blobs:     blobs,
		Registrar: ledger,
		Providers: map[string]pipeline.Synthesizer{
			pipeline.SVGProviderName: pipeline.SVGSynthesizer{Size: cfg.Artifact.ImageSize},
		},
		Seed:        cfg.Artifact.Seed,
		Collection:  cfg.Artifact.Collection,
		Description: cfg.Artifact.Description,
	}

	// 6. 協調器
	rt.orch, err = orchestrator.New(orchestrator.Deps{
		Tasks:   tasks,
		State:   state,
		Source:  scanner.NewFileSource(cfg.Scanner.EventsFile, rt.logger.With("component", "source")),
		Stages:  stages,
		Metrics: rt.collector,
		Logger:  rt.logger,
	}, orchestrator.Options{
		Scanner: scanner.Options{
			StartBlock:    cfg.Scanner.StartBlock,
			Confirmations: cfg.Scanner.Confirmations,
			MaxBlockRange: cfg.Scanner.MaxBlockRange,
		},
		Processor: processor.Options{
			MaxTasksPerRun: cfg.Processor.MaxTasksPerRun,
			TimeBudget:     cfg.Processor.TimeBudget,
			MaxAttempts:    cfg.Processor.MaxAttempts,
			RetryBaseDelay: cfg.Processor.RetryBaseDelay,
			RetryMaxDelay:  cfg.Processor.RetryMaxDelay,
			JitterFactor:   cfg.Processor.JitterFactor,
		},
		DefaultProvider: cfg.Task.DefaultProvider,
	})
	if err != nil {
		return rt, err
	}
	return rt, nil
}

func (rt *runtime) openTaskStore(ctx context.Context) (taskstore.Store, error) {
	opts := taskstore.Options{DefaultTimeout: rt.cfg.Task.Timeout}
	logger := rt.logger.With("component", "taskstore")

	switch rt.cfg.Store.Backend {
	case "memory":
		store := taskstore.NewMemoryStore(opts)
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	case "journal":
		store, err := taskstore.OpenJournalStore(rt.cfg.Store.JournalPath, opts, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	case "postgres":
		store, err := taskstore.OpenPostgresStore(ctx, rt.cfg.Store.DSN, opts)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", rt.cfg.Store.Backend)
	}
}

func (rt *runtime) openStateStore(ctx context.Context) (procstate.StateStore, error) {
	switch rt.cfg.State.Backend {
	case "file":
		return procstate.NewFileStore(rt.cfg.State.Path, rt.cfg.State.KeepBackups), nil
	case "postgres":
		store, err := procstate.OpenPostgresStore(ctx, rt.cfg.StateDSN())
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", rt.cfg.State.Backend)
	}
}

// Close 依開啟的相反順序關閉資源，最後送出遙測資料
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := rt.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config, out io.Writer, extra slog.Handler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(telemetry.Tee(h, extra))
}
