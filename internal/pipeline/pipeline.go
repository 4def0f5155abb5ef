// ============================================================================
// mint-forge 生成流程
// ============================================================================
//
// Package: internal/pipeline
//
// 固定順序的五個階段，每個階段前後把 progress 寫到已知的檢查點：
//
//   階段            開始   結束
//   attributes       -     20
//   synthesis       40     60
//   upload          70     80
//   metadata        85     90
//   registration     -    100 (CompleteTask)
//
// 階段內的 Reporter 回報會被限制在該階段的區間內，
// 輪詢 GetTaskStatus 的使用者只會看到 progress 往前走。
//
// 錯誤:
//   - 一般錯誤：FailTask("<stage> failed: <cause>")，回傳 *StageError
//   - Transient 錯誤：不動任務狀態，回傳 *StageError 讓處理器稍後重試
//   - 執行被取消：不動任務狀態，回傳包含 ErrInterrupted 的 *StageError
//   - 任務儲存錯誤：回傳 *StoreError，不呼叫 FailTask
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/ChuLiYu/mint-forge/internal/pipeline")

// Reporter 階段內的進度回報；progress 為整體百分比
type Reporter func(progress int, message string)

// Attributes 由 subject 推導出的屬性
type Attributes struct {
	Rarity string            `json:"rarity"`
	Traits map[string]string `json:"traits"`
	Seed   string            `json:"seed"`
}

// Asset 合成出的資產
type Asset struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Registration 持久化登記的確認
type Registration struct {
	Reference  string `json:"reference"`
	Locator    string `json:"locator"`
	RecordedAt int64  `json:"recordedAt"`
}

// Stages 外部提供的各階段實作；流程不檢查其內部
type Stages interface {
	DeriveAttributes(ctx context.Context, task types.Task) (Attributes, error)
	SynthesizeAsset(ctx context.Context, task types.Task, attrs Attributes, report Reporter) (Asset, error)
	UploadAsset(ctx context.Context, task types.Task, asset Asset, report Reporter) (string, error)
	UploadMetadata(ctx context.Context, task types.Task, attrs Attributes, assetURL string, report Reporter) (string, error)
	Register(ctx context.Context, task types.Task, metadataURL string) (Registration, error)
}

// TaskWriter 流程寫入任務所需的操作
type TaskWriter interface {
	UpdateTask(ctx context.Context, id types.TaskID, patch types.TaskPatch) (types.Task, error)
	CompleteTask(ctx context.Context, id types.TaskID, result map[string]interface{}) (types.Task, error)
	FailTask(ctx context.Context, id types.TaskID, reason string) (types.Task, error)
}

// StageObserver 接收每個階段的耗時，供 metrics 使用
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
}

// Pipeline 依序執行各階段並保存檢查點
type Pipeline struct {
	stages   Stages
	tasks    TaskWriter
	logger   *slog.Logger
	observer StageObserver
}

// New 建立生成流程；observer 可為 nil
func New(stages Stages, tasks TaskWriter, observer StageObserver, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{stages: stages, tasks: tasks, logger: logger, observer: observer}
}

// Run 執行整個流程，成功時回傳 COMPLETED 的任務
func (p *Pipeline) Run(ctx context.Context, task types.Task) (types.Task, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", string(task.ID)),
		attribute.String("task.subject", task.SubjectID),
		attribute.String("task.provider", task.Provider),
	)

	r := &run{p: p, ctx: ctx, task: task}
	out, err := r.execute()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// run 單次執行的狀態
type run struct {
	p    *Pipeline
	ctx  context.Context
	task types.Task
}

func (r *run) execute() (types.Task, error) {
	attempts := r.task.Attempts + 1
	status := types.StatusInProgress
	if err := r.checkpoint(types.TaskPatch{Status: &status, Attempts: &attempts}, 0, "deriving attributes"); err != nil {
		return r.task, err
	}

	var attrs Attributes
	err := r.stage(StageAttributes, func(ctx context.Context) (err error) {
		attrs, err = r.p.stages.DeriveAttributes(ctx, r.task)
		return err
	})
	if err != nil {
		return r.task, err
	}
	if err := r.checkpoint(types.TaskPatch{}, 20, "attributes derived"); err != nil {
		return r.task, err
	}

	if err := r.checkpoint(types.TaskPatch{}, 40, "synthesizing asset"); err != nil {
		return r.task, err
	}
	var asset Asset
	err = r.stage(StageSynthesis, func(ctx context.Context) (err error) {
		asset, err = r.p.stages.SynthesizeAsset(ctx, r.task, attrs, r.reporter(40, 60))
		return err
	})
	if err != nil {
		return r.task, err
	}
	if err := r.checkpoint(types.TaskPatch{}, 60, "asset synthesized"); err != nil {
		return r.task, err
	}

	if err := r.checkpoint(types.TaskPatch{}, 70, "uploading asset"); err != nil {
		return r.task, err
	}
	var assetURL string
	err = r.stage(StageUpload, func(ctx context.Context) (err error) {
		assetURL, err = r.p.stages.UploadAsset(ctx, r.task, asset, r.reporter(70, 80))
		return err
	})
	if err != nil {
		return r.task, err
	}
	if err := r.checkpoint(types.TaskPatch{}, 80, "asset uploaded"); err != nil {
		return r.task, err
	}

	if err := r.checkpoint(types.TaskPatch{}, 85, "uploading metadata"); err != nil {
		return r.task, err
	}
	var metadataURL string
	err = r.stage(StageMetadata, func(ctx context.Context) (err error) {
		metadataURL, err = r.p.stages.UploadMetadata(ctx, r.task, attrs, assetURL, r.reporter(85, 90))
		return err
	})
	if err != nil {
		return r.task, err
	}
	if err := r.checkpoint(types.TaskPatch{}, 90, "registering"); err != nil {
		return r.task, err
	}

	var reg Registration
	err = r.stage(StageRegistration, func(ctx context.Context) (err error) {
		reg, err = r.p.stages.Register(ctx, r.task, metadataURL)
		return err
	})
	if err != nil {
		return r.task, err
	}

	result := map[string]interface{}{
		"imageUrl":    assetURL,
		"metadataUrl": metadataURL,
		"rarity":      attrs.Rarity,
		"registration": map[string]interface{}{
			"reference":  reg.Reference,
			"locator":    reg.Locator,
			"recordedAt": reg.RecordedAt,
		},
	}
	done, err := r.p.tasks.CompleteTask(r.ctx, r.task.ID, result)
	if err != nil {
		return r.task, &StoreError{Op: "complete", Err: err}
	}

	r.p.logger.Info("Task completed",
		"taskID", done.ID,
		"subject", done.SubjectID,
		"rarity", attrs.Rarity)
	return done, nil
}

// stage 執行單一階段並處理錯誤分類
func (r *run) stage(name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(r.ctx, "stage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if r.p.observer != nil {
		r.p.observer.ObserveStage(name, time.Since(start), err)
	}
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// 呼叫端取消（關機、請求中斷）不是階段本身的錯誤
	if r.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		r.p.logger.Warn("Stage interrupted, leaving task for next run",
			"taskID", r.task.ID,
			"stage", name,
			"error", err)
		return &StageError{Stage: name, Err: fmt.Errorf("%w: %w", ErrInterrupted, err)}
	}

	stageErr := &StageError{Stage: name, Err: err}

	if IsTransient(err) {
		r.p.logger.Warn("Stage failed, will retry",
			"taskID", r.task.ID,
			"stage", name,
			"error", err)
		return stageErr
	}

	r.p.logger.Error("Stage failed",
		"taskID", r.task.ID,
		"stage", name,
		"error", err)
	failed, ferr := r.p.tasks.FailTask(r.ctx, r.task.ID, stageErr.Error())
	if ferr != nil {
		return &StoreError{Op: "fail", Err: fmt.Errorf("%w (while recording %v)", ferr, stageErr)}
	}
	r.task = failed
	return stageErr
}

// checkpoint 寫入進度與訊息
func (r *run) checkpoint(patch types.TaskPatch, progress int, message string) error {
	if progress > 0 {
		patch.Progress = &progress
	}
	patch.Message = &message

	updated, err := r.p.tasks.UpdateTask(r.ctx, r.task.ID, patch)
	if err != nil {
		return &StoreError{Op: "update", Err: err}
	}
	r.task = updated
	return nil
}

// reporter 把階段內的回報限制在 [lo, hi]；寫入失敗只記錄
func (r *run) reporter(lo, hi int) Reporter {
	return func(progress int, message string) {
		if progress < lo {
			progress = lo
		}
		if progress > hi {
			progress = hi
		}
		patch := types.TaskPatch{Progress: &progress}
		if message != "" {
			patch.Message = &message
		}
		updated, err := r.p.tasks.UpdateTask(r.ctx, r.task.ID, patch)
		if err != nil {
			r.p.logger.Warn("Failed to record stage progress",
				"taskID", r.task.ID,
				"progress", progress,
				"error", err)
			return
		}
		r.task = updated
	}
}
