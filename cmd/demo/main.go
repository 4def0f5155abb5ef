package main

// 模擬無狀態、有時間限制的排程執行：
// 每一輪都重新開啟任務 journal 與流程狀態，證明進度在執行之間不會遺失。
//
//   go run ./cmd/demo [-events 12] [-batch 3] [-dir /tmp/mintforge-demo]

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/artifact"
	"github.com/ChuLiYu/mint-forge/internal/orchestrator"
	"github.com/ChuLiYu/mint-forge/internal/pipeline"
	"github.com/ChuLiYu/mint-forge/internal/processor"
	"github.com/ChuLiYu/mint-forge/internal/procstate"
	"github.com/ChuLiYu/mint-forge/internal/scanner"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
)

func main() {
	events := flag.Int("events", 12, "number of mint events to seed")
	batch := flag.Int("batch", 3, "max tasks per invocation")
	dir := flag.String("dir", "", "working directory (default: a new temp dir)")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "mintforge-demo-")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		*dir = tmp
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	eventsPath := filepath.Join(*dir, "events.json")
	if err := seedEvents(eventsPath, *events); err != nil {
		log.Fatalf("Failed to seed events: %v", err)
	}
	fmt.Printf("✓ Seeded %d events in %s\n", *events, eventsPath)

	ctx := context.Background()
	for round := 1; ; round++ {
		summary, err := invoke(ctx, *dir, eventsPath, *batch, logger)
		if err != nil {
			log.Fatalf("Invocation %d failed: %v", round, err)
		}
		fmt.Printf("📊 Invocation %d: events=%d created=%d processed=%d pending=%d block=%d (%dms)\n",
			round,
			summary.NewEventsFound,
			summary.NewTasksCreated,
			summary.TasksProcessed,
			summary.PendingTasksRemaining,
			summary.LastProcessedBlock,
			summary.ExecutionTimeMs)

		if summary.PendingTasksRemaining == 0 {
			break
		}
	}

	fmt.Printf("\n✓ All tasks processed. Artifacts in %s\n", filepath.Join(*dir, "blobs"))
}

// invoke 每次都重新組裝所有元件，與真實的排程執行相同
func invoke(ctx context.Context, dir, eventsPath string, batch int, logger *slog.Logger) (types.CycleSummary, error) {
	tasks, err := taskstore.OpenJournalStore(filepath.Join(dir, "tasks.wal"), taskstore.Options{}, logger)
	if err != nil {
		return types.CycleSummary{}, err
	}
	defer tasks.Close()

	blobs, err := artifact.NewFilesystemStore(filepath.Join(dir, "blobs"), "file://"+filepath.Join(dir, "blobs")+"/")
	if err != nil {
		return types.CycleSummary{}, err
	}
	ledger, err := artifact.OpenLedger(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		return types.CycleSummary{}, err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Tasks:  tasks,
		State:  procstate.NewFileStore(filepath.Join(dir, "state.json"), 1),
		Source: scanner.NewFileSource(eventsPath, logger),
		Stages: &pipeline.Builtin{
			Blobs:      blobs,
			Registrar:  ledger,
			Providers:  map[string]pipeline.Synthesizer{pipeline.SVGProviderName: pipeline.SVGSynthesizer{Size: 256}},
			Seed:       "demo",
			Collection: "Demo Forge",
		},
		Logger: logger,
	}, orchestrator.Options{
		Processor:       processor.Options{MaxTasksPerRun: batch, TimeBudget: 25 * time.Second},
		DefaultProvider: pipeline.SVGProviderName,
	})
	if err != nil {
		return types.CycleSummary{}, err
	}
	return orch.RunCycle(ctx)
}

func seedEvents(path string, n int) error {
	events := make([]map[string]interface{}, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, map[string]interface{}{
			"subjectId":   i,
			"blockNumber": 100 + i,
			"requester":   fmt.Sprintf("0x%040x", i),
		})
	}
	data, err := json.MarshalIndent(map[string]interface{}{"head": 100 + n, "events": events}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
