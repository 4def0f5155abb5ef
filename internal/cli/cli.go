// ============================================================================
// mint-forge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wrapping the orchestrator
//
// Command Structure:
//   mintforge                        # Root command
//   ├── cycle                        # Run one scheduled invocation, print summary JSON
//   ├── serve                        # HTTP API + gRPC + periodic cycles
//   ├── create <subject>             # Request generation for a subject
//   │   └── --provider, --options, --remote
//   ├── status <taskId>              # Show task status
//   │   └── --minimal, --remote
//   ├── regenerate <subject>         # Force a new generation
//   ├── state                        # Print the persisted process state
//   ├── --config, -c                 # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file, then .env, then MINTFORGE_* environment variables
//   (see internal/config). A missing default config file falls back to
//   built-in defaults; an explicit --config must exist.
//
// Output:
//   Command results are JSON on stdout; logs go to stderr.
//
// serve Command:
//   Runs together under one errgroup, stopped by SIGINT/SIGTERM:
//   1. HTTP API (api.http_port)
//   2. gRPC TaskService (api.grpc_port, 0 disables)
//   3. Standalone metrics server (metrics.port, 0 = served on the HTTP API)
//   4. Ticker calling RunCycle every schedule.interval (0 disables)
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/api"
	"github.com/ChuLiYu/mint-forge/internal/config"
	"github.com/ChuLiYu/mint-forge/internal/server"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version 版本字串
const Version = "0.3.0"

const defaultConfigPath = "configs/default.yaml"

// options 跨命令共用的旗標
type options struct {
	configFile string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "mintforge",
		Short: "mint-forge: asynchronous collectible generation orchestrator",
		Long: `mint-forge discovers generation requests from upstream events and
advances them through a five-stage pipeline:
- idempotent task records with lazy timeouts
- bounded, time-boxed batch processing with retry backoff
- durable process state between invocations
- Prometheus metrics and OpenTelemetry traces`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildCycleCommand(opts))
	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildCreateCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildRegenerateCommand(opts))
	rootCmd.AddCommand(buildStateCommand(opts))

	return rootCmd
}

// loadConfig 預設路徑不存在時使用內建預設值
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := o.configFile
	if !cmd.Flags().Changed("config") && path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withRuntime 載入設定、組裝元件、執行 fn，最後關閉資源
func (o *options) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown error: %v\n", err)
		}
	}()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOptions(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid --options JSON: %w", err)
	}
	return out, nil
}

// ============================================================================
// cycle
// ============================================================================

func buildCycleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one scan-and-process invocation",
		Long:  "Scan for new events, process a bounded batch of pending tasks, persist the process state and print the cycle summary.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				summary, err := rt.orch.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC APIs and run cycles on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return serve(ctx, rt)
			})
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	g, ctx := errgroup.WithContext(ctx)

	apiOpts := api.Options{Port: cfg.API.HTTPPort, Logger: rt.logger.With("component", "api")}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		apiOpts.Metrics = rt.collector.Handler()
	}
	httpServer := api.NewServer(rt.orch, apiOpts)
	g.Go(func() error {
		return httpServer.Run(ctx)
	})

	if cfg.API.GRPCPort > 0 {
		grpcLogger := rt.logger.With("component", "grpc")
		g.Go(func() error {
			return server.Serve(ctx, cfg.API.GRPCPort, server.NewServer(rt.orch, grpcLogger), grpcLogger)
		})
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		g.Go(func() error {
			rt.logger.Info("Metrics server listening", "port", cfg.Metrics.Port)
			return rt.collector.StartServer(ctx, cfg.Metrics.Port)
		})
	}

	if cfg.Schedule.Interval > 0 {
		g.Go(func() error {
			runSchedule(ctx, rt, cfg.Schedule.Interval)
			return nil
		})
	}

	rt.logger.Info("mint-forge started",
		"version", Version,
		"http", cfg.API.HTTPPort,
		"grpc", cfg.API.GRPCPort,
		"interval", cfg.Schedule.Interval)

	err := g.Wait()
	rt.logger.Info("mint-forge stopped")
	return err
}

// runSchedule 週期性執行 RunCycle；單次失敗只記錄，不停止服務
func runSchedule(ctx context.Context, rt *runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.orch.RunCycle(ctx); err != nil && ctx.Err() == nil {
				rt.logger.Error("Scheduled cycle failed", "error", err)
			}
		}
	}
}

// ============================================================================
// create / regenerate
// ============================================================================

func buildCreateCommand(opts *options) *cobra.Command {
	var provider, rawOptions, remote string

	cmd := &cobra.Command{
		Use:   "create <subject>",
		Short: "Request generation for a subject",
		Long:  "Create (or return the live) task for a subject and add it to the pending queue. Use --remote to submit through a running server's gRPC API.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskOptions, err := parseOptions(rawOptions)
			if err != nil {
				return err
			}

			if remote != "" {
				client, err := server.Dial(remote)
				if err != nil {
					return err
				}
				defer client.Close()
				id, err := client.CreateTask(cmd.Context(), args[0], provider, taskOptions)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.CreateTaskResponse{TaskID: id})
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				id, err := rt.orch.CreateTask(ctx, args[0], provider, taskOptions)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.CreateTaskResponse{TaskID: id})
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "generation provider (default from config)")
	cmd.Flags().StringVar(&rawOptions, "options", "", `provider options as JSON, e.g. '{"palette":"tide"}'`)
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server (e.g. localhost:50051)")
	return cmd
}

func buildRegenerateCommand(opts *options) *cobra.Command {
	var provider, rawOptions string

	cmd := &cobra.Command{
		Use:   "regenerate <subject>",
		Short: "Force a new generation for an already processed subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskOptions, err := parseOptions(rawOptions)
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				id, err := rt.orch.Regenerate(ctx, args[0], provider, taskOptions)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.CreateTaskResponse{TaskID: id})
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "generation provider (default from config)")
	cmd.Flags().StringVar(&rawOptions, "options", "", "provider options as JSON")
	return cmd
}

// ============================================================================
// status / state
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	var minimal bool
	var remote string

	cmd := &cobra.Command{
		Use:   "status <taskId>",
		Short: "Show the status of a task",
		Long:  "Print the task record (or the minimal polling view with --minimal). Timeouts are applied on read.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.TaskID(args[0])

			if remote != "" {
				client, err := server.Dial(remote)
				if err != nil {
					return err
				}
				defer client.Close()
				out, err := client.GetTaskStatus(cmd.Context(), id, minimal)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				out, err := rt.orch.GetTaskStatus(ctx, id, minimal)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVar(&minimal, "minimal", false, "print only {taskId, status, progress, message, result, updatedAt}")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server")
	return cmd
}

func buildStateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted process state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				st, err := rt.orch.State(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}
