// ============================================================================
// schedopt CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 指令列介面，啟動服務或作為 HTTP API 的用戶端
//
// Command Structure:
//   schedopt                       # Root command
//   ├── run                        # 啟動優化服務（HTTP + gRPC health + workers）
//   ├── submit -f <file>           # 提交一個或多個任務（JSON 物件或陣列）
//   ├── status [runId]             # 單一任務狀態，或整體統計
//   ├── cancel <runId>             # 取消任務
//   ├── validate -f <file>         # 本機驗證請求，不需要服務
//   ├── health                     # 透過 gRPC health 查詢服務狀態
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --addr                     # HTTP API 位址（用戶端指令使用）
//
// run Command:
//   1. 載入設定（YAML → SCHEDOPT_* 環境變數 → 檢查）
//   2. 建立 logging、tracing、metrics、快取、Controller、限流與健康監控
//   3. 啟動 HTTP 與 gRPC health 服務
//   4. 監聽 SIGINT / SIGTERM
//   5. 優雅關閉：停止接受請求 → 等待執行中任務 → 關閉存儲
//
//   Examples:
//     ./schedopt run
//     SCHEDOPT_WORKERS=8 ./schedopt run -c custom.yaml
//
// submit Command:
//   JSON 格式與 POST /jobs 相同：
//   {
//     "algorithmId": "critical-path",
//     "scheduleData": {"events": [{"id": "E1", "startDate": "2024-01-01T08:00:00Z", "durationHours": 4}]},
//     "priority": 5
//   }
//
// Error Handling:
//   - 設定載入失敗：回傳完整錯誤（多個欄位以 errors.Join 合併）
//   - 批次提交：單筆失敗只記錄，最後回報成功數量
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/sched-optimizer/internal/config"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/validation"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

var (
	configFile string
	apiAddr    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "schedopt",
		Short: "schedopt: asynchronous schedule optimization service",
		Long: `schedopt accepts schedule snapshots over HTTP and optimizes them in the background:
- Priority queue with bounded worker pool
- Cancellation and per-job progress
- Rate limiting and connection guarding
- Badger-backed result cache with in-memory fallback`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "HTTP API address")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildHealthCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the optimization service",
		Long:  "Start the HTTP API, the gRPC health service and the worker pool; stop gracefully on SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.ErrOrStderr())
		},
	}
}

func runSystem(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app, err := NewApp(cfg, out)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit optimization jobs from a JSON file",
		Long:  "Read one request object or an array of requests and POST each to /jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(cmd.Context(), cmd.OutOrStdout(), jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job requests")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func submitJobs(ctx context.Context, out io.Writer, filePath string) error {
	reqs, err := readRequests(filePath)
	if err != nil {
		return err
	}

	client := newAPIClient(apiAddr)
	submitted := 0
	for i, req := range reqs {
		var resp types.SubmitResponse
		if err := client.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
			fmt.Fprintf(out, "❌ request %d (%s): %v\n", i, req.AlgorithmID, err)
			continue
		}
		fmt.Fprintf(out, "✅ %s  %s  %s\n", resp.RunID, req.AlgorithmID, resp.Status)
		submitted++
	}

	fmt.Fprintf(out, "Submitted %d/%d jobs to %s\n", submitted, len(reqs), apiAddr)
	if submitted < len(reqs) {
		return fmt.Errorf("%d of %d jobs were rejected", len(reqs)-submitted, len(reqs))
	}
	return nil
}

// readRequests accepts either a single request object or an array of them.
func readRequests(filePath string) ([]types.JobRequest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var reqs []types.JobRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("failed to parse job file: %w", err)
		}
		if len(reqs) == 0 {
			return nil, errors.New("job file contains no requests")
		}
		return reqs, nil
	}

	var req types.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return []types.JobRequest{req}, nil
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [runId]",
		Short: "Show job status or service statistics",
		Long:  "With a runId, print that job; without, print queue statistics and health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiAddr)
			if len(args) == 1 {
				return showJob(cmd.Context(), cmd.OutOrStdout(), client, args[0])
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), client)
		},
	}
}

func showJob(ctx context.Context, out io.Writer, client *apiClient, runID string) error {
	var job types.Job
	if err := client.do(ctx, http.MethodGet, "/jobs/"+runID, nil, &job); err != nil {
		return fmt.Errorf("failed to fetch job %s: %w", runID, err)
	}

	fmt.Fprintf(out, "Job %s\n", job.RunID)
	fmt.Fprintf(out, "  ├─ Algorithm:  %s\n", job.AlgorithmID)
	fmt.Fprintf(out, "  ├─ Priority:   %d\n", job.Priority)
	fmt.Fprintf(out, "  ├─ Status:     %s\n", job.Status)
	fmt.Fprintf(out, "  ├─ Progress:   %d%%\n", job.Progress)
	fmt.Fprintf(out, "  ├─ Submitted:  %s\n", job.SubmittedAt.Format(time.RFC3339))
	if d := job.Duration(); d > 0 {
		fmt.Fprintf(out, "  ├─ Duration:   %s\n", d)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "  ├─ Error:      %s\n", job.Error)
	}
	if job.Result != nil {
		fmt.Fprintf(out, "  ├─ Version:    %s\n", job.Result.VersionID)
		fmt.Fprintf(out, "  ├─ Changed:    %d events\n", len(job.Result.ChangedEvents))
		for _, name := range slices.Sorted(maps.Keys(job.Result.Metrics)) {
			fmt.Fprintf(out, "  │  └─ %-20s %g\n", name, job.Result.Metrics[name])
		}
	}
	fmt.Fprintln(out, "  └─")
	return nil
}

func showStatus(ctx context.Context, out io.Writer, client *apiClient) error {
	var stats types.JobStats
	if err := client.do(ctx, http.MethodGet, "/jobs-stats", nil, &stats); err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           schedopt Service Status                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Jobs:")
	fmt.Fprintf(out, "  ├─ Total:         %d\n", stats.Total)
	fmt.Fprintf(out, "  ├─ ⏳ Queued:      %d\n", stats.ByStatus[types.StatusQueued])
	fmt.Fprintf(out, "  ├─ 🔄 Running:     %d\n", stats.ByStatus[types.StatusRunning])
	fmt.Fprintf(out, "  ├─ ✅ Completed:   %d\n", stats.ByStatus[types.StatusCompleted])
	fmt.Fprintf(out, "  ├─ 🚫 Cancelled:   %d\n", stats.ByStatus[types.StatusCancelled])
	fmt.Fprintf(out, "  └─ ❌ Failed:      %d\n", stats.ByStatus[types.StatusFailed])
	fmt.Fprintln(out)
	fmt.Fprintf(out, "📈 Success Rate: %.1f%%   Avg Duration: %.0fms\n", stats.SuccessRate*100, stats.AvgDurationMs)
	fmt.Fprintln(out)

	// /system/health answers 503 with a full report when unhealthy.
	var report health.Report
	err := client.do(ctx, http.MethodGet, "/system/health", nil, &report)
	var apiErr *apiError
	switch {
	case err == nil:
		fmt.Fprintf(out, "🩺 Health: %s (score %d)\n", report.Status, report.Score)
		for _, issue := range report.Issues {
			fmt.Fprintf(out, "  └─ %s\n", issue)
		}
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
		fmt.Fprintf(out, "🩺 Health: %s\n", health.StatusUnhealthy)
	default:
		fmt.Fprintf(out, "🩺 Health: unknown (%v)\n", err)
	}
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cancelled bool `json:"cancelled"`
			}
			client := newAPIClient(apiAddr)
			if err := client.do(cmd.Context(), http.MethodDelete, "/jobs/"+args[0], nil, &resp); err != nil {
				return fmt.Errorf("failed to cancel job %s: %w", args[0], err)
			}
			if resp.Cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s not cancelled (unknown or already finished)\n", args[0])
			}
			return nil
		},
	}
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate job requests locally without submitting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFile(cmd.OutOrStdout(), jobFile)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job requests")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func validateFile(out io.Writer, filePath string) error {
	limits := validation.Config{}
	if cfg, err := config.Load(configFile); err == nil {
		limits.MaxEvents = cfg.Jobs.MaxEvents
		limits.MaxAlgorithmIDLength = cfg.Jobs.MaxAlgorithmIDLength
	}

	reqs, err := readRequests(filePath)
	if err != nil {
		return err
	}

	v := validation.New(limits)
	invalid := 0
	for i, req := range reqs {
		if err := v.Validate(req); err != nil {
			var verr *validation.Error
			if errors.As(err, &verr) {
				fmt.Fprintf(out, "❌ request %d: %s (field %s, rule %s)\n", i, verr.Message, verr.Field, verr.Rule)
			} else {
				fmt.Fprintf(out, "❌ request %d: %v\n", i, err)
			}
			invalid++
			continue
		}
		fmt.Fprintf(out, "✅ request %d: %s\n", i, req.AlgorithmID)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d requests are invalid", invalid, len(reqs))
	}
	return nil
}

// ============================================================================
// health
// ============================================================================

func buildHealthCommand() *cobra.Command {
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			status, err := checkHealth(ctx, grpcAddr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", health.ServiceName, status)
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "localhost:9090", "gRPC health service address")
	return cmd
}

func checkHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
