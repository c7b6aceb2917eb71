package worker

import (
	"time"

	"github.com/ChuLiYu/sched-optimizer/internal/algorithm"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// Func is the algorithm signature workers invoke.
type Func = algorithm.Func

// Task 代表要執行的任務
type Task struct {
	Job       types.Job       // 已轉為 Running 的任務快照
	Cancelled <-chan struct{} // 取消時關閉
}

// Outcome 任務執行的最終結果類型
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result 代表任務執行結果
type Result struct {
	RunID       types.RunID      // 任務 ID
	AlgorithmID string           // 演算法 ID
	Outcome     Outcome          // 執行結果
	JobResult   *types.JobResult // 僅 OutcomeCompleted 時存在
	Err         error            // 僅 OutcomeFailed 時存在
	Duration    time.Duration    // 實際執行時間
}
