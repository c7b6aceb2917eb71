// Package types 定義了排程優化服務中使用的核心領域模型
package types

import (
	"time"
)

// RunID 優化任務唯一識別碼，於提交時產生且永不重複使用
type RunID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 已排隊：任務已建立但尚未開始執行
	StatusRunning   JobStatus = "running"   // 執行中：任務正在被 worker 處理
	StatusCompleted JobStatus = "completed" // 完成：任務已成功執行完畢
	StatusCancelled JobStatus = "cancelled" // 已取消：排隊或執行中被取消
	StatusFailed    JobStatus = "failed"    // 失敗：演算法執行錯誤或超時
)

// AllStatuses lists every status in state-machine order.
var AllStatuses = []JobStatus{StatusQueued, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed}

// IsTerminal 是否為終止狀態（終止後任務不可變）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Event 排程快照中的單一事件
type Event struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	StartDate     string  `json:"startDate,omitempty"` // ISO-8601，必須帶時區
	EndDate       string  `json:"endDate,omitempty"`
	DurationHours float64 `json:"durationHours,omitempty"`
	ResourceID    string  `json:"resourceId,omitempty"`
}

// Resource 排程快照中的資源（機台、產線、人力）
type Resource struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Capacity float64 `json:"capacity,omitempty"`
}

// ScheduleData 排程快照：事件列表與資源列表
type ScheduleData struct {
	Events    []Event    `json:"events,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
}

// JobRequest 提交優化任務的請求內容
type JobRequest struct {
	AlgorithmID  string        `json:"algorithmId"`
	ScheduleData *ScheduleData `json:"scheduleData,omitempty"`
	Priority     int           `json:"priority,omitempty"`
}

// EventIDs returns the identifiers of every event in the request, in input order.
func (r JobRequest) EventIDs() []string {
	if r.ScheduleData == nil {
		return []string{}
	}
	ids := make([]string, 0, len(r.ScheduleData.Events))
	for _, e := range r.ScheduleData.Events {
		ids = append(ids, e.ID)
	}
	return ids
}

// Clone 深拷貝請求，避免呼叫端修改已提交的快照
func (r JobRequest) Clone() JobRequest {
	out := r
	if r.ScheduleData != nil {
		data := ScheduleData{
			Events:    append([]Event(nil), r.ScheduleData.Events...),
			Resources: append([]Resource(nil), r.ScheduleData.Resources...),
		}
		out.ScheduleData = &data
	}
	return out
}

// Metrics 演算法產出的數值指標，例如 makespanHours、resourceUtilization
type Metrics map[string]float64

// JobResult 任務完成後的結果，僅在 StatusCompleted 時存在
type JobResult struct {
	VersionID     string   `json:"versionId"`
	ChangedEvents []string `json:"changedEvents"`
	Metrics       Metrics  `json:"metrics"`
}

// Clone 深拷貝結果
func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	out := &JobResult{
		VersionID:     r.VersionID,
		ChangedEvents: append([]string{}, r.ChangedEvents...),
		Metrics:       make(Metrics, len(r.Metrics)),
	}
	for k, v := range r.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// Job 優化任務結構，代表系統中的一個工作單元
//
// 不變式：
//   - Result 僅在 StatusCompleted 時存在
//   - Error 僅在 StatusFailed 時存在
//   - 進入終止狀態後任務不可變
type Job struct {
	// 識別與資料
	RunID       RunID      `json:"runId"`
	AlgorithmID string     `json:"algorithmId"`
	Request     JobRequest `json:"request"`
	Priority    int        `json:"priority"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"` // 0-100，執行中單調不減

	// 時間管理
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// 執行結果
	Result *JobResult `json:"result"`
	Error  string     `json:"error,omitempty"`
}

// Clone 深拷貝任務，回傳的快照與登記表內部狀態完全隔離
func (j Job) Clone() Job {
	out := j
	out.Request = j.Request.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.Result = j.Result.Clone()
	return out
}

// Duration returns the execution time of a finished job, or zero.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// SubmitResponse 提交後立即回傳的內容，不等待執行
type SubmitResponse struct {
	RunID       RunID     `json:"runId"`
	Status      JobStatus `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// JobFilter 任務列表篩選條件，零值代表不篩選
type JobFilter struct {
	Status      JobStatus
	AlgorithmID string
}

// Match reports whether job satisfies the filter.
func (f JobFilter) Match(job *Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.AlgorithmID != "" && job.AlgorithmID != f.AlgorithmID {
		return false
	}
	return true
}

// JobStats 任務統計資訊
type JobStats struct {
	Total         int               `json:"total"`
	ByStatus      map[JobStatus]int `json:"byStatus"`
	SuccessRate   float64           `json:"successRate"`   // completed / (completed + failed)
	AvgDurationMs float64           `json:"avgDurationMs"` // 已完成任務的平均執行時間
	QueueDepth    int               `json:"queueDepth"`
	Running       int               `json:"running"`
}
