package algorithm

import (
	"context"
	"math"
	"time"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// Built-in algorithm identifiers.
const (
	ForwardScheduling  = "forward-scheduling"
	BackwardScheduling = "backward-scheduling"
	CriticalPath       = "critical-path"
	ResourceLeveling   = "resource-leveling"
)

// Builtin 建立內建演算法登記表
//
// 參數說明：
//   - latency: 每次呼叫模擬的計算時間，期間會監聽 ctx；0 代表立即回傳
//
// 內建演算法只從快照推導指標，不修改事件：
//   - forward-scheduling: 每個資源的事件首尾相接排列
//   - backward-scheduling: 同上，另回報可釋放的緩衝時間 slackHours
//   - critical-path: 最長資源路徑及其事件數
//   - resource-leveling: 將總工時平均分配到所有資源後的完工時間
func Builtin(latency time.Duration) *Registry {
	r := NewRegistry()
	_ = r.Register(ForwardScheduling, withLatency(latency, forward))
	_ = r.Register(BackwardScheduling, withLatency(latency, backward))
	_ = r.Register(CriticalPath, withLatency(latency, criticalPath))
	_ = r.Register(ResourceLeveling, withLatency(latency, leveling))
	return r
}

func withLatency(latency time.Duration, fn func(types.ScheduleData) types.Metrics) Func {
	return func(ctx context.Context, data types.ScheduleData) (types.Metrics, error) {
		if latency > 0 {
			timer := time.NewTimer(latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn(data), nil
	}
}

// ============================================================================
// Schedule analysis
// ============================================================================

// lanes groups event durations by resource. Events without a resource share
// the "" lane.
type lanes map[string][]float64

func (l lanes) total(id string) float64 {
	var sum float64
	for _, h := range l[id] {
		sum += h
	}
	return sum
}

// longest returns the lane with the highest total, ties broken by id.
func (l lanes) longest() (string, float64) {
	bestID, best := "", -1.0
	for id := range l {
		t := l.total(id)
		if t > best || (t == best && id < bestID) {
			bestID, best = id, t
		}
	}
	if best < 0 {
		return "", 0
	}
	return bestID, best
}

// eventHours returns the duration of e: explicit hours first, then the
// distance between its dates, else zero.
func eventHours(e types.Event) float64 {
	if e.DurationHours > 0 {
		return e.DurationHours
	}
	start, errS := time.Parse(time.RFC3339Nano, e.StartDate)
	end, errE := time.Parse(time.RFC3339Nano, e.EndDate)
	if errS != nil || errE != nil || !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours()
}

func buildLanes(data types.ScheduleData) lanes {
	out := make(lanes)
	for _, e := range data.Events {
		out[e.ResourceID] = append(out[e.ResourceID], eventHours(e))
	}
	return out
}

// calendarSpan is the hours between the earliest start and latest end of the
// dated events, or zero when no event carries dates.
func calendarSpan(data types.ScheduleData) float64 {
	var first, last time.Time
	for _, e := range data.Events {
		start, err := time.Parse(time.RFC3339Nano, e.StartDate)
		if err != nil {
			continue
		}
		end := start.Add(time.Duration(eventHours(e) * float64(time.Hour)))
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if end.After(last) {
			last = end
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first).Hours()
}

func resourceCount(data types.ScheduleData, l lanes) int {
	if n := len(data.Resources); n > 0 {
		return n
	}
	return len(l)
}

func utilization(busy float64, resources int, makespan float64) float64 {
	if resources == 0 || makespan <= 0 {
		return 0
	}
	return math.Min(1, busy/(float64(resources)*makespan))
}

func busyHours(l lanes) float64 {
	var sum float64
	for id := range l {
		sum += l.total(id)
	}
	return sum
}

func baseMetrics(data types.ScheduleData, l lanes, makespan float64) types.Metrics {
	return types.Metrics{
		"makespanHours":       round(makespan),
		"resourceUtilization": round(utilization(busyHours(l), resourceCount(data, l), makespan)),
		"eventCount":          float64(len(data.Events)),
	}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// ============================================================================
// Algorithms
// ============================================================================

func forward(data types.ScheduleData) types.Metrics {
	l := buildLanes(data)
	_, makespan := l.longest()
	return baseMetrics(data, l, makespan)
}

func backward(data types.ScheduleData) types.Metrics {
	l := buildLanes(data)
	_, makespan := l.longest()
	m := baseMetrics(data, l, makespan)
	m["slackHours"] = round(math.Max(0, calendarSpan(data)-makespan))
	return m
}

func criticalPath(data types.ScheduleData) types.Metrics {
	l := buildLanes(data)
	id, makespan := l.longest()
	m := baseMetrics(data, l, makespan)
	m["criticalPathHours"] = round(makespan)
	m["criticalEvents"] = float64(len(l[id]))
	return m
}

func leveling(data types.ScheduleData) types.Metrics {
	l := buildLanes(data)
	resources := resourceCount(data, l)

	var makespan, peak float64
	if resources > 0 {
		makespan = busyHours(l) / float64(resources)
	}
	for id := range l {
		for _, h := range l[id] {
			peak = math.Max(peak, h)
		}
	}
	// No single event can be split across resources.
	makespan = math.Max(makespan, peak)

	m := baseMetrics(data, l, makespan)
	_, before := l.longest()
	m["peakLoadHours"] = round(before)
	return m
}
