package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/sched-optimizer/internal/cache"
	"github.com/ChuLiYu/sched-optimizer/internal/connguard"
	"github.com/ChuLiYu/sched-optimizer/internal/ratelimit"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

type fakeJobs struct{ stats types.JobStats }

func (f fakeJobs) GetStats() types.JobStats { return f.stats }

type fakeCache struct{ health cache.Health }

func (f fakeCache) Probe(context.Context) cache.Health { return f.health }

type fakeLimiter struct{ stats ratelimit.Stats }

func (f fakeLimiter) Stats() ratelimit.Stats { return f.stats }

type fakeGuard struct{ stats connguard.Stats }

func (f fakeGuard) Stats() connguard.Stats { return f.stats }

func healthySources() Sources {
	return Sources{
		Jobs: fakeJobs{types.JobStats{
			ByStatus:    map[types.JobStatus]int{types.StatusCompleted: 9, types.StatusFailed: 1},
			SuccessRate: 0.9,
			QueueDepth:  3,
		}},
		Cache:       fakeCache{cache.Health{Status: "healthy", Mode: cache.ModePrimary, LatencyMs: 2}},
		RateLimit:   fakeLimiter{ratelimit.Stats{Clients: 4, Blocked: 1}},
		Connections: fakeGuard{connguard.Stats{Active: 3, Sources: 2}},
	}
}

func TestCheckHealthy(t *testing.T) {
	m := NewMonitor(healthySources(), DefaultThresholds(), nil)

	r := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 100, r.Score)
	assert.Empty(t, r.Issues)
	require.NotNil(t, r.Components.Jobs)
	require.NotNil(t, r.Components.Cache)
	assert.Equal(t, cache.ModePrimary, r.Components.Cache.Mode)
	assert.Equal(t, 4, r.Components.RateLimit.Clients)
	assert.Equal(t, 3, r.Components.Connections.Active)
}

func TestCheckPenalties(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Sources)
		score  int
		status Status
	}{
		{
			name: "cache fallback",
			mutate: func(s *Sources) {
				s.Cache = fakeCache{cache.Health{Status: "degraded", Mode: cache.ModeFallback}}
			},
			score:  80,
			status: StatusHealthy,
		},
		{
			name: "low success rate",
			mutate: func(s *Sources) {
				s.Jobs = fakeJobs{types.JobStats{
					ByStatus:    map[types.JobStatus]int{types.StatusCompleted: 2, types.StatusFailed: 3},
					SuccessRate: 0.4,
				}}
			},
			score:  70,
			status: StatusDegraded,
		},
		{
			name: "low success rate with too few samples",
			mutate: func(s *Sources) {
				s.Jobs = fakeJobs{types.JobStats{
					ByStatus:    map[types.JobStatus]int{types.StatusFailed: 2},
					SuccessRate: 0,
				}}
			},
			score:  100,
			status: StatusHealthy,
		},
		{
			name: "everything wrong",
			mutate: func(s *Sources) {
				s.Jobs = fakeJobs{types.JobStats{
					ByStatus:    map[types.JobStatus]int{types.StatusFailed: 10},
					SuccessRate: 0,
					QueueDepth:  500,
				}}
				s.Cache = fakeCache{cache.Health{Mode: cache.ModeFallback, LatencyMs: 250}}
				s.RateLimit = fakeLimiter{ratelimit.Stats{Blocked: 40}}
				s.Connections = fakeGuard{connguard.Stats{Flagged: []string{"10.0.0.9"}}}
			},
			score:  0,
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := healthySources()
			tt.mutate(&sources)
			r := NewMonitor(sources, DefaultThresholds(), nil).Check(context.Background())

			assert.Equal(t, tt.score, r.Score)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, (100-tt.score) > 0, len(r.Issues) > 0)
		})
	}
}

func TestCheckSkipsMissingSources(t *testing.T) {
	m := NewMonitor(Sources{}, DefaultThresholds(), nil)
	r := m.Check(context.Background())

	assert.Equal(t, StatusHealthy, r.Status)
	assert.Nil(t, r.Components.Jobs)
	assert.Nil(t, r.Components.Cache)
}

func TestLast(t *testing.T) {
	m := NewMonitor(healthySources(), DefaultThresholds(), nil)

	_, ok := m.Last()
	assert.False(t, ok, "no report before the first check")

	want := m.Check(context.Background())
	got, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, want.Score, got.Score)
}

func TestRunPublishesReports(t *testing.T) {
	sources := healthySources()
	sources.Cache = fakeCache{cache.Health{Mode: cache.ModeFallback, LatencyMs: 500}}
	sources.Jobs = fakeJobs{types.JobStats{
		ByStatus:    map[types.JobStatus]int{types.StatusFailed: 10},
		QueueDepth:  1000,
		SuccessRate: 0,
	}}

	reporter := NewGRPCReporter()
	m := NewMonitor(sources, DefaultThresholds(), nil)
	reports := make(chan Report, 8)
	m.OnReport = func(r Report) {
		reporter.Publish(r)
		select {
		case reports <- r:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, 10*time.Millisecond)
	}()

	select {
	case r := <-reports:
		assert.Equal(t, StatusUnhealthy, r.Status)
	case <-time.After(time.Second):
		t.Fatal("no report published")
	}
	cancel()
	<-done

	resp, err := reporter.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGRPCReporter(t *testing.T) {
	reporter := NewGRPCReporter()
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := reporter.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	reporter.Publish(Report{Status: StatusDegraded, Score: 60})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	reporter.Publish(Report{Status: StatusUnhealthy, Score: 20})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	reporter.Publish(Report{Status: StatusHealthy, Score: 100})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
}
