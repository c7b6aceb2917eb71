package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/sched-optimizer/internal/controller"
	"github.com/ChuLiYu/sched-optimizer/internal/health"
	"github.com/ChuLiYu/sched-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/sched-optimizer/internal/logging"
	"github.com/ChuLiYu/sched-optimizer/internal/validation"
	"github.com/ChuLiYu/sched-optimizer/pkg/types"
)

// ============================================================================
// Job handlers
// ============================================================================

// submitJob handles POST /jobs.
func (s *Server) submitJob(c *gin.Context) {
	var req types.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	resp, err := s.deps.Controller.SubmitJob(c.Request.Context(), req)
	if err != nil {
		var verr *validation.Error
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field, "rule": verr.Rule})
		case errors.Is(err, controller.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down"})
		default:
			logging.FromContext(c.Request.Context(), s.log).Error("Failed to submit job", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		}
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// getJob handles GET /jobs/:runId.
func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Controller.GetJobStatus(types.RunID(c.Param("runId")))
	if err != nil {
		s.notFoundOr500(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, job)
}

// getResult handles GET /jobs/:runId/result.
func (s *Server) getResult(c *gin.Context) {
	result, err := s.deps.Controller.GetResult(c.Request.Context(), types.RunID(c.Param("runId")))
	if err != nil {
		if errors.Is(err, controller.ErrResultNotAvailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Result not available"})
			return
		}
		s.notFoundOr500(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, result)
}

// listJobs handles GET /jobs?status=&algorithmId=.
func (s *Server) listJobs(c *gin.Context) {
	filter := types.JobFilter{
		Status:      types.JobStatus(c.Query("status")),
		AlgorithmID: c.Query("algorithmId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter", "allowed": types.AllStatuses})
		return
	}
	c.JSON(http.StatusOK, s.deps.Controller.ListJobs(filter))
}

// cancelJob handles DELETE /jobs/:runId. Unknown ids answer {cancelled: false}.
func (s *Server) cancelJob(c *gin.Context) {
	cancelled, err := s.deps.Controller.CancelJob(types.RunID(c.Param("runId")))
	if err != nil && !errors.Is(err, jobmanager.ErrJobNotFound) {
		s.notFoundOr500(c, err, "Job not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// jobStats handles GET /jobs-stats.
func (s *Server) jobStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Controller.GetStats())
}

// listAlgorithms handles GET /algorithms.
func (s *Server) listAlgorithms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"algorithms": s.deps.Controller.Algorithms()})
}

func (s *Server) notFoundOr500(c *gin.Context, err error, msg string) {
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}
	logging.FromContext(c.Request.Context(), s.log).Error("Request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

// ============================================================================
// System handlers (read only)
// ============================================================================

// systemHealth handles GET /system/health. Unhealthy answers 503.
func (s *Server) systemHealth(c *gin.Context) {
	if s.deps.Monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "score": 100, "issues": []string{}})
		return
	}
	report := s.deps.Monitor.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// cacheHealth handles GET /system/cache-health.
func (s *Server) cacheHealth(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"health":  s.deps.Cache.Probe(ctx),
		"metrics": s.deps.Cache.GetMetrics(ctx),
	})
}

// rateLimitStats handles GET /system/rate-limit-stats.
func (s *Server) rateLimitStats(c *gin.Context) {
	if s.deps.Limiter == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":        true,
		"stats":          s.deps.Limiter.Stats(),
		"blockedClients": s.deps.Limiter.BlockedClients(),
	})
}

// systemMetrics handles GET /system/metrics: one JSON aggregate of every component.
func (s *Server) systemMetrics(c *gin.Context) {
	size, busy := s.deps.Controller.PoolStats()
	out := gin.H{
		"uptimeSeconds": time.Since(s.started).Seconds(),
		"jobs":          s.deps.Controller.GetStats(),
		"workers":       gin.H{"size": size, "busy": busy},
		"algorithms":    s.deps.Controller.Algorithms(),
	}
	if s.deps.Cache != nil {
		out["cache"] = s.deps.Cache.GetMetrics(c.Request.Context())
	}
	if s.deps.Limiter != nil {
		out["rateLimit"] = s.deps.Limiter.Stats()
	}
	if s.deps.Guard != nil {
		out["connections"] = s.deps.Guard.Stats()
	}
	if s.deps.Monitor != nil {
		if last, ok := s.deps.Monitor.Last(); ok {
			out["health"] = gin.H{"status": last.Status, "score": last.Score, "timestamp": last.Timestamp}
		}
	}
	c.JSON(http.StatusOK, out)
}
