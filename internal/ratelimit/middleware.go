package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Classifier picks the endpoint class of a request. Returning "" skips limiting.
type Classifier func(c *gin.Context) Class

// MethodClassifier puts mutating methods in ClassWrite and everything else in ClassAPI.
func MethodClassifier(c *gin.Context) Class {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return ClassWrite
	default:
		return ClassAPI
	}
}

// RejectHook is notified for every rejected request (metrics).
type RejectHook func(class Class)

// Middleware 在請求抵達任務邏輯之前進行限流檢查
//
// 被拒絕的請求回傳 429 與 resetTime，不會佔用佇列或 worker。
func Middleware(l *Limiter, classify Classifier, onReject RejectHook) gin.HandlerFunc {
	if classify == nil {
		classify = MethodClassifier
	}
	return func(c *gin.Context) {
		class := classify(c)
		if class == "" {
			c.Next()
			return
		}

		d := l.Check(c.ClientIP(), class)
		if d.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
		}
		if d.Allowed {
			c.Next()
			return
		}

		if onReject != nil {
			onReject(class)
		}
		retry := d.RetryAfter(time.Now())
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":     "Too many requests",
			"class":     class,
			"resetTime": d.ResetTime,
		})
	}
}
