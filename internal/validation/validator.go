// ============================================================================
// Request Validator - admission checks for optimization jobs
// ============================================================================
//
// Package: internal/validation
// File: validator.go
// Function: Shape and content checks applied before a job is created
//
// Rule order (fail-fast, the first failing rule is reported):
//   1. algorithmId required
//   2. algorithmId length <= MaxAlgorithmIDLength
//   3. algorithmId matches ^[a-z0-9-]+$
//   4. scheduleData.events length <= MaxEvents
//   5. every present event startDate is strict ISO-8601 with time and zone
//
// Each rule is a go-playground/validator tag evaluated with Var so that the
// order stays explicit; struct-level validation would accumulate errors.
//
// ============================================================================

package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
	"github.com/go-playground/validator/v10"
)

// Default limits, overridable through Config.
const (
	DefaultMaxEvents            = 10000
	DefaultMaxAlgorithmIDLength = 100
)

var algorithmIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var isoTimestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// Error 驗證失敗，Message 指出第一個失敗的規則
type Error struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// Config holds the configurable limits.
type Config struct {
	MaxEvents            int
	MaxAlgorithmIDLength int
}

// Validator checks job requests. Safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	cfg      Config
	maxIDTag string
	maxEvTag string
}

// New creates a Validator; zero limits fall back to the defaults.
func New(cfg Config) *Validator {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.MaxAlgorithmIDLength <= 0 {
		cfg.MaxAlgorithmIDLength = DefaultMaxAlgorithmIDLength
	}

	v := validator.New()
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("algorithmid", func(fl validator.FieldLevel) bool {
		return algorithmIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("isotimestamp", func(fl validator.FieldLevel) bool {
		return IsISOTimestamp(fl.Field().String())
	})

	return &Validator{
		validate: v,
		cfg:      cfg,
		maxIDTag: fmt.Sprintf("max=%d", cfg.MaxAlgorithmIDLength),
		maxEvTag: fmt.Sprintf("max=%d", cfg.MaxEvents),
	}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Config {
	return v.cfg
}

// Validate 依序檢查請求，回傳第一個失敗規則的 *Error；通過時回傳 nil
func (v *Validator) Validate(req types.JobRequest) error {
	id := req.AlgorithmID

	if v.validate.Var(id, "required") != nil {
		return &Error{Field: "algorithmId", Rule: "required", Message: "Algorithm ID is required"}
	}
	if v.validate.Var(id, v.maxIDTag) != nil {
		return &Error{
			Field:   "algorithmId",
			Rule:    "max",
			Message: fmt.Sprintf("Algorithm ID is too long (max %d characters)", v.cfg.MaxAlgorithmIDLength),
		}
	}
	if v.validate.Var(id, "algorithmid") != nil {
		return &Error{Field: "algorithmId", Rule: "format", Message: "Invalid algorithm ID format"}
	}

	if req.ScheduleData == nil || req.ScheduleData.Events == nil {
		return nil
	}
	events := req.ScheduleData.Events
	if v.validate.Var(events, v.maxEvTag) != nil {
		return &Error{
			Field:   "scheduleData.events",
			Rule:    "max",
			Message: fmt.Sprintf("Schedule contains too many events (max %d)", v.cfg.MaxEvents),
		}
	}

	for i, e := range events {
		if e.StartDate == "" {
			continue
		}
		if v.validate.Var(e.StartDate, "isotimestamp") != nil {
			return &Error{
				Field:   fmt.Sprintf("scheduleData.events[%d].startDate", i),
				Rule:    "isotimestamp",
				Message: fmt.Sprintf("Invalid startDate format for event %s", e.ID),
			}
		}
	}
	return nil
}

// IsISOTimestamp reports whether s is an ISO-8601 timestamp with a mandatory
// time component and either Z or a ±HH:MM offset. Date-only strings fail.
func IsISOTimestamp(s string) bool {
	if !isoTimestampPattern.MatchString(s) {
		return false
	}
	// The pattern accepts 2024-13-45; the parse rejects impossible dates.
	_, err := time.Parse(time.RFC3339Nano, s)
	return err == nil
}
