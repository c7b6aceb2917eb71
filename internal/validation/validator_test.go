package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/ChuLiYu/sched-optimizer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRequest builds a request with n events carrying the given start date.
func newRequest(algorithmID string, n int, startDate string) types.JobRequest {
	events := make([]types.Event, n)
	for i := range events {
		events[i] = types.Event{ID: "E" + strings.Repeat("1", 1+i%3), StartDate: startDate}
	}
	return types.JobRequest{
		AlgorithmID:  algorithmID,
		ScheduleData: &types.ScheduleData{Events: events},
	}
}

func TestValidate(t *testing.T) {
	v := New(Config{})

	tests := []struct {
		name    string
		req     types.JobRequest
		wantErr string
	}{
		{
			name:    "Missing algorithm ID",
			req:     types.JobRequest{},
			wantErr: "Algorithm ID is required",
		},
		{
			name:    "Invalid characters",
			req:     types.JobRequest{AlgorithmID: "invalid algorithm!"},
			wantErr: "Invalid algorithm ID format",
		},
		{
			name:    "Uppercase rejected",
			req:     types.JobRequest{AlgorithmID: "Forward-Scheduling"},
			wantErr: "Invalid algorithm ID format",
		},
		{
			name:    "101 characters",
			req:     types.JobRequest{AlgorithmID: strings.Repeat("a", 101)},
			wantErr: "too long",
		},
		{
			name: "100 characters accepted",
			req:  types.JobRequest{AlgorithmID: strings.Repeat("a", 100)},
		},
		{
			name:    "10001 events",
			req:     newRequest("forward-scheduling", 10001, ""),
			wantErr: "too many events",
		},
		{
			name: "10000 events accepted",
			req:  newRequest("forward-scheduling", 10000, ""),
		},
		{
			name:    "Date-only start rejected",
			req:     newRequest("forward-scheduling", 1, "2024-01-01"),
			wantErr: "Invalid startDate format",
		},
		{
			name:    "Missing zone rejected",
			req:     newRequest("forward-scheduling", 1, "2024-01-01T10:00:00"),
			wantErr: "Invalid startDate format",
		},
		{
			name:    "Impossible calendar date rejected",
			req:     newRequest("forward-scheduling", 1, "2024-13-45T10:00:00Z"),
			wantErr: "Invalid startDate format",
		},
		{
			name: "UTC accepted",
			req:  newRequest("forward-scheduling", 1, "2024-01-01T10:00:00Z"),
		},
		{
			name: "Positive offset accepted",
			req:  newRequest("forward-scheduling", 1, "2024-01-01T10:00:00+02:00"),
		},
		{
			name: "Negative offset accepted",
			req:  newRequest("forward-scheduling", 1, "2024-01-01T10:00:00-05:00"),
		},
		{
			name: "Fractional seconds accepted",
			req:  newRequest("forward-scheduling", 1, "2024-01-01T10:00:00.123Z"),
		},
		{
			name: "No schedule data",
			req:  types.JobRequest{AlgorithmID: "critical-path"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verr *Error
			assert.True(t, errors.As(err, &verr), "error should be *validation.Error")
		})
	}
}

func TestValidate_FailFastOrder(t *testing.T) {
	v := New(Config{})

	// Bad ID and bad events: the ID rule comes first.
	req := newRequest("BAD ID", 10001, "2024-01-01")
	err := v.Validate(req)
	require.Error(t, err)
	assert.Equal(t, "Invalid algorithm ID format", err.Error())

	// Too many events and bad dates: the count rule comes first.
	req = newRequest("forward-scheduling", 10001, "2024-01-01")
	err = v.Validate(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many events")
}

func TestValidate_ReportsFailingEvent(t *testing.T) {
	v := New(Config{})
	req := types.JobRequest{
		AlgorithmID: "forward-scheduling",
		ScheduleData: &types.ScheduleData{Events: []types.Event{
			{ID: "E1", StartDate: "2024-01-01T10:00:00Z"},
			{ID: "E2", StartDate: "tomorrow"},
		}},
	}

	err := v.Validate(req)
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "scheduleData.events[1].startDate", verr.Field)
	assert.Contains(t, verr.Message, "E2")
}

func TestValidate_ConfiguredLimits(t *testing.T) {
	v := New(Config{MaxEvents: 2, MaxAlgorithmIDLength: 5})
	assert.Equal(t, Config{MaxEvents: 2, MaxAlgorithmIDLength: 5}, v.Limits())

	assert.NoError(t, v.Validate(newRequest("abc", 2, "")))
	assert.ErrorContains(t, v.Validate(newRequest("abcdef", 0, "")), "max 5 characters")
	assert.ErrorContains(t, v.Validate(newRequest("abc", 3, "")), "max 2")
}

func TestIsISOTimestamp(t *testing.T) {
	assert.True(t, IsISOTimestamp("2024-06-30T23:59:59.999999+14:00"))
	assert.False(t, IsISOTimestamp(""))
	assert.False(t, IsISOTimestamp("2024-01-01 10:00:00Z"))
	assert.False(t, IsISOTimestamp("2024-01-01T10:00Z"))
}
