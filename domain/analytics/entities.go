package analytics

import (
	"time"

	"github.com/google/uuid"
)

// InvocationStatus represents the terminal state of a recorded invocation.
type InvocationStatus string

const (
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
	StatusCancelled InvocationStatus = "cancelled"
)

// InvocationRecord stores one invocation's analytics row.
type InvocationRecord struct {
	ID           uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	CallerKey    string           `gorm:"type:varchar(255);index" json:"caller_key"`
	Provider     string           `gorm:"type:varchar(64);not null;index" json:"provider"`
	Model        string           `gorm:"type:varchar(255)" json:"model"`
	IsStreaming  bool             `gorm:"default:false" json:"is_streaming"`
	Status       InvocationStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	TokensUsed   int              `gorm:"default:0" json:"tokens_used"`
	LatencyMs    int64            `gorm:"default:0" json:"latency_ms"`
	ErrorMessage string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// AggregatedStats summarizes recorded invocations for the stats endpoint.
type AggregatedStats struct {
	TotalInvocations int64   `json:"total_invocations"`
	SucceededCount   int64   `json:"succeeded_count"`
	FailedCount      int64   `json:"failed_count"`
	TotalTokens      int64   `json:"total_tokens"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}
