package analytics

import (
	"context"

	"github.com/google/uuid"
)

// Recorder accepts invocation outcomes for best-effort persistence. The
// dispatch facade treats every call as fire-and-forget: a recording failure
// is logged but never surfaced to the caller of an invocation.
type Recorder interface {
	Record(event InvocationEvent) error
}

// InvocationEvent is the payload submitted by the facade after each invocation.
type InvocationEvent struct {
	InvocationID uuid.UUID
	CallerKey    string
	Provider     string
	Model        string
	IsStreaming  bool
	Status       InvocationStatus
	TokensUsed   int
	LatencyMs    int64
	ErrorMessage string
}

// InvocationRepository defines storage operations for invocation records.
type InvocationRepository interface {
	Create(ctx context.Context, record *InvocationRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*InvocationRecord, error)
	FindRecent(ctx context.Context, limit int) ([]*InvocationRecord, error)
	Aggregate(ctx context.Context) (*AggregatedStats, error)
}

// ProcessorHealth reports the state of the async recording pipeline.
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
	DroppedCount   int64 `json:"dropped_count"`
}

// Processor is the lifecycle interface of the async recorder implementation.
type Processor interface {
	Recorder
	Start(ctx context.Context) error
	Stop() error
	Health() ProcessorHealth
}
