package models

import "time"

// StepStatus is the lifecycle state of a PipelineStep.
type StepStatus string

const (
	// StepActive marks a stage that started and has not reported completion yet.
	StepActive StepStatus = "active"
	// StepCompleted marks a stage that reported completion. A completed step never becomes active
	// again; a re-entered stage appends a new step instead.
	StepCompleted StepStatus = "completed"
)

// PipelineStep is one entry of a turn's step timeline.
type PipelineStep struct {
	StageID     string     `json:"stage_id"`
	Label       string     `json:"label,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	QueryIndex  *int       `json:"query_index,omitempty"`
}

// AggregateStats are the per-turn totals reported by the pipeline when a turn finishes.
type AggregateStats struct {
	TotalRows            int     `json:"total_rows"`
	TotalQueries         int     `json:"total_queries"`
	TotalExecutionTimeMS float64 `json:"total_execution_time_ms"`
	TotalTimeMS          float64 `json:"total_time_ms"`
}
