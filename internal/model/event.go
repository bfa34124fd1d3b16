package model

import "time"

// StreamEventType 是 CRS 生成事件流中的事件种类。
type StreamEventType string

const (
	EventGenerationStarted StreamEventType = "generation_started"
	EventProgress          StreamEventType = "progress"
	EventComplete          StreamEventType = "complete"
	EventCRSUpdated        StreamEventType = "crs_updated"
	EventError             StreamEventType = "error"
	EventRetry             StreamEventType = "retry"
	EventPartial           StreamEventType = "partial"
)

// StreamEvent 是事件流中一帧的 JSON 负载，每帧只有一种 Type。
type StreamEvent struct {
	Type         StreamEventType  `json:"type"`
	Progress     *int             `json:"progress,omitempty"`
	Step         string           `json:"step,omitempty"`
	CRS          *CRSDocument     `json:"crs,omitempty"`
	IsComplete   bool             `json:"is_complete,omitempty"`
	Message      string           `json:"message,omitempty"`
	Attempt      int              `json:"attempt,omitempty"`
	Content      string           `json:"content,omitempty"`
	Patch        []PatchOperation `json:"patch,omitempty"`
	FullDocument *string          `json:"full_document,omitempty"`
	Metrics      *PatchSizes      `json:"_metrics,omitempty"`
}

// PatchMetrics 记录一次 patch 应用尝试，只用于诊断。
type PatchMetrics struct {
	SessionID            int64     `json:"session_id,omitempty"`
	OperationCount       int       `json:"operation_count"`
	PatchSizeBytes       int       `json:"patch_size_bytes"`
	FullSizeBytes        int       `json:"full_size_bytes"`
	SizeReductionPercent float64   `json:"size_reduction_percent"`
	DurationMs           float64   `json:"duration_ms"`
	Success              bool      `json:"success"`
	FallbackToFull       bool      `json:"fallback_to_full"`
	RecordedAt           time.Time `json:"recorded_at"`
}
