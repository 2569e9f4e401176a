package domain

import "time"

// InteractionStatus is the lifecycle state of a tool interaction.
type InteractionStatus string

const (
	InteractionRunning   InteractionStatus = "running"
	InteractionCompleted InteractionStatus = "completed"
	InteractionFailed    InteractionStatus = "failed"
)

// ToolInteraction pairs a tool_use part with its tool_result, when one exists.
type ToolInteraction struct {
	Call      ContentPart       `json:"call"`
	Result    *ContentPart      `json:"result,omitempty"`
	Status    InteractionStatus `json:"status"`
	StartTime time.Time         `json:"startTime"`
	EndTime   *time.Time        `json:"endTime,omitempty"`
}
