package domain

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the state of an approval invocation. PENDING is the
// only non-terminal value.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalTimedOut ApprovalStatus = "TIMED_OUT"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Approval gates the execution of one sensitive tool invocation.
type Approval struct {
	ToolUseID  string          `json:"toolUseId"`
	SessionID  string          `json:"sessionId"`
	JobID      string          `json:"jobId"`
	ToolName   string          `json:"toolName"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	Status     ApprovalStatus  `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	TimeoutAt  time.Time       `json:"timeoutAt"`
	DecidedAt  *time.Time      `json:"decidedAt,omitempty"`
	ApprovedBy string          `json:"approvedBy,omitempty"`
}
