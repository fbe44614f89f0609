package tasks

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	coreerr "duxnet/core/errors"
	"duxnet/native/capability"
)

// Status is a task's position in the scheduling state machine.
type Status string

// Task statuses. completed, failed, timeout and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders pending tasks for selection.
type Priority string

// Task priorities, highest first.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps priorities to sortable integers; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

// ParsePriority validates a wire-level priority name, defaulting empty input
// to normal.
func ParsePriority(name string) (Priority, error) {
	trimmed := Priority(strings.ToLower(strings.TrimSpace(name)))
	switch trimmed {
	case "":
		return PriorityNormal, nil
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return trimmed, nil
	default:
		return "", coreerr.E(coreerr.CodeValidation, "unknown priority: %s", name)
	}
}

// Task is the canonical persisted record of a unit of work.
type Task struct {
	TaskID               string   `gorm:"primaryKey;column:task_id" json:"task_id"`
	TaskType             string   `gorm:"index" json:"task_type"`
	Payload              string   `json:"payload,omitempty"`
	Priority             Priority `gorm:"size:8" json:"priority"`
	PriorityRank         int      `gorm:"index" json:"-"`
	MaxExecutionTime     int      `json:"max_execution_time"`
	RequiredCapabilities string   `json:"-"`
	Reward               string   `json:"reward,omitempty"`
	Currency             string   `gorm:"size:8" json:"currency,omitempty"`
	SubmitterID          string   `gorm:"index" json:"submitter_id"`
	AssignedNodeID       string   `gorm:"index" json:"assigned_node_id,omitempty"`
	Status               Status   `gorm:"size:16;index" json:"status"`
	Result               string   `json:"result,omitempty"`
	ErrorMessage         string   `json:"error_message,omitempty"`
	EscrowID             string   `gorm:"index" json:"escrow_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// RequiredCapabilityList decodes the stored capability requirement set.
func (t *Task) RequiredCapabilityList() []string {
	if t == nil || t.RequiredCapabilities == "" {
		return nil
	}
	var caps []string
	if err := json.Unmarshal([]byte(t.RequiredCapabilities), &caps); err != nil {
		return nil
	}
	return caps
}

// SetRequiredCapabilities normalises and stores the requirement set.
func (t *Task) SetRequiredCapabilities(caps []string) {
	set := make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		if normalized := capability.Normalize(cap); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	unique := make([]string, 0, len(set))
	for cap := range set {
		unique = append(unique, cap)
	}
	sort.Strings(unique)
	encoded, _ := json.Marshal(unique)
	t.RequiredCapabilities = string(encoded)
}

func encodePayload(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", coreerr.E(coreerr.CodeValidation, "payload not serializable")
	}
	return string(encoded), nil
}

// TaskResult is the persisted outcome of a completed execution.
type TaskResult struct {
	ResultID        string    `gorm:"primaryKey;column:result_id" json:"result_id"`
	TaskID          string    `gorm:"index" json:"task_id"`
	NodeID          string    `gorm:"index" json:"node_id"`
	Output          string    `json:"output,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// Statistics summarises the task table.
type Statistics struct {
	Total           int64              `json:"total"`
	ByStatus        map[Status]int64   `json:"by_status"`
	ByPriority      map[Priority]int64 `json:"by_priority"`
	AverageDuration float64            `json:"average_duration_seconds"`
}
