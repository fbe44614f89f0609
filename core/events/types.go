package events

import "strconv"

// Event type discriminators emitted by the core engines.
const (
	TypeNodeRegistered   = "registry.nodeRegistered"
	TypeNodeOffline      = "registry.nodeOffline"
	TypeNodeDeregistered = "registry.nodeDeregistered"
	TypeReputationApplied = "registry.reputationApplied"

	TypeTaskSubmitted = "tasks.submitted"
	TypeTaskAssigned  = "tasks.assigned"
	TypeTaskStarted   = "tasks.started"
	TypeTaskCompleted = "tasks.completed"
	TypeTaskFailed    = "tasks.failed"
	TypeTaskTimeout   = "tasks.timeout"
	TypeTaskCancelled = "tasks.cancelled"

	TypeEscrowCreated   = "escrow.created"
	TypeEscrowFunded    = "escrow.funded"
	TypeEscrowStarted   = "escrow.started"
	TypeEscrowCompleted = "escrow.completed"
	TypeEscrowDisputed  = "escrow.disputed"
	TypeEscrowRefunded  = "escrow.refunded"
	TypeEscrowCancelled = "escrow.cancelled"
)

// NewNodeEvent returns a registry lifecycle event for the given node.
func NewNodeEvent(eventType, nodeID, status string) *Event {
	return &Event{Type: eventType, Attributes: map[string]string{
		"nodeId": nodeID,
		"status": status,
	}}
}

// NewReputationEvent captures the outcome of a reputation adjustment.
func NewReputationEvent(nodeID string, old, next float64, clamped bool) *Event {
	return &Event{Type: TypeReputationApplied, Attributes: map[string]string{
		"nodeId":  nodeID,
		"old":     strconv.FormatFloat(old, 'f', -1, 64),
		"new":     strconv.FormatFloat(next, 'f', -1, 64),
		"clamped": strconv.FormatBool(clamped),
	}}
}

// NewTaskEvent returns a scheduler transition event.
func NewTaskEvent(eventType, taskID, nodeID string) *Event {
	attrs := map[string]string{"taskId": taskID}
	if nodeID != "" {
		attrs["nodeId"] = nodeID
	}
	return &Event{Type: eventType, Attributes: attrs}
}

// NewEscrowEvent returns an escrow transition event.
func NewEscrowEvent(eventType, contractID, status string) *Event {
	return &Event{Type: eventType, Attributes: map[string]string{
		"contractId": contractID,
		"status":     status,
	}}
}
