package domain

// AgentStatus is the lifecycle state of an agent row.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusQueued    AgentStatus = "queued"
	StatusSpawning  AgentStatus = "spawning"
	StatusRunning   AgentStatus = "running"
	StatusPaused    AgentStatus = "paused"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTimedOut  AgentStatus = "timed_out"
	StatusEscalated AgentStatus = "escalated"
)

// Valid reports whether s is a recognized agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusSpawning, StatusRunning,
		StatusPaused, StatusCompleted, StatusFailed, StatusTimedOut, StatusEscalated:
		return true
	}
	return false
}

// Terminal reports whether s ends the agent's current retry. Only
// timed_out may leave a terminal-looking state, via the retry transition
// back to queued.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// Active reports whether a worker process may exist for this status.
func (s AgentStatus) Active() bool {
	switch s {
	case StatusRunning, StatusSpawning, StatusPaused:
		return true
	}
	return false
}

// ProjectPhase is the lifecycle phase of the singleton project.
type ProjectPhase string

const (
	PhaseInitializing ProjectPhase = "initializing"
	PhasePlanning     ProjectPhase = "planning"
	PhaseBuilding     ProjectPhase = "building"
	PhaseTesting      ProjectPhase = "testing"
	PhaseReviewing    ProjectPhase = "reviewing"
	PhaseCompleting   ProjectPhase = "completing"
	PhaseCompleted    ProjectPhase = "completed"
	PhaseFailed       ProjectPhase = "failed"
	PhasePaused       ProjectPhase = "paused"
)

// Terminal reports whether the project has reached a final phase.
func (p ProjectPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// MessageType classifies bus messages.
type MessageType string

const (
	MessageInfo        MessageType = "info"
	MessageProgress    MessageType = "progress"
	MessageDone        MessageType = "done"
	MessageError       MessageType = "error"
	MessageHelp        MessageType = "help"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageCheckpoint  MessageType = "checkpoint"
	MessageQuestion    MessageType = "question"
	MessageNeedsReview MessageType = "needs_review"
)

// Valid reports whether t is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageInfo, MessageProgress, MessageDone, MessageError, MessageHelp,
		MessageHeartbeat, MessageCheckpoint, MessageQuestion, MessageNeedsReview:
		return true
	}
	return false
}

// BroadcastRole is the sentinel "to" value addressing every subscriber.
const BroadcastRole = "all"

// SupervisorRole is the sentinel recipient for escalations and help requests.
const SupervisorRole = "supervisor"

// Heartbeat statuses a worker may report.
var HeartbeatStatuses = map[string]bool{
	"working":  true,
	"thinking": true,
	"writing":  true,
}

// Report statuses accepted by report_status.
var ReportStatuses = map[string]bool{
	"working":       true,
	"blocked":       true,
	"done":          true,
	"context_limit": true,
}
