// Package domain holds orchestration entities. It has no dependencies on
// other packages.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// NormalizeRole canonicalizes a role name. Roles compare case-insensitively
// everywhere, so every boundary normalizes before lookup or persistence.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// Project is the singleton project record.
type Project struct {
	Name        string       `json:"name"`
	Dir         string       `json:"dir"`
	Phase       ProjectPhase `json:"phase"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Brief       string       `json:"brief,omitempty"`
}

// Agent is one roster role and its lifecycle state. Keyed by Role.
type Agent struct {
	Role                  string      `json:"role"`
	WorkerKind            string      `json:"worker_kind"`
	Status                AgentStatus `json:"status"`
	Dependencies          []string    `json:"dependencies,omitempty"`
	TaskID                string      `json:"task_id,omitempty"`
	SpawnedAt             time.Time   `json:"spawned_at,omitempty"`
	CompletedAt           time.Time   `json:"completed_at,omitempty"`
	LastHeartbeatAt       time.Time   `json:"last_heartbeat_at,omitempty"`
	TimeoutAt             time.Time   `json:"timeout_at,omitempty"`
	RetryCount            int         `json:"retry_count"`
	LastMessage           string      `json:"last_message,omitempty"`
	LastError             string      `json:"last_error,omitempty"`
	RecoveryContext       string      `json:"recovery_context,omitempty"`
	EstimatedContextUsage int         `json:"estimated_context_usage,omitempty"`
	Artifacts             []string    `json:"artifacts,omitempty"`
}

// DependsOn reports whether role is one of the agent's dependencies.
func (a *Agent) DependsOn(role string) bool {
	role = NormalizeRole(role)
	for _, d := range a.Dependencies {
		if NormalizeRole(d) == role {
			return true
		}
	}
	return false
}

// Checkpoint is a worker-authored progress snapshot. Append-only per role.
// The item lists are stored as JSON-encoded string arrays exactly as the
// worker supplied them; DecodeList recovers the slice form.
type Checkpoint struct {
	ID                    int64     `json:"id"`
	Role                  string    `json:"role"`
	CreatedAt             time.Time `json:"created_at"`
	Summary               string    `json:"summary"`
	CompletedItems        string    `json:"completed_items,omitempty"`
	PendingItems          string    `json:"pending_items,omitempty"`
	ActiveFiles           string    `json:"active_files,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
	EstimatedContextUsage int       `json:"estimated_context_usage,omitempty"`
}

// DecodeList parses a JSON-encoded string array. ok is false when raw is
// neither empty nor a valid array; callers then embed raw verbatim rather
// than lose it.
func DecodeList(raw string) (items []string, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}
	return items, true
}

// EncodeList renders items as the JSON array form DecodeList accepts.
// An empty slice encodes to the empty string.
func EncodeList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}

// PercentComplete derives completion as completed/max(1, completed+pending),
// expressed 0-100. Unparseable lists count as empty.
func (c *Checkpoint) PercentComplete() int {
	completed, _ := DecodeList(c.CompletedItems)
	pending, _ := DecodeList(c.PendingItems)
	total := len(completed) + len(pending)
	if total < 1 {
		total = 1
	}
	return len(completed) * 100 / total
}

// Message is a durable bus message between roles. To may be BroadcastRole.
// Artifacts is a JSON-encoded string array, Metadata a JSON object; both
// optional and opaque to the core.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Content   string      `json:"content"`
	Artifacts string      `json:"artifacts,omitempty"`
	Metadata  string      `json:"metadata,omitempty"`
}

// MatchesRole implements the bus filter rule: a subscription for role r
// sees a message iff it is addressed to r, broadcast, or sent by r.
// The empty role matches everything.
func (m *Message) MatchesRole(role string) bool {
	if role == "" {
		return true
	}
	role = NormalizeRole(role)
	return NormalizeRole(m.To) == role || m.To == BroadcastRole || NormalizeRole(m.From) == role
}

// Task is one spawn attempt in the task ledger. ID doubles as the worker's
// session correlation id.
type Task struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	WorkerKind string    `json:"worker_kind"`
	Status     string    `json:"status"` // running, completed, failed, terminated
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
