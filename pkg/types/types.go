package types

import (
	"time"
)

// Priority orders tasks into scheduling lanes. Higher values win.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// PriorityRank maps a priority to its lane rank (higher = scheduled first).
func PriorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	return PriorityRank(p) >= 0
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskWorking    TaskStatus = "working"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeadLetter
}

// ComplexityTier is an advisory sizing hint attached by goal decomposition.
type ComplexityTier string

const (
	ComplexityTrivial  ComplexityTier = "trivial"
	ComplexityStandard ComplexityTier = "standard"
	ComplexityComplex  ComplexityTier = "complex"
	ComplexityUnknown  ComplexityTier = "unknown"
)

// Task is a unit of work routed to exactly one agent at a time.
//
// Generation is incremented on every (re)assignment. Acknowledgments and
// results from agents must echo the generation they received; stale
// generations are discarded without altering task state.
type Task struct {
	ID                 string            `json:"id"`
	Description        string            `json:"description"`
	Priority           Priority          `json:"priority"`
	Status             TaskStatus        `json:"status"`
	SubmittedBy        string            `json:"submitted_by"`
	SubmittedAt        int64             `json:"submitted_at"` // unix ms
	AssignedTo         string            `json:"assigned_to,omitempty"`
	AssignedAt         int64             `json:"assigned_at,omitempty"`
	UpdatedAt          int64             `json:"updated_at"`
	Generation         int               `json:"generation"`
	NeededCapabilities []string          `json:"needed_capabilities,omitempty"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DependsOn          []string          `json:"depends_on,omitempty"`
	GoalID             string            `json:"goal_id,omitempty"`
	Complexity         ComplexityTier    `json:"complexity_tier,omitempty"`
	VerificationSteps  []string          `json:"verification_steps,omitempty"`
	Result             string            `json:"result,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
}

// AgentState represents the work lifecycle state of a connected agent.
type AgentState string

const (
	AgentOffline  AgentState = "offline"
	AgentIdle     AgentState = "idle"
	AgentAssigned AgentState = "assigned"
	AgentWorking  AgentState = "working"
	AgentBlocked  AgentState = "blocked"
)

// AgentFlag is an advisory marker on an agent record.
type AgentFlag string

const (
	// FlagUnresponsive marks an agent that let an acceptance timeout fire.
	// Advisory only; it does not prevent future assignments.
	FlagUnresponsive AgentFlag = "unresponsive"
)

// AgentSnapshot is the public view of a connected agent, published to the
// presence cache on every state change.
type AgentSnapshot struct {
	AgentID       string      `json:"agent_id"`
	Name          string      `json:"name"`
	Capabilities  []string    `json:"capabilities"`
	State         AgentState  `json:"fsm_state"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	Flags         []AgentFlag `json:"flags,omitempty"`
	ConnectedAt   time.Time   `json:"connected_at"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of needed. An empty needed set matches every agent.
func (s *AgentSnapshot) HasCapabilities(needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c] = struct{}{}
	}
	for _, n := range needed {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}

// GoalStatus represents the lifecycle state of a goal.
type GoalStatus string

const (
	GoalSubmitted   GoalStatus = "submitted"
	GoalDecomposing GoalStatus = "decomposing"
	GoalExecuting   GoalStatus = "executing"
	GoalVerifying   GoalStatus = "verifying"
	GoalComplete    GoalStatus = "complete"
	GoalFailed      GoalStatus = "failed"
)

// Goal is a high-level objective that decomposes into one or more tasks.
type Goal struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	SuccessCriteria string     `json:"success_criteria"`
	Priority        Priority   `json:"priority"`
	Status          GoalStatus `json:"status"`
	TaskIDs         []string   `json:"task_ids,omitempty"`
	Attempts        int        `json:"attempts"`
	SubmittedAt     int64      `json:"submitted_at"`
	UpdatedAt       int64      `json:"updated_at"`
	FailureReason   string     `json:"failure_reason,omitempty"`
}

// MaxGoalAttempts bounds verification-driven retries per goal.
const MaxGoalAttempts = 2

// Message is a routed inter-agent message. Undeliverable direct messages
// are enqueued in the recipient's mailbox.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`      // empty for broadcast
	Channel   string `json:"channel,omitempty"` // named channel delivery
	Payload   string `json:"payload"`
	ThreadID  string `json:"thread_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// MailboxEntry is a queued message awaiting pickup, keyed by a monotonic
// per-recipient sequence number.
type MailboxEntry struct {
	Recipient string  `json:"recipient"`
	Seq       uint64  `json:"seq"`
	Message   Message `json:"message"`
}

// HubState represents the process-wide autonomous state.
type HubState string

const (
	HubResting       HubState = "resting"
	HubExecuting     HubState = "executing"
	HubImproving     HubState = "improving"
	HubContemplating HubState = "contemplating"
	HubHealing       HubState = "healing"
)

// HubTransition records one hub state change for the bounded history ring.
type HubTransition struct {
	From      HubState  `json:"from"`
	To        HubState  `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NowMillis returns the current wall-clock time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NormalizeCapabilities lowers structured capability values to their plain
// string names and deduplicates. Matching elsewhere is exact string compare.
func NormalizeCapabilities(raw []interface{}) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, v := range raw {
		var name string
		switch c := v.(type) {
		case string:
			name = c
		case map[string]interface{}:
			if n, ok := c["name"].(string); ok {
				name = n
			}
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
