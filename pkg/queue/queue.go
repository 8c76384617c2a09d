package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

var (
	// ErrNotFound is returned for operations on unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrNotQueued is returned by Assign when the task is not in the
	// queued state.
	ErrNotQueued = errors.New("task not queued")

	// ErrStaleGeneration is returned when an ack or result echoes a
	// generation older than the task's current assignment. Callers log
	// at info and discard; task state is never altered.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrWrongAgent is returned when an ack arrives from an agent that
	// does not hold the task.
	ErrWrongAgent = errors.New("task assigned to a different agent")
)

// SubmitRequest carries the caller-supplied fields of a new task.
type SubmitRequest struct {
	Description        string
	Priority           types.Priority
	SubmittedBy        string
	NeededCapabilities []string
	MaxRetries         int
	Metadata           map[string]string
	DependsOn          []string
	GoalID             string
	Complexity         types.ComplexityTier
	VerificationSteps  []string
}

// Filter selects tasks for List. Zero fields match everything.
type Filter struct {
	Status     types.TaskStatus
	Priority   types.Priority
	AssignedTo string
	GoalID     string
}

// Queue is the durable task store plus its in-memory index. All
// operations are serialized under one mutex; per-task sequences
// (submit → assign → ack → complete) are therefore totally ordered.
type Queue struct {
	mu         sync.Mutex
	table      *storage.Table
	broker     *events.Broker
	tasks      map[string]*types.Task
	maxRetries int
}

// New loads the task table into memory and returns the queue.
func New(store *storage.Store, broker *events.Broker, maxRetries int) (*Queue, error) {
	q := &Queue{
		table:      store.Table(storage.TableTasks),
		broker:     broker,
		tasks:      make(map[string]*types.Task),
		maxRetries: maxRetries,
	}

	logger := log.WithComponent("queue")
	err := q.table.Scan(func(k, v []byte) error {
		var task types.Task
		if jsonErr := json.Unmarshal(v, &task); jsonErr != nil {
			logger.Warn().Str("key", string(k)).Msg("skipping unreadable task record")
			return nil
		}
		q.tasks[task.ID] = &task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load task table: %w", err)
	}

	return q, nil
}

// Submit validates and enqueues a new task.
func (q *Queue) Submit(req SubmitRequest) (*types.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !types.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = q.maxRetries
	}

	now := types.NowMillis()
	task := &types.Task{
		ID:                 uuid.New().String(),
		Description:        req.Description,
		Priority:           req.Priority,
		Status:             types.TaskQueued,
		SubmittedBy:        req.SubmittedBy,
		SubmittedAt:        now,
		UpdatedAt:          now,
		Generation:         0,
		NeededCapabilities: req.NeededCapabilities,
		MaxRetries:         req.MaxRetries,
		Metadata:           req.Metadata,
		DependsOn:          req.DependsOn,
		GoalID:             req.GoalID,
		Complexity:         req.Complexity,
		VerificationSteps:  req.VerificationSteps,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.persist(task); err != nil {
		return nil, err
	}
	q.tasks[task.ID] = task

	q.publish(events.EventTaskSubmitted, task, "")
	return copyTask(task), nil
}

// Get returns a copy of the task.
func (q *Queue) Get(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

// List returns copies of all tasks matching the filter, ordered by
// submission time.
func (q *Queue) List(f Filter) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, task := range q.tasks {
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		if f.Priority != "" && task.Priority != f.Priority {
			continue
		}
		if f.AssignedTo != "" && task.AssignedTo != f.AssignedTo {
			continue
		}
		if f.GoalID != "" && task.GoalID != f.GoalID {
			continue
		}
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt < out[j].SubmittedAt })
	return out
}

// Schedulable returns copies of queued, dependency-resolved tasks in
// scheduling order: priority descending, then FIFO by submission time.
// A task with any dependency not yet completed is held back.
func (q *Queue) Schedulable() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, task := range q.tasks {
		if task.Status != types.TaskQueued {
			continue
		}
		if !q.depsResolved(task) {
			continue
		}
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := types.PriorityRank(out[i].Priority), types.PriorityRank(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return out[i].SubmittedAt < out[j].SubmittedAt
	})
	return out
}

func (q *Queue) depsResolved(task *types.Task) bool {
	for _, dep := range task.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Assign atomically moves a queued task to assigned, stamps the assignee,
// and increments the generation.
func (q *Queue) Assign(id, agentID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != types.TaskQueued {
		return nil, ErrNotQueued
	}

	prev := *task
	now := types.NowMillis()
	task.Status = types.TaskAssigned
	task.AssignedTo = agentID
	task.AssignedAt = now
	task.UpdatedAt = now
	task.Generation++

	if err := q.persist(task); err != nil {
		*task = prev
		return nil, err
	}

	q.publish(events.EventTaskAssigned, task, agentID)
	return copyTask(task), nil
}

// MarkWorking records the agent's acceptance of an assignment. Rejects
// stale generations (an ack from a previous holder of the task).
func (q *Queue) MarkWorking(id, agentID string, generation int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if generation != task.Generation {
		return ErrStaleGeneration
	}
	if task.AssignedTo != agentID {
		return ErrWrongAgent
	}
	if task.Status != types.TaskAssigned {
		return fmt.Errorf("task %s is %s, expected assigned", id, task.Status)
	}

	prev := *task
	task.Status = types.TaskWorking
	task.UpdatedAt = types.NowMillis()

	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}

	q.publish(events.EventTaskWorking, task, agentID)
	return nil
}

// Complete finishes a task. Rejects stale generations.
func (q *Queue) Complete(id string, generation int, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if generation != task.Generation {
		return ErrStaleGeneration
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskWorking {
		return fmt.Errorf("task %s is %s, cannot complete", id, task.Status)
	}

	prev := *task
	task.Status = types.TaskCompleted
	task.Result = result
	task.AssignedTo = ""
	task.UpdatedAt = types.NowMillis()

	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}

	q.publish(events.EventTaskCompleted, task, prev.AssignedTo)
	return nil
}

// Fail records a task failure. Below the retry limit the task is
// requeued with bumped retry and generation counters; at the limit it
// moves to the dead-letter state.
func (q *Queue) Fail(id string, generation int, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if generation != task.Generation {
		return ErrStaleGeneration
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskWorking {
		return fmt.Errorf("task %s is %s, cannot fail", id, task.Status)
	}

	prev := *task
	now := types.NowMillis()
	task.FailureReason = reason
	task.AssignedTo = ""
	task.UpdatedAt = now

	var evt events.EventType
	if task.RetryCount < task.MaxRetries {
		task.Status = types.TaskQueued
		task.RetryCount++
		task.Generation++
		evt = events.EventTaskRetried
	} else {
		task.Status = types.TaskDeadLetter
		evt = events.EventTaskDeadLetter
	}

	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}

	q.publish(evt, task, prev.AssignedTo)
	if task.Status == types.TaskDeadLetter {
		q.cascadeDeadLetter(task.ID)
	}
	return nil
}

// cascadeDeadLetter dead-letters queued tasks whose dependency chain
// can no longer resolve, walking transitively so a whole dependency
// subtree terminates instead of starving in queued. Called with the
// lock held after a task enters the dead-letter state. Cascaded tasks
// stay individually retryable via DeadLetterRetry.
func (q *Queue) cascadeDeadLetter(rootID string) {
	pending := []string{rootID}
	for len(pending) > 0 {
		deadID := pending[0]
		pending = pending[1:]

		for _, task := range q.tasks {
			if task.Status != types.TaskQueued || !dependsOn(task, deadID) {
				continue
			}
			prev := *task
			task.Status = types.TaskDeadLetter
			task.FailureReason = fmt.Sprintf("dependency %s dead-lettered", deadID)
			task.AssignedTo = ""
			task.UpdatedAt = types.NowMillis()
			if err := q.persist(task); err != nil {
				*task = prev
				continue
			}
			q.publish(events.EventTaskDeadLetter, task, "")
			pending = append(pending, task.ID)
		}
	}
}

func dependsOn(t *types.Task, id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// Touch refreshes an in-flight task's update stamp without changing
// state, so the stuck sweep does not reclaim a task a reconnected agent
// just resumed.
func (q *Queue) Touch(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskWorking {
		return nil
	}

	prev := *task
	task.UpdatedAt = types.NowMillis()
	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}
	return nil
}

// Reclaim returns an assigned or working task to the queue, clearing the
// assignee and bumping the generation so anything the previous holder
// later reports is discarded as stale. Idempotent: reclaiming a task
// that is already queued (or terminal) is a no-op.
func (q *Queue) Reclaim(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskWorking {
		return nil
	}

	prev := *task
	task.Status = types.TaskQueued
	task.AssignedTo = ""
	task.Generation++
	task.UpdatedAt = types.NowMillis()

	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}

	q.publish(events.EventTaskReclaimed, task, prev.AssignedTo)
	return nil
}

// DeadLetterRetry requeues a dead-letter task with a reset retry budget.
func (q *Queue) DeadLetterRetry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != types.TaskDeadLetter {
		return fmt.Errorf("task %s is %s, expected dead_letter", id, task.Status)
	}

	prev := *task
	task.Status = types.TaskQueued
	task.RetryCount = 0
	task.Generation++
	task.UpdatedAt = types.NowMillis()

	if err := q.persist(task); err != nil {
		*task = prev
		return err
	}

	q.publish(events.EventTaskRetried, task, "")
	return nil
}

// Stale returns copies of assigned/working tasks whose last update is
// older than the cutoff. The stuck sweep reclaims these.
func (q *Queue) Stale(cutoffMillis int64) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, task := range q.tasks {
		if task.Status != types.TaskAssigned && task.Status != types.TaskWorking {
			continue
		}
		if task.UpdatedAt < cutoffMillis {
			out = append(out, copyTask(task))
		}
	}
	return out
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts() map[types.TaskStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[types.TaskStatus]int)
	for _, task := range q.tasks {
		out[task.Status]++
	}
	return out
}

func (q *Queue) persist(task *types.Task) error {
	return q.table.Put(task.ID, task)
}

func (q *Queue) publish(evt events.EventType, task *types.Task, agentID string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		Type:    evt,
		TaskID:  task.ID,
		AgentID: agentID,
		GoalID:  task.GoalID,
		Metadata: map[string]string{
			"status":     string(task.Status),
			"priority":   string(task.Priority),
			"generation": fmt.Sprintf("%d", task.Generation),
		},
	})
}

func copyTask(t *types.Task) *types.Task {
	cp := *t
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.VerificationSteps = append([]string(nil), t.VerificationSteps...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
