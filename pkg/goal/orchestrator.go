package goal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// ErrGoalNotFound is returned for lookups of unknown goal ids.
var ErrGoalNotFound = errors.New("goal not found")

// Rough Claude pricing used for the ledger's cost estimate, USD per token.
const (
	inputTokenCost  = 3.0 / 1_000_000
	outputTokenCost = 15.0 / 1_000_000
)

// TaskBackend is the slice of the task queue the orchestrator uses.
type TaskBackend interface {
	Submit(req queue.SubmitRequest) (*types.Task, error)
	Get(id string) (*types.Task, error)
}

// Recorder receives LLM usage for budget accounting.
type Recorder interface {
	Record(state string, inputTokens, outputTokens int, cost float64)
}

// Config tunes the orchestrator.
type Config struct {
	// RepoRoot is the tree decomposition file references are validated
	// against. Empty disables validation.
	RepoRoot string
	// PollInterval is the fallback cadence for re-checking child tasks
	// when no event arrives. Defaults to 15s.
	PollInterval time.Duration
	// LedgerState is the bucket LLM usage is recorded under.
	LedgerState string
}

// Orchestrator drives goals through decompose, execute, and verify.
// Each accepted goal runs in its own goroutine; the orchestrator's own
// state is just the goal map, guarded by a mutex. A goal that fails at
// any stage ends terminal and never takes the orchestrator down.
type Orchestrator struct {
	mu    sync.Mutex
	goals map[string]*types.Goal

	table    *storage.Table
	tasks    TaskBackend
	client   llm.Client
	broker   *events.Broker
	recorder Recorder
	cfg      Config

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New loads persisted goals from the store.
func New(store *storage.Store, tasks TaskBackend, client llm.Client, broker *events.Broker, recorder Recorder, cfg Config) (*Orchestrator, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.LedgerState == "" {
		cfg.LedgerState = string(types.HubExecuting)
	}
	o := &Orchestrator{
		goals:    make(map[string]*types.Goal),
		table:    store.Table(storage.TableGoals),
		tasks:    tasks,
		client:   client,
		broker:   broker,
		recorder: recorder,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}

	logger := log.WithComponent("goal")
	err := o.table.Scan(func(k, v []byte) error {
		var g types.Goal
		if jsonErr := json.Unmarshal(v, &g); jsonErr != nil {
			logger.Warn().Str("key", string(k)).Msg("skipping unreadable goal record")
			return nil
		}
		o.goals[g.ID] = &g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load goal table: %w", err)
	}
	return o, nil
}

// Start resumes goals that were in flight when the hub last stopped.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	var resume []*types.Goal
	for _, g := range o.goals {
		switch g.Status {
		case types.GoalSubmitted, types.GoalDecomposing, types.GoalExecuting, types.GoalVerifying:
			resume = append(resume, g)
		}
	}
	o.mu.Unlock()

	for _, g := range resume {
		logger := log.WithGoalID(g.ID)
		logger.Info().Str("status", string(g.Status)).Msg("resuming goal")
		o.launch(g.ID)
	}
}

// Stop cancels in-flight goal work and waits for the workers to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

// SubmitRequest carries a new goal.
type SubmitRequest struct {
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	SuccessCriteria string         `json:"success_criteria"`
	Priority        types.Priority `json:"priority"`
}

// Submit accepts a goal and starts driving it.
func (o *Orchestrator) Submit(req SubmitRequest) (*types.Goal, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !types.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}

	now := types.NowMillis()
	g := &types.Goal{
		ID:              uuid.New().String(),
		Title:           req.Title,
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
		Status:          types.GoalSubmitted,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}

	o.mu.Lock()
	if err := o.persist(g); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.goals[g.ID] = g
	o.mu.Unlock()

	o.publish(events.EventGoalSubmitted, g, "")
	o.launch(g.ID)

	cp := *g
	return &cp, nil
}

// Get returns a copy of one goal.
func (o *Orchestrator) Get(id string) (*types.Goal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	cp := *g
	cp.TaskIDs = append([]string(nil), g.TaskIDs...)
	return &cp, nil
}

// List returns copies of all goals.
func (o *Orchestrator) List() []*types.Goal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Goal, 0, len(o.goals))
	for _, g := range o.goals {
		cp := *g
		cp.TaskIDs = append([]string(nil), g.TaskIDs...)
		out = append(out, &cp)
	}
	return out
}

// Pending counts goals that still need driving. The hub FSM uses this
// to decide whether executing has work.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, g := range o.goals {
		switch g.Status {
		case types.GoalSubmitted, types.GoalDecomposing, types.GoalExecuting, types.GoalVerifying:
			n++
		}
	}
	return n
}

func (o *Orchestrator) launch(goalID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(goalID)
	}()
}

// process drives one goal to a terminal state. Every failure path ends
// in GoalFailed; nothing escapes as a panic or a wedged goroutine.
func (o *Orchestrator) process(goalID string) {
	logger := log.WithGoalID(goalID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		g, err := o.Get(goalID)
		if err != nil {
			logger.Error().Err(err).Msg("goal vanished mid-flight")
			return
		}

		switch g.Status {
		case types.GoalSubmitted, types.GoalDecomposing:
			if err := o.decompose(ctx, g); err != nil {
				if ctx.Err() != nil {
					return
				}
				o.fail(g.ID, fmt.Sprintf("decomposition failed: %v", err))
				return
			}

		case types.GoalExecuting:
			if err := o.awaitChildren(ctx, g); err != nil {
				return
			}

		case types.GoalVerifying:
			done, err := o.verify(ctx, g)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.fail(g.ID, fmt.Sprintf("verification failed: %v", err))
				return
			}
			if done {
				return
			}
			// Verdict was fail with attempts left; loop re-decomposes.

		case types.GoalComplete, types.GoalFailed:
			return
		}
	}
}

// decompose asks the LLM to break the goal into tasks, validates the
// plan's file references, and submits the children with dependency
// links.
func (o *Orchestrator) decompose(ctx context.Context, g *types.Goal) error {
	o.setStatus(g.ID, types.GoalDecomposing, "")
	logger := log.WithGoalID(g.ID)

	prompt := decompositionPrompt(g)
	resp, err := o.client.Complete(ctx, llm.Request{
		System: decompositionSystem,
		Prompt: prompt,
	})
	o.account(resp, err)
	if err != nil {
		return err
	}

	plan, err := parseDecomposition(resp.Text)
	if err != nil {
		return err
	}
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("empty decomposition")
	}
	if err := o.validateFiles(plan); err != nil {
		return err
	}

	// Submit in order so dependency indices can map to real ids.
	ids := make([]string, 0, len(plan.Tasks))
	for i, spec := range plan.Tasks {
		deps, err := resolveDeps(spec.DependsOn, ids)
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		priority := g.Priority
		if spec.Priority != "" && types.ValidPriority(types.Priority(spec.Priority)) {
			priority = types.Priority(spec.Priority)
		}
		task, err := o.tasks.Submit(queue.SubmitRequest{
			Description:        spec.Description,
			Priority:           priority,
			SubmittedBy:        "goal-orchestrator",
			NeededCapabilities: spec.NeededCapabilities,
			DependsOn:          deps,
			GoalID:             g.ID,
			Complexity:         types.ComplexityTier(spec.Complexity),
			VerificationSteps:  spec.VerificationSteps,
		})
		if err != nil {
			return fmt.Errorf("failed to submit child task: %w", err)
		}
		ids = append(ids, task.ID)
	}

	o.mu.Lock()
	if cur, ok := o.goals[g.ID]; ok {
		cur.TaskIDs = append(cur.TaskIDs, ids...)
		cur.Status = types.GoalExecuting
		cur.UpdatedAt = types.NowMillis()
		if err := o.persist(cur); err != nil {
			logger.Error().Err(err).Msg("failed to persist goal after decomposition")
		}
	}
	o.mu.Unlock()

	logger.Info().Int("tasks", len(ids)).Msg("goal decomposed")
	return nil
}

// awaitChildren blocks until every child task is terminal. Events are
// the fast path; a poll ticker covers missed or dropped events.
func (o *Orchestrator) awaitChildren(ctx context.Context, g *types.Goal) error {
	sub := o.broker.Subscribe()
	defer o.broker.Unsubscribe(sub)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.childrenTerminal(g.TaskIDs) {
			o.setStatus(g.ID, types.GoalVerifying, "")
			return nil
		}
		select {
		case event, ok := <-sub:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if event.GoalID != g.ID && !containsTask(g.TaskIDs, event.TaskID) {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) childrenTerminal(taskIDs []string) bool {
	for _, id := range taskIDs {
		task, err := o.tasks.Get(id)
		if err != nil {
			// A missing child cannot block the goal forever.
			continue
		}
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// verify asks the LLM whether the success criteria hold over the child
// outputs. Returns true when the goal reached a terminal state.
func (o *Orchestrator) verify(ctx context.Context, g *types.Goal) (bool, error) {
	logger := log.WithGoalID(g.ID)

	resp, err := o.client.Complete(ctx, llm.Request{
		System: verificationSystem,
		Prompt: verificationPrompt(g, o.childOutcomes(g.TaskIDs)),
	})
	o.account(resp, err)
	if err != nil {
		return false, err
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		return false, err
	}

	if verdict.Pass {
		o.setStatus(g.ID, types.GoalComplete, "")
		o.publish(events.EventGoalComplete, g, "")
		logger.Info().Msg("goal verified complete")
		return true, nil
	}

	o.mu.Lock()
	var attempts int
	if cur, ok := o.goals[g.ID]; ok {
		cur.Attempts++
		attempts = cur.Attempts
		cur.UpdatedAt = types.NowMillis()
		if err := o.persist(cur); err != nil {
			logger.Error().Err(err).Msg("failed to persist goal attempt count")
		}
	}
	o.mu.Unlock()

	if attempts >= types.MaxGoalAttempts {
		o.fail(g.ID, fmt.Sprintf("verification failed after %d attempts: %s", attempts, verdict.Reasoning))
		return true, nil
	}

	logger.Warn().
		Int("attempt", attempts).
		Str("reasoning", verdict.Reasoning).
		Msg("verification failed, revising")
	o.setStatus(g.ID, types.GoalSubmitted, verdict.Reasoning)
	return false, nil
}

func (o *Orchestrator) childOutcomes(taskIDs []string) []childOutcome {
	out := make([]childOutcome, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := o.tasks.Get(id)
		if err != nil {
			continue
		}
		out = append(out, childOutcome{
			Description: task.Description,
			Status:      string(task.Status),
			Result:      task.Result,
			Failure:     task.FailureReason,
		})
	}
	return out
}

// validateFiles rejects plans referencing files outside or absent from
// the repo tree.
func (o *Orchestrator) validateFiles(plan *decomposition) error {
	if o.cfg.RepoRoot == "" {
		return nil
	}
	for _, spec := range plan.Tasks {
		for _, f := range spec.Files {
			clean := filepath.Clean(f)
			if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
				return fmt.Errorf("file reference %q escapes repo root", f)
			}
			if _, err := os.Stat(filepath.Join(o.cfg.RepoRoot, clean)); err != nil {
				return fmt.Errorf("file reference %q does not exist", f)
			}
		}
	}
	return nil
}

func resolveDeps(indices []int, submitted []string) ([]string, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	deps := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(submitted) {
			return nil, fmt.Errorf("dependency index %d out of range", idx)
		}
		deps = append(deps, submitted[idx])
	}
	return deps, nil
}

func containsTask(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setStatus(goalID string, status types.GoalStatus, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.goals[goalID]
	if !ok {
		return
	}
	g.Status = status
	g.UpdatedAt = types.NowMillis()
	if reason != "" {
		g.FailureReason = reason
	}
	if err := o.persist(g); err != nil {
		logger := log.WithGoalID(goalID)
		logger.Error().Err(err).Msg("failed to persist goal status")
	}
}

func (o *Orchestrator) fail(goalID, reason string) {
	o.setStatus(goalID, types.GoalFailed, reason)
	logger := log.WithGoalID(goalID)
	logger.Error().Str("reason", reason).Msg("goal failed")
	o.mu.Lock()
	g := o.goals[goalID]
	o.mu.Unlock()
	o.publish(events.EventGoalFailed, g, reason)
}

func (o *Orchestrator) account(resp *llm.Response, err error) {
	if err != nil {
		metrics.LLMInvocations.WithLabelValues("error").Inc()
		return
	}
	metrics.LLMInvocations.WithLabelValues("ok").Inc()
	metrics.LLMTokens.WithLabelValues("input").Add(float64(resp.InputTokens))
	metrics.LLMTokens.WithLabelValues("output").Add(float64(resp.OutputTokens))
	if o.recorder != nil {
		cost := float64(resp.InputTokens)*inputTokenCost + float64(resp.OutputTokens)*outputTokenCost
		o.recorder.Record(o.cfg.LedgerState, resp.InputTokens, resp.OutputTokens, cost)
	}
}

func (o *Orchestrator) persist(g *types.Goal) error {
	return o.table.Put(g.ID, g)
}

func (o *Orchestrator) publish(evt events.EventType, g *types.Goal, msg string) {
	if o.broker == nil || g == nil {
		return
	}
	o.broker.Publish(&events.Event{
		Type:    evt,
		GoalID:  g.ID,
		Message: msg,
	})
}
