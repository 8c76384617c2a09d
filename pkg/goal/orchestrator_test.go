package goal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// fakeBackend records submissions and lets tests drive child task
// status by hand.
type fakeBackend struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
	subs  []queue.SubmitRequest
	err   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: make(map[string]*types.Task)}
}

func (f *fakeBackend) Submit(req queue.SubmitRequest) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	task := &types.Task{
		ID:          uuid.New().String(),
		Description: req.Description,
		Priority:    req.Priority,
		Status:      types.TaskQueued,
		DependsOn:   req.DependsOn,
		GoalID:      req.GoalID,
	}
	f.tasks[task.ID] = task
	f.subs = append(f.subs, req)
	return task, nil
}

func (f *fakeBackend) Get(id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *task
	return &cp, nil
}

func (f *fakeBackend) completeAll(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		task.Status = types.TaskCompleted
		task.Result = result
	}
}

func (f *fakeBackend) submissions() []queue.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.SubmitRequest(nil), f.subs...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
	cost  float64
}

func (r *fakeRecorder) Record(state string, in, out int, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.cost += cost
}

const planTwoTasks = `{"tasks":[
  {"description":"write the parser","needed_capabilities":["code"]},
  {"description":"test the parser","depends_on":[0]}
]}`

func testOrchestrator(t *testing.T, backend TaskBackend, client llm.Client, rec Recorder) *Orchestrator {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	o, err := New(store, backend, client, broker, rec, Config{
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	return o
}

func awaitStatus(t *testing.T, o *Orchestrator, id string, want types.GoalStatus) *types.Goal {
	t.Helper()
	var got *types.Goal
	require.Eventually(t, func() bool {
		g, err := o.Get(id)
		if err != nil {
			return false
		}
		got = g
		return g.Status == want
	}, 2*time.Second, 5*time.Millisecond, "goal never reached %s (last: %+v)", want, got)
	return got
}

func TestGoalHappyPath(t *testing.T) {
	backend := newFakeBackend()
	mock := llm.NewMock().
		Script(planTwoTasks).
		Script(`{"verdict":"pass","reasoning":"all criteria met"}`)
	rec := &fakeRecorder{}

	o := testOrchestrator(t, backend, mock, rec)

	g, err := o.Submit(SubmitRequest{
		Title:           "build parser",
		Description:     "implement and test the config parser",
		SuccessCriteria: "parser handles all fixtures",
	})
	require.NoError(t, err)

	awaitStatus(t, o, g.ID, types.GoalExecuting)

	subs := backend.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "goal-orchestrator", subs[0].SubmittedBy)
	assert.Equal(t, g.ID, subs[0].GoalID)
	// Second task depends on the first's real id.
	require.Len(t, subs[1].DependsOn, 1)

	backend.completeAll("done")

	final := awaitStatus(t, o, g.ID, types.GoalComplete)
	assert.Len(t, final.TaskIDs, 2)
	assert.Equal(t, 2, rec.calls)
	assert.Greater(t, rec.cost, 0.0)
}

func TestGoalFailedVerificationRetriesOnce(t *testing.T) {
	backend := newFakeBackend()
	mock := llm.NewMock().
		Script(planTwoTasks).
		Script(`{"verdict":"fail","reasoning":"tests missing"}`).
		Script(`{"tasks":[{"description":"add the missing tests"}]}`).
		Script(`{"verdict":"pass","reasoning":"ok now"}`)

	o := testOrchestrator(t, backend, mock, nil)

	g, err := o.Submit(SubmitRequest{Description: "build parser", SuccessCriteria: "tests pass"})
	require.NoError(t, err)

	awaitStatus(t, o, g.ID, types.GoalExecuting)
	backend.completeAll("done")

	// Second decomposition submits a third task; complete it as it appears.
	require.Eventually(t, func() bool {
		if len(backend.submissions()) < 3 {
			return false
		}
		backend.completeAll("done")
		return true
	}, 2*time.Second, 5*time.Millisecond)

	final := awaitStatus(t, o, g.ID, types.GoalComplete)
	assert.Equal(t, 1, final.Attempts)
	assert.Len(t, final.TaskIDs, 3)
}

func TestGoalFailsAtAttemptCap(t *testing.T) {
	backend := newFakeBackend()
	mock := llm.NewMock().
		Script(planTwoTasks).
		Script(`{"verdict":"fail","reasoning":"still wrong"}`).
		Script(planTwoTasks).
		Script(`{"verdict":"fail","reasoning":"still wrong"}`)

	o := testOrchestrator(t, backend, mock, nil)

	g, err := o.Submit(SubmitRequest{Description: "impossible", SuccessCriteria: "magic"})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 200; i++ {
			backend.completeAll("done")
			time.Sleep(10 * time.Millisecond)
		}
	}()

	final := awaitStatus(t, o, g.ID, types.GoalFailed)
	assert.Equal(t, types.MaxGoalAttempts, final.Attempts)
	assert.Contains(t, final.FailureReason, "still wrong")
}

func TestGoalDecompositionTransportFailure(t *testing.T) {
	backend := newFakeBackend()
	mock := llm.NewMock().ScriptError(llm.ErrUnavailable)

	o := testOrchestrator(t, backend, mock, nil)

	g, err := o.Submit(SubmitRequest{Description: "anything"})
	require.NoError(t, err)

	final := awaitStatus(t, o, g.ID, types.GoalFailed)
	assert.Contains(t, final.FailureReason, "decomposition failed")
	assert.Empty(t, backend.submissions())
}

func TestGoalRejectsMissingFileReferences(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0644))

	backend := newFakeBackend()
	mock := llm.NewMock().Script(`{"tasks":[
		{"description":"edit a file that exists","files":["main.go"]},
		{"description":"edit a ghost","files":["missing.go"]}
	]}`)

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	o, err := New(store, backend, mock, broker, nil, Config{
		RepoRoot:     root,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	g, err := o.Submit(SubmitRequest{Description: "touch files"})
	require.NoError(t, err)

	final := awaitStatus(t, o, g.ID, types.GoalFailed)
	assert.Contains(t, final.FailureReason, "missing.go")
	assert.Empty(t, backend.submissions())
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict("Here is my answer:\n```json\n{\"verdict\":\"pass\",\"reasoning\":\"ok\"}\n```")
	require.NoError(t, err)
	assert.True(t, v.Pass)

	_, err = parseVerdict(`{"verdict":"maybe"}`)
	assert.Error(t, err)

	_, err = parseVerdict("no json here")
	assert.Error(t, err)
}

func TestResolveDeps(t *testing.T) {
	ids := []string{"a", "b"}
	deps, err := resolveDeps([]int{0, 1}, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, deps)

	_, err = resolveDeps([]int{2}, ids)
	assert.Error(t, err)
}

func TestGoalProceedsWhenChildDeadLetters(t *testing.T) {
	qstore, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = qstore.Close() })
	q, err := queue.New(qstore, nil, 1)
	require.NoError(t, err)

	mock := llm.NewMock().
		Script(planTwoTasks).
		Script(`{"verdict":"pass","reasoning":"criteria hold for the surviving work"}`)
	o := testOrchestrator(t, q, mock, &fakeRecorder{})

	g, err := o.Submit(SubmitRequest{
		Description:     "build and test the parser",
		SuccessCriteria: "tests pass",
	})
	require.NoError(t, err)
	awaitStatus(t, o, g.ID, types.GoalExecuting)

	children := q.List(queue.Filter{GoalID: g.ID})
	require.Len(t, children, 2)
	root := children[0]
	if len(root.DependsOn) > 0 {
		root = children[1]
	}

	// Exhaust the root child's retries. Its dependent must terminate
	// with it, so the goal reaches verification instead of waiting in
	// executing for a child that can never be dispatched.
	for i := 0; i < 2; i++ {
		stamped, err := q.Assign(root.ID, "agent-1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(root.ID, stamped.Generation, "no runner available"))
	}

	awaitStatus(t, o, g.ID, types.GoalComplete)

	for _, child := range q.List(queue.Filter{GoalID: g.ID}) {
		assert.True(t, child.Status.Terminal(), "child %s is %s", child.ID, child.Status)
	}
}
