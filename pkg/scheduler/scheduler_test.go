package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/types"
)

type fakeSource struct {
	mu          sync.Mutex
	schedulable []*types.Task
	stale       []*types.Task
	assigned    []string
	reclaimed   []string
	assignErr   error
}

func (f *fakeSource) Schedulable() []*types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Task(nil), f.schedulable...)
}

func (f *fakeSource) Assign(id, agentID string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	f.assigned = append(f.assigned, id+"->"+agentID)
	for i, t := range f.schedulable {
		if t.ID == id {
			cp := *t
			cp.AssignedTo = agentID
			cp.Generation++
			f.schedulable = append(f.schedulable[:i], f.schedulable[i+1:]...)
			return &cp, nil
		}
	}
	return nil, errors.New("not queued")
}

func (f *fakeSource) Reclaim(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimed = append(f.reclaimed, id)
	return nil
}

func (f *fakeSource) Stale(cutoffMillis int64) []*types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Task(nil), f.stale...)
}

func (f *fakeSource) assignments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assigned...)
}

func (f *fakeSource) reclaims() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reclaimed...)
}

type fakePool struct {
	mu    sync.Mutex
	idle  []*types.AgentSnapshot
}

func (f *fakePool) Idle() []*types.AgentSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.AgentSnapshot(nil), f.idle...)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(agentID string, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, task.ID+"->"+agentID)
	return nil
}

func (f *fakeDispatcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func idleAgent(id string, caps ...string) *types.AgentSnapshot {
	return &types.AgentSnapshot{AgentID: id, State: types.AgentIdle, Capabilities: caps}
}

func queuedTask(id string, caps ...string) *types.Task {
	return &types.Task{
		ID:                 id,
		Status:             types.TaskQueued,
		Priority:           types.PriorityNormal,
		NeededCapabilities: caps,
	}
}

func TestScheduleMatchesCapabilities(t *testing.T) {
	source := &fakeSource{schedulable: []*types.Task{
		queuedTask("t1", "code"),
		queuedTask("t2", "deploy"),
	}}
	pool := &fakePool{idle: []*types.AgentSnapshot{
		idleAgent("a1", "code", "test"),
	}}
	dispatcher := &fakeDispatcher{}

	s := NewScheduler(source, pool, dispatcher, events.NewBroker(), Config{})
	s.schedule()

	assert.Equal(t, []string{"t1->a1"}, source.assignments())
	assert.Equal(t, []string{"t1->a1"}, dispatcher.calls())
}

func TestScheduleGreedyOneTaskPerAgent(t *testing.T) {
	source := &fakeSource{schedulable: []*types.Task{
		queuedTask("t1"),
		queuedTask("t2"),
		queuedTask("t3"),
	}}
	pool := &fakePool{idle: []*types.AgentSnapshot{
		idleAgent("a1"),
		idleAgent("a2"),
	}}
	dispatcher := &fakeDispatcher{}

	s := NewScheduler(source, pool, dispatcher, events.NewBroker(), Config{})
	s.schedule()

	// Two agents, two assignments; t3 waits.
	assert.Len(t, dispatcher.calls(), 2)
}

func TestScheduleDispatchFailureReclaims(t *testing.T) {
	source := &fakeSource{schedulable: []*types.Task{queuedTask("t1")}}
	pool := &fakePool{idle: []*types.AgentSnapshot{idleAgent("a1")}}
	dispatcher := &fakeDispatcher{err: errors.New("session gone")}

	s := NewScheduler(source, pool, dispatcher, events.NewBroker(), Config{})
	s.schedule()

	assert.Equal(t, []string{"t1"}, source.reclaims())
}

func TestSweepReclaimsStuckTasks(t *testing.T) {
	source := &fakeSource{stale: []*types.Task{
		{ID: "t1", Status: types.TaskWorking, AssignedTo: "a1"},
	}}
	s := NewScheduler(source, &fakePool{}, &fakeDispatcher{}, events.NewBroker(), Config{})
	s.sweep()

	assert.Equal(t, []string{"t1"}, source.reclaims())
}

func TestEventDrivenTrigger(t *testing.T) {
	source := &fakeSource{schedulable: []*types.Task{queuedTask("t1")}}
	pool := &fakePool{idle: []*types.AgentSnapshot{idleAgent("a1")}}
	dispatcher := &fakeDispatcher{}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewScheduler(source, pool, dispatcher, broker, Config{
		SweepInterval: time.Hour,
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(dispatcher.calls()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAssignmentEventsDoNotWake(t *testing.T) {
	assert.True(t, wakesScheduler(events.EventTaskSubmitted))
	assert.True(t, wakesScheduler(events.EventAgentIdle))
	assert.False(t, wakesScheduler(events.EventTaskAssigned))
	assert.False(t, wakesScheduler(events.EventTaskDeadLetter))
	assert.False(t, wakesScheduler(events.EventTaskFailed))
}
