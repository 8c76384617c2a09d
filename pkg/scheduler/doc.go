// Package scheduler matches queued tasks to idle agents.
//
// The scheduler is event driven and stateless. A watcher goroutine
// subscribes to the event broker and turns work-creating events (task
// submitted, retried, reclaimed, completed; agent joined, idle) into
// pass triggers; triggers that arrive while a pass is running collapse
// into a single pending one. Each pass re-reads the queue's
// schedulable set and the presence index from scratch, so the
// scheduler can never act on stale cached state.
//
// A pass is greedy: tasks in priority order, each offered to the first
// idle agent whose capability set covers the task's needs. Assignment
// goes through the queue first (which stamps a new generation) and
// only then to the agent's session; a failed session push reclaims the
// task immediately.
//
// A second timer drives the stuck sweep: tasks sitting in assigned or
// working with no update past the stuck threshold are reclaimed so the
// next pass can hand them to a live agent.
package scheduler
