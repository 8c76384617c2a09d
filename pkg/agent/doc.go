// Package agent implements per-agent lifecycle state machines and the
// supervisor that owns them.
//
// Each connected agent gets a Machine: a goroutine that owns the
// agent's state (idle, assigned, working, blocked, offline) and is fed
// through an inbox channel. Callers suspend on a reply channel, so
// every operation observes a consistent state with no shared-memory
// locking.
//
//	           +--------+  Assign   +----------+  Accepted  +---------+
//	           |  idle  |---------->| assigned |----------->| working |
//	           +--------+           +----------+            +---------+
//	               ^                     |                     |    |
//	               |   acceptance        |                     |    | TaskBlocked
//	               +---------------------+      TaskFinished   |    v
//	               |       timeout                             | +---------+
//	               +-------------------------------------------+ | blocked |
//	                                                             +---------+
//
// Two asynchronous inputs feed the same loop: the acceptance timer,
// which fires when an agent never acknowledges a pushed task and
// causes the task to be reclaimed and the agent flagged unresponsive,
// and the session's Done channel, which terminates the machine,
// reclaims any in-flight task exactly once, and removes the agent
// from presence.
//
// The Supervisor maps agent ids to live machines. Machines are
// temporary: termination removes them and a reconnecting agent gets a
// fresh one. Starting a machine for an id that already has one stops
// the stale machine first, which covers sessions that died without the
// hub noticing.
package agent
