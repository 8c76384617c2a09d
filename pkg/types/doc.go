/*
Package types defines the shared data model for the AgentCom hub.

All components exchange these types: tasks flowing through the queue and
scheduler, agent snapshots published to the presence cache, goals driven
by the orchestrator, routed messages and their mailbox entries, and the
hub's process-wide state record.

# Core Types

Task is the unit of work. Its lifecycle:

	queued → assigned → working → completed
	                 ↘          ↘ failed (retry → queued)
	                   (timeout/disconnect → queued)
	                              ↘ dead_letter (retries exhausted)

Every (re)assignment increments Generation. Agents must echo the
generation they were given; the queue discards acknowledgments bearing a
stale generation so a reassigned task cannot be clobbered by its previous
holder.

Priorities order tasks into four lanes:

	urgent > high > normal > low

Within a lane dispatch is FIFO by submission time.

AgentSnapshot is the public view of one connected agent:

	offline → idle → assigned → working → idle
	                    ↓ (acceptance timeout)
	                   idle  (+unresponsive flag)

Goal is a high-level objective the orchestrator decomposes into tasks,
executes, and verifies. A goal makes at most MaxGoalAttempts verification
attempts before it is marked failed.

# Conventions

Wall-clock timestamps are unix milliseconds (int64); durations and timers
use the monotonic clock via time.Time. Capability matching is exact
string compare over sets normalized by NormalizeCapabilities.
*/
package types
