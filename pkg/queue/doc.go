/*
Package queue implements the durable priority task queue.

Tasks persist in the tasks table (one JSON record per task) and are
mirrored in an in-memory index for filtering and scheduling order. All
operations serialize under one lock, so the per-task lifecycle

	submit → assign → mark-working → complete/fail

is totally ordered.

# Priority Lanes

Four lanes, urgent > high > normal > low; within a lane dispatch is FIFO
by submission time. Schedulable returns queued tasks in that order, with
tasks whose depends_on set is not fully completed held back (observable
via List/Get but never handed to the scheduler).

# Generation Counters

Every (re)assignment increments the task's generation, and every
acknowledging call (MarkWorking, Complete, Fail) must echo the
generation the agent received. A mismatch returns ErrStaleGeneration
and leaves the task untouched, which is what makes reassignment safe:
a "ghost" completion from an agent that lost the task cannot clobber
the current holder's work.

Reclaim returns an assigned/working task to the queue, clears the
assignee, and bumps the generation. It is idempotent: reclaiming an
already-queued task is a no-op, so the acceptance timeout, the session
drop path, and the stuck sweep can all race on the same task safely.

# Retries and Dead Letter

Fail below the retry limit requeues with retry_count and generation
bumped; at the limit the task parks in dead_letter until an operator
calls DeadLetterRetry, which requeues with a fresh retry budget.
*/
package queue
