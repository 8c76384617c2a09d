// Package goal drives high-level goals through decomposition,
// execution, and verification.
//
// A goal moves through submitted, decomposing, executing, verifying,
// and ends complete or failed. Decomposition asks the LLM transport
// for a task plan, rejects plans whose file references do not exist in
// the repository tree, and submits the children to the task queue with
// dependency links resolved from plan indices to real task ids.
// Execution waits on queue events (with a poll fallback) until every
// child is terminal. Verification asks the LLM whether the success
// criteria hold; a fail verdict with attempts remaining loops back to
// decomposition carrying the reasoning, a fail at the attempt cap ends
// the goal failed.
//
// Each goal runs on its own goroutine. Failures at any stage mark the
// goal failed and publish an event; nothing propagates out of the
// worker, so a bad goal can never wedge the orchestrator.
package goal
