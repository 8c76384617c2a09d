/*
Package events provides the in-memory event bus the hub's components
publish through.

Components never hold references to each other for notification; the
task queue, agent supervisor, health aggregator, and cost ledger publish
typed events to a central Broker, and interested components (scheduler,
goal orchestrator, hub FSM) subscribe. This keeps the component graph
acyclic.

# Delivery

Publish is non-blocking: events land in a buffered channel (100) and a
single distribution goroutine fans them out to per-subscriber buffered
channels (50). A subscriber that falls behind loses events rather than
stalling the publisher; consumers that need completeness (the scheduler)
treat events as wake-ups and re-query authoritative state instead of
trusting event payloads.

# Event Types

	task.submitted / assigned / working / completed / failed /
	    retried / reclaimed / dead_letter
	agent.joined / idle / left
	goal.submitted / complete / failed
	health.critical, budget.exhausted, store.degraded
*/
package events
