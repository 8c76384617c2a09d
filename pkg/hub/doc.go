// Package hub wires the components together and drives the autonomous
// cycle.
//
// The Hub owns the store, the event broker, the task queue, the agent
// supervisor, the scheduler, the message router, the token registry,
// the rate limiter, the cost ledger, the goal orchestrator, and the
// health aggregator, and starts and stops them in dependency order.
//
// The FSM gates autonomous behavior across five states:
//
//	resting -------- executing        pending goals and budget permit
//	   |                 |
//	   +-- improving --- contemplating
//	   |
//	   +------------ healing          critical health signal, any state
//
// Transitions validate against a closed table, are budget gated on
// entry to LLM-invoking states, and append to a bounded history ring
// persisted in the hubstate table. The FSM is pausable: pause disables
// the autonomous transitions while external submissions keep queuing.
//
// Cycle behaviors live on the Hub: improving scans the configured repo
// for deferred-work markers and submits them as a low-priority goal,
// contemplating writes an XML proposal document from one LLM call, and
// healing executes the health report's remediation actions under a
// watchdog and records the outcome in a persisted healing history.
package hub
