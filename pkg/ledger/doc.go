/*
Package ledger tracks external-LLM spend and gates it with per-state
budgets.

Every call through the LLM transport is recorded against the hub state
that initiated it. CheckBudget answers ok or exhausted for a state by
summing the entries still inside the configured rolling window; the hub
FSM consults it before any transition into a state that may invoke an
external model, and routes to resting on exhaustion.
*/
package ledger
