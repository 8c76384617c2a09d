// Package health aggregates the hub's internal health signals.
//
// An Aggregator runs a fixed set of Checkers and folds their results
// into a Report whose overall signal is the worst individual one:
// healthy, degraded, or critical. Checks also emit remediation
// Actions (retry dead letters, rebuild a degraded table) that the
// hub's healing state consumes.
//
// The built-in checks cover the task queue (backlog depth,
// dead-letter ratio), the durable store (tables running in degraded
// mode after unrecoverable corruption), and agent availability
// (queued work with nobody connected).
package health
