// Package client is the HTTP client for the hub's control surface.
//
// The CLI subcommands (token, task, goal) use it to talk to a running
// hub, and external tooling can embed it the same way. It speaks the
// JSON API exposed by pkg/api: task and goal submission, agent
// listing, hub state and pause control, and admin-gated token
// management.
//
// Every method maps to exactly one endpoint and returns the hub's
// decoded response or the error body it sent back. The admin token is
// attached only to /admin routes.
package client
