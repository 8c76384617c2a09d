/*
Package presence maintains the in-memory index of connected agents.

Per-agent state machines push a snapshot here on every transition and
remove their entry when they terminate, so the cache always reflects
live sessions only. All reads return copies; the cache is the one place
the scheduler and control surface look up "who is connected and idle"
without touching the agent actors themselves.
*/
package presence
