/*
Package ratelimit admits inbound requests and validates inbound frames.

# Admission

Each identity (agent id or remote address) gets token buckets per tier
(default, messaging, admin) built on golang.org/x/time/rate. A denied
request counts as a violation and applies an escalating cooldown:

	1st violation   30s
	2nd violation   60s
	3rd and later    5m

Cooldowns live in a TTL cache, so the gate clears itself and the map
never grows unbounded. While an identity is cooling down every request
is rejected with ErrCoolingDown and a retry-after hint.

# Validation

Inbound frames are a closed sum dispatched by their "type" tag. Each
type's schema enumerates required fields, JSON kinds, length bounds,
and permitted enum values. Invalid frames are rejected with a
structured ValidationError before any state changes; the schema table
itself is served to agents via the control surface for introspection.
*/
package ratelimit
