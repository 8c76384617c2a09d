// Package api is the hub's external surface: the HTTP control routes
// and the agent websocket endpoint, served from one listener.
//
// The control surface is a gin engine. Writes validate at the boundary
// and answer 422; missing resources 404; admin routes require the
// configured admin bearer token and answer 401 without it; rate-limit
// denials answer 429 with a Retry-After hint.
//
// The agent channel lives at /ws/agent. A fresh connection must send
// an identify frame within the identify deadline; the token must
// resolve to the claimed agent id, and the response never reveals
// which part of the credential failed. After identification the
// session splits into a read loop (validate each frame against the
// closed schema set, then dispatch) and a write pump (serialized
// writes plus the ping cadence). The session implements the agent
// state machine's Session interface, so a dropped connection closes
// Done and the machine reclaims any in-flight task.
//
// Frame dispatch routes acks and results through the task queue first;
// the queue's generation check is authoritative and stale frames are
// discarded silently. On reconnect the agent sends state_report and
// the hub answers continue only when the queue still shows the task
// assigned to that agent under the same generation.
package api
