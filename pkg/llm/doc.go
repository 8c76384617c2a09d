/*
Package llm is the external model transport.

Every call is stateless: the full prompt travels with the request and
no conversation state is retained. The HTTP client targets the
Anthropic messages API, applies the hub's hard timeout (default 120s)
via context, and retries a transient failure once before returning
ErrUnavailable. The orchestrator treats ErrUnavailable as a failed
attempt, never as a crash.

Mock is the scripted implementation used by orchestrator and hub tests.
*/
package llm
