/*
Package token implements the per-agent bearer credential registry.

Credentials are 256-bit random values, hex-encoded, persisted in the
tokens table and mirrored in memory for verification. Verify compares
the presented token against every stored credential in constant time,
so response timing reveals neither whether an agent id exists nor how
much of a token matched.

Tokens do not expire. Rotation is revoke-then-generate; Generate fails
for an agent that already holds a credential so an operator cannot
silently mint a second one.
*/
package token
