/*
Package router delivers inter-agent messages and owns the durable
mailbox.

Addressing is positional: a message with Channel set fans out to that
channel's subscribers, one with To set goes direct, and one with
neither broadcasts to every connected agent (minus the sender). Live
delivery goes through the Sender hook the session layer installs;
anything undeliverable direct or per-subscriber falls back to the
recipient's mailbox.

Mailbox entries persist in the mailbox table keyed (recipient, seq)
with the sequence big-endian encoded, so a prefix scan walks one
recipient's queue in order. Sequences are monotonic per recipient and
survive restart. Readers poll (recipient, since_seq) and get back the
new entries plus the max seq to resume from. Retention is TTL plus a
FIFO cap per recipient, enforced on enqueue and poll.
*/
package router
