/*
Package storage provides the hub's durable small-record store: named,
crash-safe, file-backed key-value tables with scheduled backups,
compaction, and corruption-triggered recovery.

Each table is a separate BoltDB file under the data directory, holding
JSON-encoded records in a single bucket. Every table is owned by exactly
one component (the only writer); other components read through the
owner's read-only operations.

# Architecture

	┌───────────────────── STORE ──────────────────────────┐
	│                                                       │
	│  data_dir/                                            │
	│    tasks.db     ← task queue (owner)                  │
	│    goals.db     ← goal orchestrator                   │
	│    tokens.db    ← token registry                      │
	│    mailbox.db   ← message router                      │
	│    hubstate.db  ← hub FSM                             │
	│    config.db    ← runtime config overrides            │
	│                                                       │
	│  ┌────────────── Coordinator ───────────────┐        │
	│  │  sync barrier     every 5s (fsync)        │        │
	│  │  backups          hourly, serial, keep 3  │        │
	│  │  compaction       6h, gated by frag ≥10%  │        │
	│  │  recovery         on corruption signal    │        │
	│  └───────────────────────────────────────────┘        │
	└───────────────────────────────────────────────────────┘

# Durability

Tables run with NoSync; the Coordinator drives an fsync barrier on a
short interval (default 5s), so a write is durable at the latest one
interval after it was acknowledged. BoltDB's copy-on-write pages
guarantee that after a crash the file contains either the pre- or
post-write state of a record, never a torn one.

# Backups and Recovery

Backups are atomic point-in-time copies (bolt's Tx.WriteTo into a
timestamped file, renamed into place), taken serially so no two tables
back up concurrently. Retention keeps the newest N per table.

When a hot-path operation fails, the table reports corruption to the
Coordinator, which serially: restores the newest backup over the table
file, reopens, and verifies (record count plus a full scan traversal).
Older backups are tried in turn; if none verifies, the table is
restarted empty, marked degraded, and a store.degraded event is
published so the health aggregator raises a critical signal.

# Failure Semantics

Write errors surface to the owner as ErrTableCorrupted. Read misses are
ErrNotFound; owners translate read errors into their table's defined
default so callers keep working during recovery.
*/
package storage
