/*
Package config defines the hub configuration and its YAML loading.

All recognized options, their YAML keys, and defaults:

	listen_addr           :8420
	data_dir              /var/lib/agentcom
	backup_dir            <data_dir>/backups
	proposals_dir         <data_dir>/proposals
	backup_interval       1h
	backup_retention      3
	compaction_interval   6h
	compaction_threshold  0.10
	sync_interval         5s
	acceptance_timeout    60s
	stuck_sweep_interval  30s
	stuck_threshold       5m
	heartbeat_interval    15m
	max_retries           3
	mailbox_ttl           72h
	mailbox_cap           500
	llm_timeout           120s
	improvement_interval  0 (disabled)
	default_budgets       per-state invocation/cost windows
	rate_limit_tiers      default/messaging/admin token buckets

Load never returns a partially configured value: unset fields are filled
from the defaults above, so callers can rely on every knob being set.
*/
package config
