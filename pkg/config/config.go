package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hub configuration. Zero values are replaced by
// defaults in ApplyDefaults; Load always returns a fully populated
// config.
type Config struct {
	// ListenAddr is the bind address for the control surface and the
	// agent session endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds one file per durable table.
	DataDir string `yaml:"data_dir"`

	// BackupDir holds timestamped table backups. Defaults to
	// <data_dir>/backups.
	BackupDir string `yaml:"backup_dir"`

	// ProposalsDir holds XML proposal documents produced while
	// contemplating. Defaults to <data_dir>/proposals.
	ProposalsDir string `yaml:"proposals_dir"`

	BackupInterval     time.Duration `yaml:"backup_interval"`
	BackupRetention    int           `yaml:"backup_retention"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	// CompactionThreshold is the fragmentation estimate (0..1) below
	// which a table's compaction is skipped.
	CompactionThreshold float64       `yaml:"compaction_threshold"`
	SyncInterval        time.Duration `yaml:"sync_interval"`

	AcceptanceTimeout  time.Duration `yaml:"acceptance_timeout"`
	StuckSweepInterval time.Duration `yaml:"stuck_sweep_interval"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MaxRetries         int           `yaml:"max_retries"`

	// MailboxTTL and MailboxCap bound per-recipient mailbox retention.
	MailboxTTL time.Duration `yaml:"mailbox_ttl"`
	MailboxCap int           `yaml:"mailbox_cap"`

	// LLMTimeout is the hard deadline raced against every external call.
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// ImprovementInterval schedules resting → improving ticks. Zero
	// disables the improvement cycle.
	ImprovementInterval time.Duration `yaml:"improvement_interval"`

	// RepoRoot is the repository tree goal decompositions and
	// improvement scans run against. Empty disables file validation
	// and the improvement scan.
	RepoRoot string `yaml:"repo_root"`

	// LLMModel names the external model used for decomposition,
	// verification, and proposals. The API key falls back to the
	// ANTHROPIC_API_KEY environment variable when unset here.
	LLMModel   string `yaml:"llm_model"`
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMBaseURL string `yaml:"llm_base_url"`

	// Budgets gate states that may invoke an external LLM, keyed by hub
	// state name (executing, improving, contemplating).
	Budgets map[string]Budget `yaml:"default_budgets"`

	// RateLimitTiers maps a request class to its admission rate.
	RateLimitTiers map[string]RateTier `yaml:"rate_limit_tiers"`

	// AdminToken gates the token-administration endpoints. Falls back
	// to the AGENTCOM_ADMIN_TOKEN environment variable; when both are
	// empty the admin endpoints reject every request.
	AdminToken string `yaml:"admin_token"`
}

// Budget bounds external-LLM usage for one hub state per rolling window.
// Zero fields mean unlimited.
type Budget struct {
	MaxInvocations int           `yaml:"max_invocations"`
	MaxCost        float64       `yaml:"max_cost"`
	Window         time.Duration `yaml:"window"`
}

// RateTier is a token-bucket admission tier.
type RateTier struct {
	Rate  float64 `yaml:"rate"` // requests per second
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8420"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/agentcom"
	}
	if c.BackupDir == "" {
		c.BackupDir = c.DataDir + "/backups"
	}
	if c.ProposalsDir == "" {
		c.ProposalsDir = c.DataDir + "/proposals"
	}
	if c.BackupInterval == 0 {
		c.BackupInterval = time.Hour
	}
	if c.BackupRetention == 0 {
		c.BackupRetention = 3
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = 6 * time.Hour
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.10
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.AcceptanceTimeout == 0 {
		c.AcceptanceTimeout = 60 * time.Second
	}
	if c.StuckSweepInterval == 0 {
		c.StuckSweepInterval = 30 * time.Second
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = 5 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MailboxTTL == 0 {
		c.MailboxTTL = 72 * time.Hour
	}
	if c.MailboxCap == 0 {
		c.MailboxCap = 500
	}
	if c.LLMModel == "" {
		c.LLMModel = "claude-sonnet-4-5"
	}
	if c.LLMAPIKey == "" {
		c.LLMAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.AdminToken == "" {
		c.AdminToken = os.Getenv("AGENTCOM_ADMIN_TOKEN")
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 120 * time.Second
	}
	if c.Budgets == nil {
		c.Budgets = map[string]Budget{
			"executing":     {MaxInvocations: 100, Window: time.Hour},
			"improving":     {MaxInvocations: 20, Window: time.Hour},
			"contemplating": {MaxInvocations: 10, Window: time.Hour},
		}
	}
	if c.RateLimitTiers == nil {
		c.RateLimitTiers = map[string]RateTier{
			"default":   {Rate: 10, Burst: 20},
			"messaging": {Rate: 30, Burst: 60},
			"admin":     {Rate: 2, Burst: 5},
		}
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.BackupRetention < 1 {
		return fmt.Errorf("backup_retention must be at least 1")
	}
	if c.CompactionThreshold < 0 || c.CompactionThreshold > 1 {
		return fmt.Errorf("compaction_threshold must be in [0, 1]")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for name, tier := range c.RateLimitTiers {
		if tier.Rate <= 0 || tier.Burst <= 0 {
			return fmt.Errorf("rate limit tier %q must have positive rate and burst", name)
		}
	}
	return nil
}
