package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
)

// CoordinatorConfig tunes the maintenance schedules.
type CoordinatorConfig struct {
	BackupDir           string
	BackupInterval      time.Duration
	BackupRetention     int
	CompactionInterval  time.Duration
	CompactionThreshold float64
	SyncInterval        time.Duration
}

// Coordinator drives the store's scheduled maintenance: the periodic
// fsync barrier, serial timestamped backups with retention, gated
// compaction, and corruption-triggered recovery. One goroutine; all
// maintenance is serial per table so recovery never races a backup.
type Coordinator struct {
	store  *Store
	broker *events.Broker
	cfg    CoordinatorConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator creates the maintenance coordinator for a store.
func NewCoordinator(store *Store, broker *events.Broker, cfg CoordinatorConfig) *Coordinator {
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 3
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	return &Coordinator{
		store:  store,
		broker: broker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the maintenance loop.
func (c *Coordinator) Start() {
	if err := os.MkdirAll(c.cfg.BackupDir, 0755); err != nil {
		logger := log.WithComponent("storage")
		logger.Error().Err(err).Msg("failed to create backup directory")
	}
	go c.run()
}

// Stop stops the maintenance loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	logger := log.WithComponent("storage")

	syncTicker := time.NewTicker(c.cfg.SyncInterval)
	defer syncTicker.Stop()

	var backupCh, compactCh <-chan time.Time
	if c.cfg.BackupInterval > 0 {
		t := time.NewTicker(c.cfg.BackupInterval)
		defer t.Stop()
		backupCh = t.C
	}
	if c.cfg.CompactionInterval > 0 {
		t := time.NewTicker(c.cfg.CompactionInterval)
		defer t.Stop()
		compactCh = t.C
	}

	for {
		select {
		case <-syncTicker.C:
			if err := c.store.SyncAll(); err != nil {
				logger.Error().Err(err).Msg("sync barrier failed")
			}

		case <-backupCh:
			c.BackupAll()

		case <-compactCh:
			c.CompactAll()

		case report := <-c.store.corruptionCh:
			logger.Error().
				Str("table", report.table).
				Err(report.reason).
				Msg("corruption detected, starting recovery")
			c.Recover(report.table)

		case <-c.stopCh:
			return
		}
	}
}

// BackupAll backs up every table, serially. A failed backup is logged and
// retried on the next tick.
func (c *Coordinator) BackupAll() {
	logger := log.WithComponent("storage")
	for _, t := range c.store.Tables() {
		if err := c.backupTable(t); err != nil {
			logger.Error().
				Str("table", t.Name()).
				Err(err).
				Msg("backup failed")
		}
	}
	c.pruneBackups()
}

// backupTable writes an atomic point-in-time copy of one table into the
// backup directory under a timestamped name.
func (c *Coordinator) backupTable(t *Table) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stamp := time.Now().UTC().Format("20060102T150405")
	dst := filepath.Join(c.cfg.BackupDir, fmt.Sprintf("%s.%s.db", t.name, stamp))
	tmp := dst + ".partial"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	err = t.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// pruneBackups keeps the newest BackupRetention backups per table.
func (c *Coordinator) pruneBackups() {
	for _, t := range c.store.Tables() {
		backups := c.backupsFor(t.Name())
		if len(backups) <= c.cfg.BackupRetention {
			continue
		}
		// backupsFor returns newest first.
		for _, old := range backups[c.cfg.BackupRetention:] {
			if err := os.Remove(old); err != nil {
				logger := log.WithComponent("storage")
				logger.Warn().
					Str("path", old).
					Err(err).
					Msg("failed to prune backup")
			}
		}
	}
}

// backupsFor returns the backup paths for a table, newest first. The
// timestamp format sorts lexically.
func (c *Coordinator) backupsFor(table string) []string {
	entries, err := os.ReadDir(c.cfg.BackupDir)
	if err != nil {
		return nil
	}
	prefix := table + "."
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".db") {
			out = append(out, filepath.Join(c.cfg.BackupDir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

// CompactAll compacts every table whose fragmentation estimate exceeds
// the threshold. A failed compaction is retried once, then left for the
// next cycle.
func (c *Coordinator) CompactAll() {
	logger := log.WithComponent("storage")
	for _, t := range c.store.Tables() {
		frag := t.fragmentation()
		if frag < c.cfg.CompactionThreshold {
			continue
		}
		logger.Info().
			Str("table", t.Name()).
			Float64("fragmentation", frag).
			Msg("compacting table")

		if err := t.compact(); err != nil {
			logger.Warn().Str("table", t.Name()).Err(err).Msg("compaction failed, retrying once")
			if err := t.compact(); err != nil {
				logger.Error().Str("table", t.Name()).Err(err).Msg("compaction retry failed")
			}
		}
	}
}

// Recover restores a corrupted table from its most recent valid backup.
// If no backup verifies, the table is restarted empty and a degraded
// signal is raised. Serial per table: recovery runs on the coordinator
// goroutine.
func (c *Coordinator) Recover(table string) {
	logger := log.WithComponent("storage")
	t := c.store.Table(table)

	for _, backup := range c.backupsFor(table) {
		if err := t.replaceFromFile(backup); err != nil {
			logger.Warn().Str("table", table).Str("backup", backup).Err(err).
				Msg("backup restore failed, trying older backup")
			continue
		}
		if err := t.verify(); err != nil {
			logger.Warn().Str("table", table).Str("backup", backup).Err(err).
				Msg("restored table failed verification, trying older backup")
			continue
		}
		logger.Info().Str("table", table).Str("backup", backup).Msg("table recovered from backup")
		return
	}

	// No valid backup: restart empty, degraded mode.
	if err := t.replaceFromFile(""); err != nil {
		logger.Error().Str("table", table).Err(err).Msg("failed to restart table empty")
		return
	}
	logger.Error().Str("table", table).Msg("no valid backup, table restarted empty (degraded)")
	if c.broker != nil {
		c.broker.Publish(&events.Event{
			Type:    events.EventTableDegraded,
			Message: fmt.Sprintf("table %s restarted empty after unrecoverable corruption", table),
			Metadata: map[string]string{
				"table": table,
			},
		})
	}
}
