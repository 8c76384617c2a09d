package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Well-known table names. Each is owned by exactly one component.
const (
	TableTasks    = "tasks"    // task queue
	TableGoals    = "goals"    // goal orchestrator
	TableTokens   = "tokens"   // token registry
	TableMailbox  = "mailbox"  // message router
	TableHubState = "hubstate" // hub FSM transition history
	TableConfig   = "config"   // runtime-set config overrides
)

var allTables = []string{
	TableTasks,
	TableGoals,
	TableTokens,
	TableMailbox,
	TableHubState,
	TableConfig,
}

// Store manages the set of durable tables under one data directory, one
// file per table. Recovery and maintenance run through the Coordinator.
type Store struct {
	dataDir string

	mu     sync.RWMutex
	tables map[string]*Table

	// corruptionCh receives table names whose hot path hit an error.
	corruptionCh chan corruptionReport
}

type corruptionReport struct {
	table  string
	reason error
}

// Open opens (creating if necessary) every table under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:      dataDir,
		tables:       make(map[string]*Table, len(allTables)),
		corruptionCh: make(chan corruptionReport, 16),
	}

	for _, name := range allTables {
		t, err := openTable(dataDir, name, s.reportCorruption)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.tables[name] = t
	}

	return s, nil
}

// Table returns the named table. Panics on unknown names: table names are
// compile-time constants and a miss is a programming error.
func (s *Store) Table(name string) *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		panic(fmt.Sprintf("storage: unknown table %q", name))
	}
	return t
}

// Tables returns all tables sorted by name. Backup and compaction iterate
// this way so their serial order is stable.
func (s *Store) Tables() []*Table {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// DataDir returns the store's data directory.
func (s *Store) DataDir() string { return s.dataDir }

// SyncAll forces the fsync barrier on every table.
func (s *Store) SyncAll() error {
	var firstErr error
	for _, t := range s.Tables() {
		if err := t.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every table.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, t := range s.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) reportCorruption(table string, reason error) {
	select {
	case s.corruptionCh <- corruptionReport{table: table, reason: reason}:
	default:
		// A recovery is already pending for this burst of errors.
	}
}
