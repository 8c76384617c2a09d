package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrTableCorrupted is surfaced to owners on write failures that indicate
// the underlying file is damaged. Recovery is handled by the Coordinator.
var ErrTableCorrupted = errors.New("table corrupted")

// dataBucket is the single bucket inside each table file.
var dataBucket = []byte("data")

// Table is one named, file-backed key-value table. Each table is owned by
// exactly one component (the only writer); readers outside the owner go
// through read-only methods on the owning component.
//
// Writes run with NoSync; the Coordinator drives a periodic Sync barrier.
// Hot-path errors other than ErrNotFound are reported to the corruption
// callback, which triggers serial backup-based recovery.
type Table struct {
	name string
	path string

	mu       sync.RWMutex // guards db swap during recovery and compaction
	db       *bolt.DB
	degraded bool

	onCorruption func(name string, reason error)
}

func openTable(dir, name string, onCorruption func(string, error)) (*Table, error) {
	t := &Table{
		name:         name,
		path:         filepath.Join(dir, name+".db"),
		onCorruption: onCorruption,
	}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) open() error {
	db, err := bolt.Open(t.path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open table %s: %w", t.name, err)
	}
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to init table %s: %w", t.name, err)
	}

	t.db = db
	return nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Path returns the table's on-disk file path.
func (t *Table) Path() string { return t.path }

// Degraded reports whether the table was restarted empty after an
// unrecoverable corruption.
func (t *Table) Degraded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.degraded
}

// Put stores v under key, JSON-encoded.
func (t *Table) Put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", t.name, err)
	}
	return t.PutRaw([]byte(key), data)
}

// PutRaw stores raw bytes under a raw key.
func (t *Table) PutRaw(key, value []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put(key, value)
	})
	if err != nil {
		t.reportCorruption(err)
		return fmt.Errorf("%w: %v", ErrTableCorrupted, err)
	}
	return nil
}

// Get unmarshals the record for key into out. Returns ErrNotFound when
// no record exists.
func (t *Table) Get(key string, out interface{}) error {
	data, err := t.GetRaw([]byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s record: %w", t.name, err)
	}
	return nil
}

// GetRaw returns a copy of the raw value for a raw key.
func (t *Table) GetRaw(key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(dataBucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		// Copy: bolt memory is only valid inside the transaction.
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		t.reportCorruption(err)
		return nil, fmt.Errorf("%w: %v", ErrTableCorrupted, err)
	}
	return out, nil
}

// Delete removes the record for key. Deleting a missing key is a no-op.
func (t *Table) Delete(key string) error {
	return t.DeleteRaw([]byte(key))
}

// DeleteRaw removes the record for a raw key.
func (t *Table) DeleteRaw(key []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete(key)
	})
	if err != nil {
		t.reportCorruption(err)
		return fmt.Errorf("%w: %v", ErrTableCorrupted, err)
	}
	return nil
}

// Scan visits every record in key order. The callback receives bolt-owned
// slices valid only for the duration of the call.
func (t *Table) Scan(fn func(key, value []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(fn)
	})
	if err != nil {
		t.reportCorruption(err)
	}
	return err
}

// ScanPrefix visits records whose key starts with prefix, in key order.
func (t *Table) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	err := t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.reportCorruption(err)
	}
	return err
}

// Count returns the number of records in the table.
func (t *Table) Count() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int
	err := t.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(dataBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Sync forces an fsync barrier. Writes are only durable once Sync (or
// close) has returned.
func (t *Table) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.db.Sync()
}

// Close syncs and closes the table file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Close()
}

// fragmentation estimates the fraction of the file occupied by free
// pages. Used to gate compaction.
func (t *Table) fragmentation() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.db.Stats()
	free := stats.FreePageN + stats.PendingPageN

	info, err := os.Stat(t.path)
	if err != nil || info.Size() == 0 {
		return 0
	}
	total := int(info.Size()) / t.db.Info().PageSize
	if total == 0 {
		return 0
	}
	return float64(free) / float64(total)
}

// compact rewrites the table file contiguously: copy every record into a
// fresh file, then swap it in. Callers must not hold table locks.
func (t *Table) compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tmpPath := t.path + ".compact"
	tmp, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open compaction target: %w", err)
	}

	err = tmp.Update(func(dst *bolt.Tx) error {
		b, err := dst.CreateBucketIfNotExists(dataBucket)
		if err != nil {
			return err
		}
		return t.db.View(func(src *bolt.Tx) error {
			return src.Bucket(dataBucket).ForEach(func(k, v []byte) error {
				return b.Put(k, v)
			})
		})
	})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := t.db.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("failed to swap compacted file: %w", err)
	}
	return t.open()
}

// replaceFromFile swaps the table's backing file for src and reopens.
// Used by recovery; serial per table.
func (t *Table) replaceFromFile(src string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.db.Close() // best effort: the file may already be unreadable

	if src == "" {
		// No usable backup: restart empty (degraded mode).
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := t.open(); err != nil {
			return err
		}
		t.degraded = true
		return nil
	}

	if err := copyFile(src, t.path); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	if err := t.open(); err != nil {
		return err
	}
	t.degraded = false
	return nil
}

// verify checks the table is fully readable: a record count plus a
// complete scan traversal.
func (t *Table) verify() error {
	n, err := t.Count()
	if err != nil {
		return err
	}
	seen := 0
	err = t.Scan(func(k, v []byte) error {
		seen++
		return nil
	})
	if err != nil {
		return err
	}
	if seen != n {
		return fmt.Errorf("record count mismatch: stats=%d scanned=%d", n, seen)
	}
	return nil
}

func (t *Table) reportCorruption(reason error) {
	if t.onCorruption != nil {
		go t.onCorruption(t.name, reason)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
