package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/log"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

const (
	targetKeyPrefix = "target:"
	recordKeyPrefix = "record:"
	proxyKeyPrefix  = "proxy:" // proxy:<domain>:<proxy_id>
	runDBDir        = "run_db"
)

// BadgerStore implements RunStore using BadgerDB.
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // target keys only, cached for O(1) TargetCount
}

// NewBadgerStore opens (or creates) the run database under stateDir. With
// resume=false any existing state for the run is removed first.
func NewBadgerStore(stateDir, runName string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(runName)+"_"+runDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. Removing existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	if resume {
		count, err := store.countTargetKeys()
		if err != nil {
			logger.Warnf("Failed to count existing target keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing target count on resume: %d", count)
		}
	}

	logger.WithField("path", dbPath).Info("Run database initialized")
	return store, nil
}

func (s *BadgerStore) countTargetKeys() (int, error) {
	count := 0
	prefix := []byte(targetKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction
// conflicts. Concurrent MVCC transactions on overlapping keys can return
// badger.ErrConflict; these resolve in microseconds.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkTargetSeen implements TargetStore.
func (s *BadgerStore) MarkTargetSeen(normalizedURL string) (bool, error) {
	if s.db == nil {
		return false, errors.New("run store not initialized")
	}
	added := false
	key := []byte(targetKeyPrefix + normalizedURL)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			e := badger.NewEntry(key, []byte{})
			errSet := txn.SetEntry(e)
			if errSet == nil {
				added = true
			}
			return errSet
		}
		return errGet
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkTargetSeen: %v", err)
		return false, fmt.Errorf("%w: marking target key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// CheckTargetStatus implements TargetStore.
func (s *BadgerStore) CheckTargetStatus(normalizedURL string) (models.TargetStatus, *models.TargetDBEntry, error) {
	status := models.TargetStatusNotFound
	var entry *models.TargetDBEntry
	key := []byte(targetKeyPrefix + normalizedURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			status = models.TargetStatusNotFound
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting target key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				status = models.TargetStatusPending // seen but no outcome yet
				return nil
			}

			var decoded models.TargetDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal TargetDBEntry for key '%s': %v. Treating as 'pending'.", string(key), errJSON)
				status = models.TargetStatusPending
				return nil
			}

			entry = &decoded
			status = decoded.Status
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in CheckTargetStatus for key '%s': %v", string(key), errView)
		return models.TargetStatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdateTargetStatus implements TargetStore.
func (s *BadgerStore) UpdateTargetStatus(normalizedURL string, entry *models.TargetDBEntry) error {
	if s.db == nil {
		return errors.New("run store not initialized")
	}
	key := []byte(targetKeyPrefix + normalizedURL)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		wrapped := fmt.Errorf("%w: failed to marshal TargetDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJSON)
		s.log.Error(wrapped)
		return wrapped
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in UpdateTargetStatus: %v", err)
		return fmt.Errorf("%w: failed setting target status for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// PendingTargets implements TargetStore. Targets whose last outcome was a
// failure come back as pending so a resumed run retries them.
func (s *BadgerStore) PendingTargets(ctx context.Context) ([]models.Target, error) {
	var targets []models.Target
	prefix := []byte(targetKeyPrefix)

	scanErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				s.log.Warnf("Pending-target scan interrupted: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			keyWithPrefix := item.KeyCopy(nil)
			url := string(keyWithPrefix[len(prefix):])

			errVal := item.Value(func(val []byte) error {
				if len(val) == 0 {
					targets = append(targets, models.Target{URL: url})
					return nil
				}
				var entry models.TargetDBEntry
				if errJSON := json.Unmarshal(val, &entry); errJSON != nil {
					s.log.Errorf("Pending-target scan: failed unmarshal for '%s': %v. Skipping.", url, errJSON)
					return nil
				}
				if entry.Status == models.TargetStatusPending || entry.Status == models.TargetStatusFailed {
					targets = append(targets, models.Target{URL: url})
				}
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})

	if scanErr != nil {
		return targets, scanErr
	}
	s.log.Infof("Pending-target scan complete: %d targets to process", len(targets))
	return targets, nil
}

// SaveRecord implements RecordSink.
func (s *BadgerStore) SaveRecord(record *models.Record) error {
	if s.db == nil {
		return errors.New("run store not initialized")
	}
	key := []byte(recordKeyPrefix + record.URL)

	recordBytes, errJSON := json.Marshal(record)
	if errJSON != nil {
		return fmt.Errorf("%w: failed to marshal record for '%s': %w", utils.ErrParsing, record.URL, errJSON)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, recordBytes))
	})
	if err != nil {
		return fmt.Errorf("%w: failed saving record for '%s': %w", utils.ErrDatabase, record.URL, err)
	}
	s.log.WithField("url", record.URL).Debug("Record saved")
	return nil
}

// RecordCount implements RecordSink.
func (s *BadgerStore) RecordCount() (int, error) {
	count := 0
	prefix := []byte(recordKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting records: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

// MarkProxyBlocked implements ProxyLedger.
func (s *BadgerStore) MarkProxyBlocked(domain, proxyID, reason string) error {
	if s.db == nil {
		return errors.New("run store not initialized")
	}
	key := []byte(proxyKeyPrefix + domain + ":" + proxyID)

	entry := models.BlockedProxyEntry{
		ProxyID:   proxyID,
		Reason:    reason,
		BlockedAt: time.Now().UTC(),
	}
	entryBytes, errJSON := json.Marshal(&entry)
	if errJSON != nil {
		return fmt.Errorf("%w: failed to marshal blocked-proxy entry: %w", utils.ErrParsing, errJSON)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		return fmt.Errorf("%w: failed marking proxy '%s' blocked for '%s': %w", utils.ErrDatabase, proxyID, domain, err)
	}
	s.log.WithFields(logrus.Fields{"domain": domain, "proxy_id": proxyID}).Info("Proxy marked blocked")
	return nil
}

// BlockedProxies implements ProxyLedger.
func (s *BadgerStore) BlockedProxies(domain string) (map[string]string, error) {
	blocked := make(map[string]string)
	prefix := []byte(proxyKeyPrefix + domain + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			errVal := it.Item().Value(func(val []byte) error {
				var entry models.BlockedProxyEntry
				if errJSON := json.Unmarshal(val, &entry); errJSON != nil {
					s.log.Warnf("Failed to unmarshal blocked-proxy entry under '%s': %v. Skipping.", string(it.Item().Key()), errJSON)
					return nil
				}
				blocked[entry.ProxyID] = entry.Reason
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading blocked proxies for '%s': %w", utils.ErrDatabase, domain, err)
	}
	return blocked, nil
}

// TargetCount implements StoreAdmin. Returns the cached target key count.
func (s *BadgerStore) TargetCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's value log garbage collection periodically.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// reclaim value logs that are at least half garbage
				err = s.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin.
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing run DB: %v", err)
			return err
		}
		s.log.Info("Run DB closed")
		return nil
	}
	return nil
}
