package storage

import (
	"context"
	"time"

	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

// TargetStore tracks per-URL crawl outcomes across cycles and restarts.
type TargetStore interface {
	// MarkTargetSeen registers a target URL in pending state.
	// Returns true if the URL was newly added.
	MarkTargetSeen(normalizedURL string) (bool, error)

	// CheckTargetStatus retrieves the persisted status of a target URL.
	// A URL the store has never seen reports TargetStatusNotFound with a
	// nil entry and no error.
	CheckTargetStatus(normalizedURL string) (models.TargetStatus, *models.TargetDBEntry, error)

	// UpdateTargetStatus records the outcome of processing a target URL.
	UpdateTargetStatus(normalizedURL string, entry *models.TargetDBEntry) error

	// PendingTargets returns the targets that still need processing
	// (pending or failed), for resuming an interrupted run.
	PendingTargets(ctx context.Context) ([]models.Target, error)
}

// RecordSink persists extracted records.
type RecordSink interface {
	// SaveRecord stores one extracted record keyed by its normalized URL.
	SaveRecord(record *models.Record) error

	// RecordCount reports how many records the sink holds.
	RecordCount() (int, error)
}

// ProxyLedger persists which proxies a site has banned, so later runs
// don't burn sessions rediscovering the same blocks.
type ProxyLedger interface {
	// MarkProxyBlocked records a proxy ban for a domain. Re-marking an
	// already blocked proxy refreshes its entry.
	MarkProxyBlocked(domain, proxyID, reason string) error

	// BlockedProxies returns proxy id -> reason for a domain.
	BlockedProxies(domain string) (map[string]string, error)
}

// StoreAdmin handles lifecycle and administrative operations.
type StoreAdmin interface {
	// TargetCount returns the number of target keys in the store.
	TargetCount() (int, error)

	// RunGC runs periodic value-log garbage collection until ctx ends.
	// Should be run in a goroutine.
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database.
	Close() error
}

// RunStore combines all store interfaces for components needing full access.
type RunStore interface {
	TargetStore
	RecordSink
	ProxyLedger
	StoreAdmin
}
