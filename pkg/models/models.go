package models

import "time"

// Target represents a single crawl unit (one URL) and its outcome flags.
// The distributor reads targets; only the orchestrator mutates them.
type Target struct {
	URL        string `json:"url"`
	Done       bool   `json:"done"`
	Failed     bool   `json:"failed"`
	Invalid    bool   `json:"invalid"`
	FailReason string `json:"fail_reason,omitempty"`
}

// Pending reports whether the target is still eligible for assignment.
func (t *Target) Pending() bool {
	return !t.Done && !t.Failed && !t.Invalid
}

// SessionDescriptor is a value-type projection of a live session used for
// proxy-compatibility matching. It must be taken as a snapshot of the pool,
// never held across pool mutations.
type SessionDescriptor struct {
	ID        string    `json:"id"`
	ProxyType ProxyType `json:"proxy_type"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	ProxyGeo  string    `json:"proxy_geo,omitempty"`
}

// SessionSpec describes the kind of session a provider should create.
// The distributor emits specs when planning demand-driven allocation.
type SessionSpec struct {
	ProxyType ProxyType `json:"proxy_type"`
	ProxyGeo  string    `json:"proxy_geo,omitempty"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	ProxyURL  string    `json:"proxy_url,omitempty"`
}

// URLSessionPair is the distributor's output unit: a target assigned a
// session, not yet a guaranteed outcome.
type URLSessionPair struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// Record is one extracted item handed to the persistence sink.
type Record struct {
	URL         string            `json:"url"`
	Domain      string            `json:"domain"`
	Title       string            `json:"title,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Description string            `json:"description,omitempty"` // markdown
	ExtractedAt time.Time         `json:"extracted_at"`
}

// TargetDBEntry stores the persisted outcome of processing a target URL.
type TargetDBEntry struct {
	Status      TargetStatus `json:"status"`
	ErrorType   string       `json:"error_type,omitempty"`
	FailReason  string       `json:"fail_reason,omitempty"`
	ProcessedAt time.Time    `json:"processed_at,omitempty"`
	LastAttempt time.Time    `json:"last_attempt"`
}

// BlockedProxyEntry records why a proxy was denied for a domain.
type BlockedProxyEntry struct {
	ProxyID   string    `json:"proxy_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}
