package session

import (
	"sync/atomic"
	"time"

	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

// Session is a live browsing context bound to at most one proxy endpoint
// for its whole lifetime. Sessions are created and destroyed exclusively
// through the Pool; callers only navigate via the session's Page.
type Session struct {
	ID        string
	Spec      models.SessionSpec
	CreatedAt time.Time

	page     *Page
	requests atomic.Int64

	// provider-private handle, e.g. the remote service's session id
	remoteID string
}

// Descriptor returns the value-type projection used by the distributor.
func (s *Session) Descriptor() models.SessionDescriptor {
	return models.SessionDescriptor{
		ID:        s.ID,
		ProxyType: s.Spec.ProxyType,
		ProxyID:   s.Spec.ProxyID,
		ProxyGeo:  s.Spec.ProxyGeo,
	}
}

// Page returns the session's single page surface.
func (s *Session) Page() *Page {
	return s.page
}

// RecordRequests adds delta to the session's request counter.
func (s *Session) RecordRequests(delta int) {
	s.requests.Add(int64(delta))
}

// RequestCount reports how many requests this session has served.
func (s *Session) RequestCount() int64 {
	return s.requests.Load()
}
