package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// PoolStats is an aggregate snapshot of pool activity. Cache counters
// accumulate from destroyed sessions' per-page caches.
type PoolStats struct {
	Active             int
	Created            int64
	Destroyed          int64
	CreateFailures     int64
	TotalRequests      int64
	RequestsPerSession float64
	CacheHits          int64
	CacheMisses        int64
}

// Pool owns the global session limit. Admission for a batch is atomic:
// either every requested slot is reserved up front or the whole batch is
// rejected, so concurrent batches can never overshoot the limit even while
// creations are still in flight.
type Pool struct {
	provider Provider
	limit    int

	createTimeout  time.Duration
	destroyTimeout time.Duration

	mu       sync.Mutex
	active   map[string]*Session
	reserved int

	created        int64
	destroyed      int64
	createFailures int64
	totalRequests  int64
	cacheHits      int64
	cacheMisses    int64

	log *logrus.Entry
}

// NewPool wraps a provider with capacity accounting from the app config.
func NewPool(provider Provider, cfg *config.AppConfig, log *logrus.Entry) *Pool {
	return &Pool{
		provider:       provider,
		limit:          cfg.MaxSessions,
		createTimeout:  cfg.SessionCreateTimeout,
		destroyTimeout: cfg.SessionDestroyTimeout,
		active:         make(map[string]*Session),
		log:            log.WithField("component", "session_pool"),
	}
}

// Create creates a single session, subject to the same atomic admission
// check as a batch.
func (p *Pool) Create(ctx context.Context, spec models.SessionSpec) (*Session, error) {
	sessions, err := p.CreateBatch(ctx, []models.SessionSpec{spec})
	if err != nil {
		return nil, err
	}
	return sessions[0], nil
}

// CreateBatch creates len(specs) sessions concurrently. If the batch does
// not fit the remaining capacity no session is created at all. Individual
// creation failures release their reserved slots; the successfully created
// sessions are returned alongside the aggregated error.
func (p *Pool) CreateBatch(ctx context.Context, specs []models.SessionSpec) ([]*Session, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	available := p.limit - len(p.active) - p.reserved
	if len(specs) > available {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d session(s), %d slots available (limit: %d)",
			utils.ErrPoolCapacity, len(specs), available, p.limit)
	}
	p.reserved += len(specs)
	p.mu.Unlock()

	results := make([]*Session, len(specs))
	errs := make([]error, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec models.SessionSpec) {
			defer wg.Done()

			createCtx := ctx
			var cancel context.CancelFunc
			if p.createTimeout > 0 {
				createCtx, cancel = context.WithTimeout(ctx, p.createTimeout)
				defer cancel()
			}

			s, err := p.provider.CreateSession(createCtx, spec)

			p.mu.Lock()
			p.reserved--
			if err != nil {
				p.createFailures++
				p.mu.Unlock()
				errs[i] = err
				return
			}
			p.active[s.ID] = s
			p.created++
			p.mu.Unlock()
			results[i] = s
		}(i, spec)
	}
	wg.Wait()

	sessions := make([]*Session, 0, len(specs))
	for _, s := range results {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.log.WithFields(logrus.Fields{
			"requested": len(specs),
			"created":   len(sessions),
		}).Warn("Batch created with failures")
		return sessions, err
	}
	p.log.WithField("created", len(sessions)).Debug("Batch created")
	return sessions, nil
}

// Destroy tears down one session and frees its slot. Destroying a session
// the pool no longer tracks is a no-op, so repeated destroys are safe. The
// slot is reclaimed even when the provider-side teardown fails.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.active[id]
	if ok {
		delete(p.active, id)
		p.destroyed++
		if page := s.Page(); page != nil {
			if cs, cached := page.CacheStats(); cached {
				p.cacheHits += cs.Hits
				p.cacheMisses += cs.Misses
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		p.log.WithField("session_id", id).Debug("Destroy of untracked session ignored")
		return nil
	}

	destroyCtx := ctx
	var cancel context.CancelFunc
	if p.destroyTimeout > 0 {
		destroyCtx, cancel = context.WithTimeout(ctx, p.destroyTimeout)
		defer cancel()
	}
	if err := p.provider.TerminateSession(destroyCtx, s); err != nil {
		// Tracking is already gone, so capacity is reclaimed either way.
		// A leaked provider resource is cheaper than a wedged pool.
		p.log.WithError(err).WithField("session_id", id).Warn("Provider teardown failed, slot reclaimed anyway")
	}
	return nil
}

// DestroyByObject tears down a session the pool may or may not be
// tracking, such as one left over from a failed batch. Provider cleanup
// runs either way.
func (p *Pool) DestroyByObject(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	p.mu.Lock()
	_, tracked := p.active[s.ID]
	p.mu.Unlock()
	if tracked {
		return p.Destroy(ctx, s.ID)
	}

	destroyCtx := ctx
	var cancel context.CancelFunc
	if p.destroyTimeout > 0 {
		destroyCtx, cancel = context.WithTimeout(ctx, p.destroyTimeout)
		defer cancel()
	}
	if err := p.provider.TerminateSession(destroyCtx, s); err != nil {
		p.log.WithError(err).WithField("session_id", s.ID).Warn("Provider teardown of untracked session failed")
	}
	return nil
}

// DestroyAll tears down every tracked session in parallel. Individual
// teardown failures are logged by Destroy and never block the others.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return p.Destroy(ctx, id)
		})
	}
	return g.Wait()
}

// Get returns a tracked session by id.
func (p *Pool) Get(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrSessionUnknown, id)
	}
	return s, nil
}

// ActiveSessions snapshots the live sessions as descriptors, ordered by
// creation time then id so matching passes see a stable view.
func (p *Pool) ActiveSessions() []models.SessionDescriptor {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.active))
	for _, s := range p.active {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	descriptors := make([]models.SessionDescriptor, len(sessions))
	for i, s := range sessions {
		descriptors[i] = s.Descriptor()
	}
	return descriptors
}

// RecordUsage counts delta served requests against a session.
func (p *Pool) RecordUsage(id string, delta int) {
	p.mu.Lock()
	s, ok := p.active[id]
	if ok {
		p.totalRequests += int64(delta)
	}
	p.mu.Unlock()
	if ok {
		s.RecordRequests(delta)
	}
}

// Stats returns an aggregate snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Active:         len(p.active),
		Created:        p.created,
		Destroyed:      p.destroyed,
		CreateFailures: p.createFailures,
		TotalRequests:  p.totalRequests,
		CacheHits:      p.cacheHits,
		CacheMisses:    p.cacheMisses,
	}
	if p.created > 0 {
		stats.RequestsPerSession = float64(p.totalRequests) / float64(p.created)
	}
	return stats
}
