package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/distribute"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/scrape"
	"github.com/mushstyle/scrape2-sub001/pkg/session"
	"github.com/mushstyle/scrape2-sub001/pkg/storage"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// CycleStats summarizes one distribution cycle.
type CycleStats struct {
	Cycle             int
	Matched           int
	SessionsCreated   int
	SessionsDestroyed int
	Processed         int
	Succeeded         int
	Failed            int
	Invalid           int
	RecordsSaved      int
	NewTargets        int
	Duration          time.Duration
}

// RunSummary aggregates a whole crawl run.
type RunSummary struct {
	Cycles       int
	Processed    int
	Succeeded    int
	Failed       int
	RecordsSaved int
	Duration     time.Duration
}

// Orchestrator drives the crawl: each cycle it matches pending targets to
// live sessions, reshapes the pool to the remaining demand, runs the matched
// pairs through their scrapers, and feeds outcomes back into the target set.
type Orchestrator struct {
	cfg      *config.AppConfig
	pool     *session.Pool
	registry *scrape.Registry
	store    storage.RunStore
	log      *logrus.Entry

	requestSem *semaphore.Weighted

	mu           sync.Mutex
	targets      []models.Target
	targetIndex  map[string]int // URL -> index into targets
	domainCounts map[string]int // targets enqueued per domain, for max_pages
}

func NewOrchestrator(
	cfg *config.AppConfig,
	pool *session.Pool,
	registry *scrape.Registry,
	store storage.RunStore,
	log *logrus.Entry,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		pool:         pool,
		registry:     registry,
		store:        store,
		log:          log.WithField("component", "orchestrator"),
		requestSem:   semaphore.NewWeighted(int64(cfg.MaxRequests)),
		targetIndex:  make(map[string]int),
		domainCounts: make(map[string]int),
	}
}

// SeedTargets loads the initial target set: every site's start URLs, plus
// (when resuming) the unfinished targets persisted by a previous run.
func (o *Orchestrator) SeedTargets(ctx context.Context, resume bool) error {
	for _, siteCfg := range o.cfg.Sites {
		for _, raw := range siteCfg.StartURLs {
			o.addTarget(raw)
		}
	}

	if resume {
		pending, err := o.store.PendingTargets(ctx)
		if err != nil {
			return fmt.Errorf("loading unfinished targets: %w", err)
		}
		for _, target := range pending {
			o.addTarget(target.URL)
		}
	}

	o.mu.Lock()
	count := len(o.targets)
	o.mu.Unlock()
	o.log.WithField("targets", count).Info("Target set seeded")
	return nil
}

// addTarget registers a URL once, respecting the per-site page cap.
// Returns true when the target was newly added.
func (o *Orchestrator) addTarget(rawURL string) bool {
	domain, ok := distribute.DomainOf(rawURL)
	if !ok {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.targetIndex[rawURL]; exists {
		return false
	}

	// the page cap counts against the resolved site, so subdomain
	// targets share their parent site's budget
	counterKey := domain
	if siteCfg, ok := o.siteFor(domain); ok {
		counterKey = siteCfg.Domain
		if siteCfg.MaxPages > 0 && o.domainCounts[counterKey] >= siteCfg.MaxPages {
			return false
		}
	}

	if _, err := o.store.MarkTargetSeen(rawURL); err != nil {
		o.log.WithError(err).WithField("url", rawURL).Warn("Failed to persist new target, keeping it in memory")
	}
	o.targetIndex[rawURL] = len(o.targets)
	o.targets = append(o.targets, models.Target{URL: rawURL})
	o.domainCounts[counterKey]++
	return true
}

// siteFor resolves a hostname to its site config: exact domain first, then
// the registrable domain, mirroring the distributor's lookup.
func (o *Orchestrator) siteFor(domain string) (config.SiteConfig, bool) {
	for _, siteCfg := range o.cfg.Sites {
		if siteCfg.Domain == domain {
			return siteCfg, true
		}
	}
	if registrable, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil && registrable != domain {
		for _, siteCfg := range o.cfg.Sites {
			if siteCfg.Domain == registrable {
				return siteCfg, true
			}
		}
	}
	return config.SiteConfig{}, false
}

// Run executes distribution cycles until the target set is exhausted, the
// cycle cap is hit, or the context ends. The pool is torn down on exit.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	if o.cfg.GlobalCrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GlobalCrawlTimeout)
		defer cancel()
	}

	defer func() {
		// teardown must not be cut short by the crawl context
		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.pool.DestroyAll(teardownCtx); err != nil {
			o.log.WithError(err).Warn("Errors during final session teardown")
		}
	}()

	var summary RunSummary
	for cycleNum := 1; ; cycleNum++ {
		if o.cfg.MaxCycles > 0 && cycleNum > o.cfg.MaxCycles {
			o.log.WithField("max_cycles", o.cfg.MaxCycles).Info("Cycle cap reached, stopping")
			break
		}
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}

		stats := o.RunCycle(ctx, cycleNum)
		summary.Cycles++
		summary.Processed += stats.Processed
		summary.Succeeded += stats.Succeeded
		summary.Failed += stats.Failed + stats.Invalid
		summary.RecordsSaved += stats.RecordsSaved

		if o.pendingCount() == 0 {
			o.log.Info("All targets resolved")
			break
		}
		if stats.Processed == 0 && stats.NewTargets == 0 {
			// remaining targets cannot be served (no compatible sessions
			// creatable), so another cycle would do the same nothing
			o.log.WithField("pending", o.pendingCount()).Warn("No progress possible for remaining targets, stopping")
			break
		}
	}

	summary.Duration = time.Since(start)
	o.log.WithFields(logrus.Fields{
		"cycles":    summary.Cycles,
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"records":   summary.RecordsSaved,
		"duration":  summary.Duration.Round(time.Millisecond),
	}).Info("Crawl run finished")
	return summary, nil
}

func (o *Orchestrator) pendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for i := range o.targets {
		if o.targets[i].Pending() {
			count++
		}
	}
	return count
}

// RunCycle performs one full distribution cycle: match, reshape the pool
// (destroy excess, create for unmet demand), match again over the enlarged
// pool, then process every assigned pair.
func (o *Orchestrator) RunCycle(ctx context.Context, cycleNum int) CycleStats {
	start := time.Now()
	stats := CycleStats{Cycle: cycleNum}
	cycleLog := o.log.WithField("cycle", cycleNum)

	siteConfigs := o.snapshotSites()

	o.mu.Lock()
	targets := make([]models.Target, len(o.targets))
	copy(targets, o.targets)
	o.mu.Unlock()

	// first pass over the sessions we already have
	sessions := o.pool.ActiveSessions()
	pairs := distribute.Match(targets, sessions, siteConfigs)

	// excess sessions hold slots the unmet demand needs
	excess := distribute.ExcessSessions(sessions, pairs)
	for _, desc := range excess {
		if err := o.pool.Destroy(ctx, desc.ID); err != nil {
			cycleLog.WithError(err).WithField("session_id", desc.ID).Warn("Failed to destroy excess session")
		}
		stats.SessionsDestroyed++
	}

	poolStats := o.pool.Stats()
	budget := o.cfg.MaxSessions - poolStats.Active
	specs := distribute.PlanSessions(targets, pairs, siteConfigs, budget)

	if len(specs) > 0 {
		for _, group := range distribute.GroupSpecs(specs) {
			cycleLog.WithFields(logrus.Fields{
				"proxy_type": group.Spec.ProxyType,
				"proxy_geo":  group.Spec.ProxyGeo,
				"count":      group.Count,
			}).Debug("Requesting sessions")
		}
		created, err := o.pool.CreateBatch(ctx, specs)
		if err != nil {
			cycleLog.WithError(err).Warn("Session batch creation incomplete")
		}
		stats.SessionsCreated = len(created)

		// second pass only pays off when the pool actually grew
		if len(created) > 0 {
			pairs = distribute.Match(targets, o.pool.ActiveSessions(), siteConfigs)
		}
	}
	stats.Matched = len(pairs)

	cycleLog.WithFields(logrus.Fields{
		"matched":            stats.Matched,
		"sessions_created":   stats.SessionsCreated,
		"sessions_destroyed": stats.SessionsDestroyed,
	}).Info("Distribution complete")

	if len(pairs) > 0 {
		o.processPairs(ctx, pairs, &stats, cycleLog)
	}

	stats.Duration = time.Since(start)
	return stats
}

// snapshotSites deep-copies the site configs, re-keyed by domain for the
// distributor, and folds the persisted blocked-proxy ledger into each copy
// so matching in this cycle sees every ban discovered so far.
func (o *Orchestrator) snapshotSites() map[string]config.SiteConfig {
	snapshot := make(map[string]config.SiteConfig, len(o.cfg.Sites))
	for _, siteCfg := range o.cfg.CloneSites() {
		blocked, err := o.store.BlockedProxies(siteCfg.Domain)
		if err != nil {
			o.log.WithError(err).WithField("domain", siteCfg.Domain).Warn("Failed to load blocked proxies, matching without them")
		} else {
			for proxyID, reason := range blocked {
				siteCfg.BlockedProxies[proxyID] = reason
			}
		}
		snapshot[siteCfg.Domain] = siteCfg
	}
	return snapshot
}

func (o *Orchestrator) processPairs(
	ctx context.Context,
	pairs []models.URLSessionPair,
	stats *CycleStats,
	cycleLog *logrus.Entry,
) {
	var statsMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.NumWorkers)

	for _, pair := range pairs {
		pair := pair
		group.Go(func() error {
			outcome := o.processTarget(groupCtx, pair, cycleLog)

			statsMu.Lock()
			stats.Processed++
			switch {
			case outcome.invalid:
				stats.Invalid++
			case outcome.err != nil:
				stats.Failed++
			default:
				stats.Succeeded++
			}
			if outcome.recordSaved {
				stats.RecordsSaved++
			}
			stats.NewTargets += outcome.newTargets
			statsMu.Unlock()
			return nil
		})
	}
	group.Wait()
}

type targetOutcome struct {
	err         error
	invalid     bool
	recordSaved bool
	newTargets  int
}

// processTarget runs one URL-session pair end to end and records the
// outcome on the target and in the run store.
func (o *Orchestrator) processTarget(ctx context.Context, pair models.URLSessionPair, cycleLog *logrus.Entry) targetOutcome {
	taskLog := cycleLog.WithFields(logrus.Fields{"url": pair.URL, "session_id": pair.SessionID})

	outcome := o.executeTarget(ctx, pair, taskLog)

	status := models.TargetStatusDone
	entry := models.TargetDBEntry{LastAttempt: time.Now().UTC()}
	switch {
	case outcome.invalid:
		status = models.TargetStatusInvalid
	case outcome.err != nil:
		status = models.TargetStatusFailed
		entry.ErrorType = utils.CategorizeError(outcome.err)
		entry.FailReason = outcome.err.Error()
		taskLog.WithError(outcome.err).WithField("category", entry.ErrorType).Warn("Target failed")
	default:
		entry.ProcessedAt = entry.LastAttempt
	}
	entry.Status = status

	o.mu.Lock()
	if idx, ok := o.targetIndex[pair.URL]; ok {
		status.ApplyTo(&o.targets[idx])
		if outcome.err != nil {
			o.targets[idx].FailReason = entry.FailReason
		}
	}
	o.mu.Unlock()

	if err := o.store.UpdateTargetStatus(pair.URL, &entry); err != nil {
		taskLog.WithError(err).Error("Failed to persist target outcome")
	}
	return outcome
}

func (o *Orchestrator) executeTarget(ctx context.Context, pair models.URLSessionPair, taskLog *logrus.Entry) targetOutcome {
	domain, ok := distribute.DomainOf(pair.URL)
	if !ok {
		return targetOutcome{invalid: true}
	}

	scraper, err := o.registry.Lookup(domain)
	if err != nil {
		return targetOutcome{err: err}
	}

	sess, err := o.pool.Get(pair.SessionID)
	if err != nil {
		// session died between matching and processing
		return targetOutcome{err: err}
	}

	if o.cfg.PerTargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PerTargetTimeout)
		defer cancel()
	}

	semCtx := ctx
	if o.cfg.SemaphoreAcquireTimeout > 0 {
		var cancel context.CancelFunc
		semCtx, cancel = context.WithTimeout(ctx, o.cfg.SemaphoreAcquireTimeout)
		defer cancel()
	}
	if err := o.requestSem.Acquire(semCtx, 1); err != nil {
		return targetOutcome{err: fmt.Errorf("%w: %v", utils.ErrSemaphoreTimeout, err)}
	}
	defer o.requestSem.Release(1)

	body, err := sess.Page().Navigate(ctx, pair.URL)
	o.pool.RecordUsage(sess.ID, 1)
	if err != nil {
		o.handleNavigationError(ctx, err, domain, sess, taskLog)
		if errors.Is(err, utils.ErrRobotsDisallowed) || errors.Is(err, utils.ErrParsing) {
			return targetOutcome{invalid: true}
		}
		return targetOutcome{err: err}
	}

	doc, err := scrape.ParseDocument(body)
	if err != nil {
		return targetOutcome{err: err}
	}
	base, err := url.Parse(pair.URL)
	if err != nil {
		return targetOutcome{invalid: true}
	}

	outcome := targetOutcome{}
	for _, link := range scraper.DiscoverLinks(doc, base) {
		if o.addTarget(link) {
			outcome.newTargets++
		}
	}
	if next, ok := scraper.AdvancePagination(doc, base); ok {
		if o.addTarget(next) {
			outcome.newTargets++
		}
	}

	record, err := scraper.ExtractRecord(doc, base)
	if err != nil {
		// listing pages legitimately carry no record of their own
		if outcome.newTargets > 0 {
			taskLog.WithField("new_targets", outcome.newTargets).Debug("Listing page processed")
			return outcome
		}
		return targetOutcome{err: err}
	}

	if err := o.store.SaveRecord(&record); err != nil {
		return targetOutcome{err: err}
	}
	outcome.recordSaved = true
	taskLog.WithField("title", record.Title).Debug("Record extracted")
	return outcome
}

// handleNavigationError checks for ban signals and burns the offending
// session and proxy when one fires.
func (o *Orchestrator) handleNavigationError(ctx context.Context, navErr error, domain string, sess *session.Session, taskLog *logrus.Entry) {
	if !utils.IsBanSignal(navErr) {
		return
	}

	proxyID := sess.Spec.ProxyID
	if proxyID != "" {
		if err := o.store.MarkProxyBlocked(domain, proxyID, navErr.Error()); err != nil {
			taskLog.WithError(err).Warn("Failed to record proxy block")
		}
	}
	taskLog.WithFields(logrus.Fields{"proxy_id": proxyID, "domain": domain}).Warn("Ban signal, destroying session")
	if err := o.pool.Destroy(ctx, sess.ID); err != nil {
		taskLog.WithError(err).Warn("Failed to destroy banned session")
	}
}
