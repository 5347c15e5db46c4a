// Package distribute implements the pure assignment algorithm that pairs
// crawl targets with proxy-compatible sessions. Nothing in this package has
// side effects or creates resources; callers act on the proposals.
package distribute

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

// Match computes one assignment pass.
//
// Pending targets are partitioned by the site config their domain resolves
// to, in first-encounter order; that order is also the claim order when a
// session is eligible for several sites (earlier sites win — deliberate,
// order-dependent tie-break). Grouping on the resolved config rather than
// the raw hostname keeps subdomains inside their parent site's session
// limit. Within a site, eligible sessions are assigned first-fit in
// snapshot order, capped at the site's session limit. A session is
// consumed by at most one pair across the whole call. Targets with
// malformed URLs or domains without a SiteConfig yield no pairs and no
// error.
//
// Match is deterministic: identical inputs produce identical output.
func Match(targets []models.Target, sessions []models.SessionDescriptor, siteConfigs map[string]config.SiteConfig) []models.URLSessionPair {
	var siteOrder []string
	siteTargets := make(map[string][]string) // config key -> pending URLs, encounter order
	siteCfgs := make(map[string]config.SiteConfig)

	for _, t := range targets {
		if !t.Pending() {
			continue
		}
		domain, ok := DomainOf(t.URL)
		if !ok {
			continue // malformed URL, unmatchable
		}
		siteCfg, key, ok := lookupSiteConfig(siteConfigs, domain)
		if !ok {
			continue // no config, explicitly skipped
		}
		if _, seen := siteTargets[key]; !seen {
			siteOrder = append(siteOrder, key)
			siteCfgs[key] = siteCfg
		}
		siteTargets[key] = append(siteTargets[key], t.URL)
	}

	used := make(map[string]bool, len(sessions)) // sessionId -> consumed
	var pairs []models.URLSessionPair

	for _, key := range siteOrder {
		siteCfg := siteCfgs[key]

		limit := siteCfg.Proxy.SessionLimit
		if limit <= 0 {
			continue
		}

		urls := siteTargets[key]
		assigned := 0
		for _, sess := range sessions {
			if assigned >= limit || assigned >= len(urls) {
				break
			}
			if used[sess.ID] {
				continue
			}
			if !Eligible(sess, siteCfg) {
				continue
			}
			used[sess.ID] = true
			pairs = append(pairs, models.URLSessionPair{URL: urls[assigned], SessionID: sess.ID})
			assigned++
		}
	}

	return pairs
}

// Eligible reports whether a session satisfies a domain's proxy strategy,
// geo requirement, and deny-list.
func Eligible(sess models.SessionDescriptor, siteCfg config.SiteConfig) bool {
	if !siteCfg.Proxy.Strategy.Accepts(sess.ProxyType) {
		return false
	}
	if siteCfg.Proxy.Geo != "" && sess.ProxyType != models.ProxyNone && sess.ProxyGeo != siteCfg.Proxy.Geo {
		return false
	}
	if sess.ProxyID != "" {
		if _, blocked := siteCfg.BlockedProxies[sess.ProxyID]; blocked {
			return false
		}
	}
	return true
}

// DomainOf extracts the lowercased hostname from a target URL.
// Returns false for URLs that cannot identify a domain.
func DomainOf(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

// lookupSiteConfig resolves a domain to its SiteConfig: exact hostname
// first, then the registrable domain so subdomains share their parent
// site's configuration. The returned key is the config entry that matched,
// so callers cap per site rather than per raw hostname.
func lookupSiteConfig(siteConfigs map[string]config.SiteConfig, domain string) (config.SiteConfig, string, bool) {
	if cfg, ok := siteConfigs[domain]; ok {
		return cfg, domain, true
	}
	if registrable, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil && registrable != domain {
		if cfg, ok := siteConfigs[registrable]; ok {
			return cfg, registrable, true
		}
	}
	return config.SiteConfig{}, "", false
}
