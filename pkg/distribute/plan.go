package distribute

import (
	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

// ExcessSessions returns the sessions left unassigned by a pass, in
// snapshot order. These are reclamation candidates: destroying them frees
// pool capacity for sessions typed to upcoming demand.
func ExcessSessions(sessions []models.SessionDescriptor, pairs []models.URLSessionPair) []models.SessionDescriptor {
	used := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		used[p.SessionID] = true
	}

	var excess []models.SessionDescriptor
	for _, sess := range sessions {
		if !used[sess.ID] {
			excess = append(excess, sess)
		}
	}
	return excess
}

// PlanSessions computes demand-driven creation specs after a first pass.
//
// It walks the pending targets a pass left unmatched, in encounter order,
// and emits one SessionSpec per target typed to that target's proxy
// requirement, until budget specs have been planned. Targets that cannot
// use a new session are skipped: malformed URLs, domains without config,
// and domains whose session limit is already saturated by existing pairs
// plus earlier plans. This look-ahead is the point of the double pass — a
// blind refill would create sessions the next batch of targets cannot use.
func PlanSessions(targets []models.Target, pairs []models.URLSessionPair, siteConfigs map[string]config.SiteConfig, budget int) []models.SessionSpec {
	if budget <= 0 {
		return nil
	}

	matched := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		matched[p.URL] = true
	}

	// Sessions already claimed per site in this cycle, keyed by the
	// resolved config so subdomain load counts against the parent site
	siteLoad := make(map[string]int)
	for _, p := range pairs {
		if domain, ok := DomainOf(p.URL); ok {
			if _, key, ok := lookupSiteConfig(siteConfigs, domain); ok {
				siteLoad[key]++
			}
		}
	}

	var specs []models.SessionSpec
	for _, t := range targets {
		if len(specs) >= budget {
			break
		}
		if !t.Pending() || matched[t.URL] {
			continue
		}
		domain, ok := DomainOf(t.URL)
		if !ok {
			continue
		}
		siteCfg, key, ok := lookupSiteConfig(siteConfigs, domain)
		if !ok {
			continue
		}
		if siteLoad[key] >= siteCfg.Proxy.SessionLimit {
			continue // a new session could not legally serve this site
		}
		siteLoad[key]++
		specs = append(specs, models.SessionSpec{
			ProxyType: siteCfg.Proxy.Strategy.RequiredProxyType(),
			ProxyGeo:  siteCfg.Proxy.Geo,
		})
	}
	return specs
}

// GroupSpecs collapses identical creation specs into counts, preserving
// first-encounter order. Useful for logging the shape of planned demand.
func GroupSpecs(specs []models.SessionSpec) []SpecCount {
	idx := make(map[models.SessionSpec]int)
	var grouped []SpecCount
	for _, spec := range specs {
		if i, ok := idx[spec]; ok {
			grouped[i].Count++
			continue
		}
		idx[spec] = len(grouped)
		grouped = append(grouped, SpecCount{Spec: spec, Count: 1})
	}
	return grouped
}

// SpecCount is one distinct session shape and how many of it are needed.
type SpecCount struct {
	Spec  models.SessionSpec
	Count int
}
