package distribute

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

func targetsFor(urls ...string) []models.Target {
	out := make([]models.Target, len(urls))
	for i, u := range urls {
		out[i] = models.Target{URL: u}
	}
	return out
}

func siteCfg(domain string, strategy models.ProxyStrategy, limit int) config.SiteConfig {
	return config.SiteConfig{
		Domain:         domain,
		Proxy:          config.ProxySettings{Strategy: strategy, SessionLimit: limit},
		BlockedProxies: map[string]string{},
	}
}

func descriptors(n int, pt models.ProxyType) []models.SessionDescriptor {
	out := make([]models.SessionDescriptor, n)
	for i := range out {
		out[i] = models.SessionDescriptor{
			ID:        fmt.Sprintf("sess-%d", i+1),
			ProxyType: pt,
			ProxyID:   fmt.Sprintf("proxy-%d", i+1),
		}
	}
	return out
}

func TestMatch_BasicAssignment(t *testing.T) {
	targets := targetsFor("https://a.com/1", "https://a.com/2")
	sessions := descriptors(2, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 2),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 2)
	assert.Equal(t, "https://a.com/1", pairs[0].URL)
	assert.Equal(t, "sess-1", pairs[0].SessionID)
	assert.Equal(t, "https://a.com/2", pairs[1].URL)
	assert.Equal(t, "sess-2", pairs[1].SessionID)
}

func TestMatch_SessionExclusivity(t *testing.T) {
	// One session eligible for both domains: it must appear in exactly one pair
	targets := targetsFor("https://a.com/1", "https://b.com/1")
	sessions := descriptors(1, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
		"b.com": siteCfg("b.com", models.StrategyNone, 5),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)

	seen := make(map[string]int)
	for _, p := range pairs {
		seen[p.SessionID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "session %s used more than once", id)
	}
}

func TestMatch_FirstEncounteredDomainWins(t *testing.T) {
	// b.com appears first in the target list, so it gets first claim on the
	// shared session even though a.com sorts earlier lexically.
	targets := targetsFor("https://b.com/1", "https://a.com/1")
	sessions := descriptors(1, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
		"b.com": siteCfg("b.com", models.StrategyNone, 5),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)
	assert.Equal(t, "https://b.com/1", pairs[0].URL)
}

func TestMatch_DomainCapRespected(t *testing.T) {
	targets := targetsFor("https://a.com/1", "https://a.com/2", "https://a.com/3")
	sessions := descriptors(3, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 2),
	}

	pairs := Match(targets, sessions, configs)
	assert.Len(t, pairs, 2)
}

func TestMatch_ZeroSessionLimitYieldsNoPairs(t *testing.T) {
	targets := targetsFor("https://a.com/1")
	sessions := descriptors(1, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 0),
	}

	assert.Empty(t, Match(targets, sessions, configs))
}

func TestMatch_BlockedProxyNeverAssigned(t *testing.T) {
	targets := targetsFor("https://a.com/1")
	sessions := descriptors(2, models.ProxyDatacenter)
	cfg := siteCfg("a.com", models.StrategyDatacenter, 5)
	cfg.BlockedProxies["proxy-1"] = "banned by site"
	configs := map[string]config.SiteConfig{"a.com": cfg}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)
	assert.Equal(t, "sess-2", pairs[0].SessionID, "blocked proxy must be skipped regardless of compatibility")
}

func TestMatch_ProxyStrategyFiltering(t *testing.T) {
	targets := targetsFor("https://a.com/1")
	sessions := []models.SessionDescriptor{
		{ID: "s-none", ProxyType: models.ProxyNone},
		{ID: "s-dc", ProxyType: models.ProxyDatacenter, ProxyID: "dc-1"},
		{ID: "s-res", ProxyType: models.ProxyResidential, ProxyID: "res-1"},
	}

	tests := []struct {
		strategy models.ProxyStrategy
		wantID   string
	}{
		{models.StrategyNone, "s-none"},
		{models.StrategyDatacenter, "s-dc"},
		{models.StrategyResidential, "s-res"},
		{models.StrategyAny, "s-none"}, // first eligible in snapshot order
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			configs := map[string]config.SiteConfig{
				"a.com": siteCfg("a.com", tt.strategy, 5),
			}
			pairs := Match(targets, sessions, configs)
			require.Len(t, pairs, 1)
			assert.Equal(t, tt.wantID, pairs[0].SessionID)
		})
	}
}

func TestMatch_GeoRequirement(t *testing.T) {
	targets := targetsFor("https://a.com/1")
	sessions := []models.SessionDescriptor{
		{ID: "s-de", ProxyType: models.ProxyResidential, ProxyID: "r-1", ProxyGeo: "de"},
		{ID: "s-us", ProxyType: models.ProxyResidential, ProxyID: "r-2", ProxyGeo: "us"},
	}
	cfg := siteCfg("a.com", models.StrategyResidential, 5)
	cfg.Proxy.Geo = "us"
	configs := map[string]config.SiteConfig{"a.com": cfg}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)
	assert.Equal(t, "s-us", pairs[0].SessionID)
}

func TestMatch_SkipsCompletedAndMalformedTargets(t *testing.T) {
	targets := []models.Target{
		{URL: "https://a.com/done", Done: true},
		{URL: "https://a.com/failed", Failed: true},
		{URL: "https://a.com/invalid", Invalid: true},
		{URL: "::bogus::"},
		{URL: "https://a.com/pending"},
	}
	sessions := descriptors(3, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)
	assert.Equal(t, "https://a.com/pending", pairs[0].URL)
}

func TestMatch_UnknownDomainSkippedNotError(t *testing.T) {
	targets := targetsFor("https://unconfigured.net/1", "https://a.com/1")
	sessions := descriptors(1, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 1)
	assert.Equal(t, "https://a.com/1", pairs[0].URL)
}

func TestMatch_SubdomainResolvesToRegistrableDomainConfig(t *testing.T) {
	targets := targetsFor("https://shop.example.com/1")
	sessions := descriptors(1, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"example.com": siteCfg("example.com", models.StrategyNone, 5),
	}

	pairs := Match(targets, sessions, configs)
	assert.Len(t, pairs, 1)
}

func TestMatch_SubdomainsShareSiteLimit(t *testing.T) {
	// Targets on two subdomains resolve to the same site config, so the
	// session limit caps them together rather than per hostname.
	targets := targetsFor(
		"https://a.example.com/1",
		"https://a.example.com/2",
		"https://b.example.com/1",
		"https://b.example.com/2",
	)
	sessions := descriptors(4, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"example.com": siteCfg("example.com", models.StrategyNone, 2),
	}

	pairs := Match(targets, sessions, configs)
	assert.Len(t, pairs, 2)
}

func TestMatch_Deterministic(t *testing.T) {
	targets := targetsFor(
		"https://a.com/1", "https://b.com/1", "https://a.com/2",
		"https://c.com/1", "https://b.com/2",
	)
	sessions := descriptors(4, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 2),
		"b.com": siteCfg("b.com", models.StrategyNone, 1),
		"c.com": siteCfg("c.com", models.StrategyNone, 3),
	}

	first := Match(targets, sessions, configs)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Match(targets, sessions, configs))
	}
}

func TestMatch_TwoDomainScenario(t *testing.T) {
	// 5 targets across 2 domains, A limit 1, B limit 2, 2 sessions
	// compatible with both: total pairs <= 2, <=1 for A, <=2 for B.
	targets := targetsFor(
		"https://a.com/1", "https://a.com/2", "https://a.com/3",
		"https://b.com/1", "https://b.com/2",
	)
	sessions := descriptors(2, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 1),
		"b.com": siteCfg("b.com", models.StrategyNone, 2),
	}

	pairs := Match(targets, sessions, configs)
	require.Len(t, pairs, 2)

	perDomain := make(map[string]int)
	for _, p := range pairs {
		domain, ok := DomainOf(p.URL)
		require.True(t, ok)
		perDomain[domain]++
	}
	assert.LessOrEqual(t, perDomain["a.com"], 1)
	assert.LessOrEqual(t, perDomain["b.com"], 2)

	// Unmatched targets feed the excess/reallocation step
	excess := ExcessSessions(sessions, pairs)
	assert.Empty(t, excess, "both sessions consumed")
}

func TestMatch_PairsReferenceSnapshotSessions(t *testing.T) {
	targets := targetsFor("https://a.com/1", "https://a.com/2", "https://b.com/1")
	sessions := descriptors(2, models.ProxyNone)
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
		"b.com": siteCfg("b.com", models.StrategyNone, 5),
	}

	known := make(map[string]bool)
	for _, s := range sessions {
		known[s.ID] = true
	}
	for _, p := range Match(targets, sessions, configs) {
		assert.True(t, known[p.SessionID], "pair references session outside snapshot: %s", p.SessionID)
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		domain string
		ok     bool
	}{
		{"plain host", "https://a.com/x", "a.com", true},
		{"uppercase host lowered", "https://A.COM/x", "a.com", true},
		{"port stripped", "https://a.com:8443/x", "a.com", true},
		{"malformed", "::bogus::", "", false},
		{"no host", "/relative/path", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain, ok := DomainOf(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.domain, domain)
		})
	}
}
