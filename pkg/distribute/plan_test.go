package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

func TestExcessSessions(t *testing.T) {
	sessions := descriptors(3, models.ProxyNone)
	pairs := []models.URLSessionPair{
		{URL: "https://a.com/1", SessionID: "sess-2"},
	}

	excess := ExcessSessions(sessions, pairs)
	require.Len(t, excess, 2)
	assert.Equal(t, "sess-1", excess[0].ID)
	assert.Equal(t, "sess-3", excess[1].ID)
}

func TestExcessSessions_AllUsed(t *testing.T) {
	sessions := descriptors(2, models.ProxyNone)
	pairs := []models.URLSessionPair{
		{URL: "https://a.com/1", SessionID: "sess-1"},
		{URL: "https://a.com/2", SessionID: "sess-2"},
	}
	assert.Empty(t, ExcessSessions(sessions, pairs))
}

func TestPlanSessions_TypesSpecsToDemand(t *testing.T) {
	targets := targetsFor(
		"https://dc-site.com/1", "https://res-site.com/1", "https://res-site.com/2",
	)
	resCfg := siteCfg("res-site.com", models.StrategyResidential, 5)
	resCfg.Proxy.Geo = "us"
	configs := map[string]config.SiteConfig{
		"dc-site.com":  siteCfg("dc-site.com", models.StrategyDatacenter, 5),
		"res-site.com": resCfg,
	}

	specs := PlanSessions(targets, nil, configs, 10)
	require.Len(t, specs, 3)
	assert.Equal(t, models.SessionSpec{ProxyType: models.ProxyDatacenter}, specs[0])
	assert.Equal(t, models.SessionSpec{ProxyType: models.ProxyResidential, ProxyGeo: "us"}, specs[1])
	assert.Equal(t, models.SessionSpec{ProxyType: models.ProxyResidential, ProxyGeo: "us"}, specs[2])
}

func TestPlanSessions_BudgetCapsPlans(t *testing.T) {
	targets := targetsFor("https://a.com/1", "https://a.com/2", "https://a.com/3")
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
	}

	assert.Len(t, PlanSessions(targets, nil, configs, 2), 2)
	assert.Empty(t, PlanSessions(targets, nil, configs, 0))
	assert.Empty(t, PlanSessions(targets, nil, configs, -1))
}

func TestPlanSessions_SkipsMatchedTargets(t *testing.T) {
	targets := targetsFor("https://a.com/1", "https://a.com/2")
	pairs := []models.URLSessionPair{{URL: "https://a.com/1", SessionID: "sess-1"}}
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
	}

	specs := PlanSessions(targets, pairs, configs, 10)
	assert.Len(t, specs, 1)
}

func TestPlanSessions_RespectsSaturatedDomainLimit(t *testing.T) {
	// Domain limit 1 and one pair already claimed: extra sessions could not
	// legally serve this domain, so no specs are planned for it.
	targets := targetsFor("https://a.com/1", "https://a.com/2", "https://a.com/3")
	pairs := []models.URLSessionPair{{URL: "https://a.com/1", SessionID: "sess-1"}}
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 1),
	}

	assert.Empty(t, PlanSessions(targets, pairs, configs, 10))
}

func TestPlanSessions_SubdomainLoadCountsAgainstSite(t *testing.T) {
	// A pair already claimed on one subdomain consumes the site's only
	// slot, so a target on a sibling subdomain gets no plan.
	targets := targetsFor("https://b.example.com/1")
	pairs := []models.URLSessionPair{{URL: "https://a.example.com/1", SessionID: "sess-1"}}
	configs := map[string]config.SiteConfig{
		"example.com": siteCfg("example.com", models.StrategyNone, 1),
	}

	assert.Empty(t, PlanSessions(targets, pairs, configs, 10))
}

func TestPlanSessions_SkipsUnconfiguredAndMalformed(t *testing.T) {
	targets := []models.Target{
		{URL: "::bogus::"},
		{URL: "https://unknown.net/1"},
		{URL: "https://a.com/1"},
	}
	configs := map[string]config.SiteConfig{
		"a.com": siteCfg("a.com", models.StrategyNone, 5),
	}

	specs := PlanSessions(targets, nil, configs, 10)
	assert.Len(t, specs, 1)
}

func TestGroupSpecs(t *testing.T) {
	specs := []models.SessionSpec{
		{ProxyType: models.ProxyDatacenter},
		{ProxyType: models.ProxyResidential, ProxyGeo: "us"},
		{ProxyType: models.ProxyDatacenter},
	}

	grouped := GroupSpecs(specs)
	require.Len(t, grouped, 2)
	assert.Equal(t, 2, grouped[0].Count)
	assert.Equal(t, models.ProxyDatacenter, grouped[0].Spec.ProxyType)
	assert.Equal(t, 1, grouped[1].Count)
}
