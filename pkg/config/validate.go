package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxSessions
	if c.MaxSessions <= 0 {
		warnings = append(warnings, "max_sessions should be > 0, defaulting to 5")
		c.MaxSessions = 5
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 10")
		c.MaxRequests = 10
	}

	// Provider
	switch c.Provider.Type {
	case "":
		warnings = append(warnings, "provider.type not specified, defaulting to 'local'")
		c.Provider.Type = "local"
	case "local", "remote":
	default:
		return warnings, fmt.Errorf("%w: provider.type must be 'local' or 'remote', got '%s'",
			utils.ErrConfigValidation, c.Provider.Type)
	}
	if c.Provider.Type == "remote" {
		if c.Provider.Remote.Endpoint == "" {
			return warnings, fmt.Errorf("%w: provider.remote.endpoint is required for remote provider",
				utils.ErrConfigValidation)
		}
		if _, urlErr := url.ParseRequestURI(c.Provider.Remote.Endpoint); urlErr != nil {
			return warnings, fmt.Errorf("%w: provider.remote.endpoint '%s' is not a valid URL: %v",
				utils.ErrConfigValidation, c.Provider.Remote.Endpoint, urlErr)
		}
		if c.Provider.Remote.Timeout <= 0 {
			c.Provider.Remote.Timeout = 30 * time.Second
		}
	}

	// Proxy inventory
	seenProxyIDs := make(map[string]bool, len(c.Provider.Proxies))
	for i, ep := range c.Provider.Proxies {
		if ep.ID == "" {
			return warnings, fmt.Errorf("%w: provider.proxies[%d] is missing an id", utils.ErrConfigValidation, i)
		}
		if seenProxyIDs[ep.ID] {
			return warnings, fmt.Errorf("%w: duplicate proxy id '%s'", utils.ErrConfigValidation, ep.ID)
		}
		seenProxyIDs[ep.ID] = true
		if !ep.Type.IsValid() || ep.Type == models.ProxyNone {
			return warnings, fmt.Errorf("%w: proxy '%s' type must be datacenter or residential, got '%s'",
				utils.ErrConfigValidation, ep.ID, ep.Type)
		}
		if _, urlErr := url.Parse(ep.URL); ep.URL == "" || urlErr != nil {
			return warnings, fmt.Errorf("%w: proxy '%s' has an invalid url '%s'", utils.ErrConfigValidation, ep.ID, ep.URL)
		}
	}

	// Cache
	if !c.Cache.Disabled {
		if c.Cache.MaxSizeBytes <= 0 {
			c.Cache.MaxSizeBytes = 50 << 20 // 50 MiB per page surface
		}
		if c.Cache.TTL <= 0 {
			c.Cache.TTL = 5 * time.Minute
		}
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	// Timeouts
	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	if c.SessionCreateTimeout <= 0 {
		c.SessionCreateTimeout = 60 * time.Second
	}
	if c.SessionDestroyTimeout <= 0 {
		c.SessionDestroyTimeout = 15 * time.Second
	}

	if len(c.Sites) == 0 {
		return warnings, fmt.Errorf("%w: at least one site must be configured", utils.ErrConfigValidation)
	}

	siteKeys := make([]string, 0, len(c.Sites))
	for key := range c.Sites {
		siteKeys = append(siteKeys, key)
	}
	sort.Strings(siteKeys)
	for _, key := range siteKeys {
		site := c.Sites[key]
		siteWarnings, siteErr := site.Validate()
		for _, w := range siteWarnings {
			warnings = append(warnings, fmt.Sprintf("site '%s': %s", key, w))
		}
		if siteErr != nil {
			return warnings, fmt.Errorf("site '%s': %w", key, siteErr)
		}
		c.Sites[key] = site
	}

	return warnings, nil
}

// Validate checks SiteConfig fields. Modifies receiver in place to apply defaults.
func (s *SiteConfig) Validate() (warnings []string, err error) {
	if s.Domain == "" {
		return warnings, fmt.Errorf("%w: domain is required", utils.ErrConfigValidation)
	}

	if len(s.StartURLs) == 0 {
		warnings = append(warnings, "no start_urls configured; site only crawls targets already persisted")
	}
	for i, raw := range s.StartURLs {
		parsed, urlErr := url.ParseRequestURI(raw)
		if urlErr != nil {
			return warnings, fmt.Errorf("%w: start_urls[%d] '%s' is not a valid URL: %v",
				utils.ErrConfigValidation, i, raw, urlErr)
		}
		if parsed.Hostname() == "" {
			return warnings, fmt.Errorf("%w: start_urls[%d] '%s' has no host",
				utils.ErrConfigValidation, i, raw)
		}
	}

	if s.Proxy.Strategy == "" {
		warnings = append(warnings, "proxy.strategy not specified, defaulting to 'none'")
		s.Proxy.Strategy = models.StrategyNone
	}
	if !s.Proxy.Strategy.IsValid() {
		return warnings, fmt.Errorf("%w: proxy.strategy '%s' is not one of none/datacenter/residential/any",
			utils.ErrConfigValidation, s.Proxy.Strategy)
	}

	// A zero session_limit is legal: the domain gets no assignments.
	if s.Proxy.SessionLimit < 0 {
		warnings = append(warnings, "proxy.session_limit cannot be negative, setting to 0")
		s.Proxy.SessionLimit = 0
	}

	if s.BlockedProxies == nil {
		s.BlockedProxies = make(map[string]string)
	}

	if s.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, setting to 0 (unlimited)")
		s.MaxPages = 0
	}

	return warnings, nil
}
