package config

import (
	"time"

	"github.com/mushstyle/scrape2-sub001/pkg/models"
)

// ProxySettings declares a site's proxy requirements for session matching
type ProxySettings struct {
	Strategy     models.ProxyStrategy `yaml:"strategy"`
	Geo          string               `yaml:"geo,omitempty"`
	SessionLimit int                  `yaml:"session_limit"`
}

// ScrapeSelectors configures the generic selector-driven scraper for a site
type ScrapeSelectors struct {
	LinkSelector        string            `yaml:"link_selector,omitempty"`
	NextPageSelector    string            `yaml:"next_page_selector,omitempty"`
	TitleSelector       string            `yaml:"title_selector,omitempty"`
	DescriptionSelector string            `yaml:"description_selector,omitempty"`
	FieldSelectors      map[string]string `yaml:"field_selectors,omitempty"`
}

// SiteConfig holds configuration specific to a single crawled domain.
// BlockedProxies is a deny-list accumulated from prior failures; the
// orchestrator merges the persisted ledger into each cycle's snapshot.
type SiteConfig struct {
	Domain         string            `yaml:"domain"`
	StartURLs      []string          `yaml:"start_urls"`
	Proxy          ProxySettings     `yaml:"proxy"`
	BlockedProxies map[string]string `yaml:"blocked_proxies,omitempty"` // proxyId -> reason
	Scrape         ScrapeSelectors   `yaml:"scrape,omitempty"`
	UserAgent      string            `yaml:"user_agent,omitempty"`
	DelayPerHost   time.Duration     `yaml:"delay_per_host,omitempty"`
	MaxPages       int               `yaml:"max_pages,omitempty"` // pagination cap, 0 = unlimited
}

// RemoteProviderConfig holds settings for the remote session service
type RemoteProviderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key,omitempty"`
	Region   string        `yaml:"region,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// ProxyEndpoint is one entry in the proxy inventory sessions draw from
type ProxyEndpoint struct {
	ID   string           `yaml:"id"`
	Type models.ProxyType `yaml:"type"`
	Geo  string           `yaml:"geo,omitempty"`
	URL  string           `yaml:"url"`
}

// ProviderConfig selects and configures the session provider
type ProviderConfig struct {
	Type    string               `yaml:"type"` // "local" or "remote"
	Remote  RemoteProviderConfig `yaml:"remote,omitempty"`
	Proxies []ProxyEndpoint      `yaml:"proxies,omitempty"`
}

// CacheConfig holds settings for the per-page request cache
type CacheConfig struct {
	MaxSizeBytes int64         `yaml:"max_size_bytes,omitempty"`
	TTL          time.Duration `yaml:"ttl,omitempty"`
	BlockImages  bool          `yaml:"block_images,omitempty"`
	Disabled     bool          `yaml:"disabled,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string                `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration         `yaml:"default_delay_per_host"`
	NumWorkers              int                   `yaml:"num_workers"`
	MaxSessions             int                   `yaml:"max_sessions"`
	MaxRequests             int                   `yaml:"max_requests"`
	Provider                ProviderConfig        `yaml:"provider"`
	Cache                   CacheConfig           `yaml:"cache,omitempty"`
	StateDir                string                `yaml:"state_dir"`
	MaxRetries              int                   `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration         `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration         `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration         `yaml:"semaphore_acquire_timeout,omitempty"`
	SessionCreateTimeout    time.Duration         `yaml:"session_create_timeout,omitempty"`
	SessionDestroyTimeout   time.Duration         `yaml:"session_destroy_timeout,omitempty"`
	PerTargetTimeout        time.Duration         `yaml:"per_target_timeout,omitempty"` // Timeout for scraping a single target (0 = no timeout)
	GlobalCrawlTimeout      time.Duration         `yaml:"global_crawl_timeout,omitempty"`
	MaxCycles               int                   `yaml:"max_cycles,omitempty"` // 0 = run until no pending targets
	HTTPClientSettings      HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Sites                   map[string]SiteConfig `yaml:"sites"`
}

// HTTPClientConfig holds settings for per-session HTTP clients
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// GetEffectiveUserAgent determines the user agent for a site.
// Site config (if non-empty) overrides global; a hardcoded default backstops both.
func GetEffectiveUserAgent(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.UserAgent != "" {
		return siteCfg.UserAgent
	}
	if appCfg.DefaultUserAgent != "" {
		return appCfg.DefaultUserAgent
	}
	return "scrape2-sub001/1.0"
}

// GetEffectiveDelayPerHost determines the politeness delay for a site
func GetEffectiveDelayPerHost(siteCfg SiteConfig, appCfg AppConfig) time.Duration {
	if siteCfg.DelayPerHost > 0 {
		return siteCfg.DelayPerHost
	}
	return appCfg.DefaultDelayPerHost
}

// CloneSites returns a deep-enough copy of the site map for one crawl cycle.
// The distributor and orchestrator treat SiteConfigs as immutable snapshots,
// so the blocked-proxy maps must not alias the live configuration.
func (c *AppConfig) CloneSites() map[string]SiteConfig {
	out := make(map[string]SiteConfig, len(c.Sites))
	for key, site := range c.Sites {
		blocked := make(map[string]string, len(site.BlockedProxies))
		for id, reason := range site.BlockedProxies {
			blocked[id] = reason
		}
		site.BlockedProxies = blocked
		out[key] = site
	}
	return out
}
