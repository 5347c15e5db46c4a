package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/cache"
	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/fetch"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// Provider creates and tears down concrete sessions. The pool is the only
// caller; it owns capacity accounting while providers own the mechanics.
type Provider interface {
	CreateSession(ctx context.Context, spec models.SessionSpec) (*Session, error)
	TerminateSession(ctx context.Context, s *Session) error
}

// NewProvider builds the provider selected by the validated app config.
func NewProvider(cfg *config.AppConfig, limiter *fetch.RateLimiter, log *logrus.Entry) (Provider, error) {
	switch cfg.Provider.Type {
	case "local":
		return NewLocalProvider(cfg, limiter, log), nil
	case "remote":
		return NewRemoteProvider(cfg, limiter, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider type '%s'", utils.ErrConfigValidation, cfg.Provider.Type)
	}
}

func buildPage(cfg *config.AppConfig, proxyURL string, log *logrus.Entry, limiter *fetch.RateLimiter) (*Page, error) {
	client, err := fetch.NewClient(cfg.HTTPClientSettings, proxyURL, log)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewFetcher(client, cfg, log)
	page := &Page{
		client:    client,
		fetcher:   fetcher,
		robots:    fetch.NewRobotsGate(fetcher, cfg.DefaultUserAgent, log),
		limiter:   limiter,
		userAgent: cfg.DefaultUserAgent,
		delay:     cfg.DefaultDelayPerHost,
		log:       log,
	}

	// each page owns its cache; the entry store is never shared
	if !cfg.Cache.Disabled {
		rc := cache.NewRequestCache(cache.Options{
			MaxSizeBytes: cfg.Cache.MaxSizeBytes,
			TTL:          cfg.Cache.TTL,
			BlockImages:  cfg.Cache.BlockImages,
		}, log)
		rc.EnableForPage(page)
		page.reqCache = rc
	}
	return page, nil
}

// LocalProvider builds sessions in-process: each session is an HTTP client
// whose transport is bound to one proxy endpoint from the configured
// inventory. Proxy picks within a type rotate round-robin.
type LocalProvider struct {
	cfg     *config.AppConfig
	limiter *fetch.RateLimiter
	log     *logrus.Entry

	mu       sync.Mutex
	rotation map[string]int
}

func NewLocalProvider(cfg *config.AppConfig, limiter *fetch.RateLimiter, log *logrus.Entry) *LocalProvider {
	return &LocalProvider{
		cfg:      cfg,
		limiter:  limiter,
		log:      log.WithField("provider", "local"),
		rotation: make(map[string]int),
	}
}

func (p *LocalProvider) CreateSession(ctx context.Context, spec models.SessionSpec) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrProviderCreate, err)
	}

	resolved, err := p.resolveProxy(spec)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sessLog := p.log.WithField("session_id", id)
	page, err := buildPage(p.cfg, resolved.ProxyURL, sessLog, p.limiter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrProviderCreate, err)
	}

	s := &Session{
		ID:        id,
		Spec:      resolved,
		CreatedAt: time.Now(),
		page:      page,
	}
	sessLog.WithFields(logrus.Fields{
		"proxy_type": resolved.ProxyType,
		"proxy_id":   resolved.ProxyID,
	}).Debug("Local session created")
	return s, nil
}

// resolveProxy fills in the concrete proxy endpoint for a spec. Explicit
// URLs and IDs are honored as-is; otherwise the pick rotates through the
// inventory entries matching the requested type (and geo, when set).
func (p *LocalProvider) resolveProxy(spec models.SessionSpec) (models.SessionSpec, error) {
	if spec.ProxyType == models.ProxyNone || spec.ProxyType == "" {
		spec.ProxyType = models.ProxyNone
		spec.ProxyID = ""
		spec.ProxyURL = ""
		return spec, nil
	}
	if spec.ProxyURL != "" {
		return spec, nil
	}
	if spec.ProxyID != "" {
		for _, ep := range p.cfg.Provider.Proxies {
			if ep.ID == spec.ProxyID {
				spec.ProxyType = ep.Type
				spec.ProxyGeo = ep.Geo
				spec.ProxyURL = ep.URL
				return spec, nil
			}
		}
		return spec, fmt.Errorf("%w: no proxy endpoint with id '%s'", utils.ErrProviderCreate, spec.ProxyID)
	}

	var candidates []config.ProxyEndpoint
	for _, ep := range p.cfg.Provider.Proxies {
		if ep.Type != spec.ProxyType {
			continue
		}
		if spec.ProxyGeo != "" && !strings.EqualFold(ep.Geo, spec.ProxyGeo) {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return spec, fmt.Errorf("%w: no %s proxy endpoint configured (geo '%s')",
			utils.ErrProviderCreate, spec.ProxyType, spec.ProxyGeo)
	}

	key := string(spec.ProxyType) + "/" + strings.ToLower(spec.ProxyGeo)
	p.mu.Lock()
	idx := p.rotation[key] % len(candidates)
	p.rotation[key]++
	p.mu.Unlock()

	picked := candidates[idx]
	spec.ProxyID = picked.ID
	spec.ProxyGeo = picked.Geo
	spec.ProxyURL = picked.URL
	return spec, nil
}

func (p *LocalProvider) TerminateSession(ctx context.Context, s *Session) error {
	if s.page != nil {
		s.page.Close()
	}
	return nil
}

// RemoteProvider delegates session creation to an external session service
// over its REST API. The service hands back a per-session egress URL, which
// becomes the proxy for the session's HTTP client.
type RemoteProvider struct {
	cfg     *config.AppConfig
	limiter *fetch.RateLimiter
	api     *http.Client
	log     *logrus.Entry
}

type remoteCreateRequest struct {
	ProxyType string `json:"proxy_type"`
	ProxyGeo  string `json:"proxy_geo,omitempty"`
	ProxyID   string `json:"proxy_id,omitempty"`
	Region    string `json:"region,omitempty"`
}

type remoteCreateResponse struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connect_url,omitempty"`
	ProxyID    string `json:"proxy_id,omitempty"`
	ProxyGeo   string `json:"proxy_geo,omitempty"`
}

func NewRemoteProvider(cfg *config.AppConfig, limiter *fetch.RateLimiter, log *logrus.Entry) *RemoteProvider {
	timeout := cfg.Provider.Remote.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteProvider{
		cfg:     cfg,
		limiter: limiter,
		api:     &http.Client{Timeout: timeout},
		log:     log.WithField("provider", "remote"),
	}
}

func (p *RemoteProvider) CreateSession(ctx context.Context, spec models.SessionSpec) (*Session, error) {
	payload := remoteCreateRequest{
		ProxyType: string(spec.ProxyType),
		ProxyGeo:  spec.ProxyGeo,
		ProxyID:   spec.ProxyID,
		Region:    p.cfg.Provider.Remote.Region,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding create request: %v", utils.ErrProviderCreate, err)
	}

	url := strings.TrimRight(p.cfg.Provider.Remote.Endpoint, "/") + "/v1/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrProviderCreate, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Provider.Remote.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.Provider.Remote.APIKey)
	}

	resp, err := p.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrProviderCreate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: session service returned %d: %s",
			utils.ErrProviderCreate, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var created remoteCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("%w: decoding create response: %v", utils.ErrProviderCreate, err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: session service returned no session id", utils.ErrProviderCreate)
	}

	if created.ProxyID != "" {
		spec.ProxyID = created.ProxyID
	}
	if created.ProxyGeo != "" {
		spec.ProxyGeo = created.ProxyGeo
	}
	spec.ProxyURL = created.ConnectURL

	id := uuid.NewString()
	sessLog := p.log.WithFields(logrus.Fields{"session_id": id, "remote_id": created.ID})
	page, err := buildPage(p.cfg, created.ConnectURL, sessLog, p.limiter)
	if err != nil {
		// best effort: don't leak the remote session
		p.terminateRemote(ctx, created.ID)
		return nil, fmt.Errorf("%w: %v", utils.ErrProviderCreate, err)
	}

	s := &Session{
		ID:        id,
		Spec:      spec,
		CreatedAt: time.Now(),
		page:      page,
		remoteID:  created.ID,
	}
	sessLog.WithField("proxy_type", spec.ProxyType).Debug("Remote session created")
	return s, nil
}

func (p *RemoteProvider) TerminateSession(ctx context.Context, s *Session) error {
	if s.page != nil {
		s.page.Close()
	}
	if s.remoteID == "" {
		return nil
	}
	return p.terminateRemote(ctx, s.remoteID)
}

func (p *RemoteProvider) terminateRemote(ctx context.Context, remoteID string) error {
	url := strings.TrimRight(p.cfg.Provider.Remote.Endpoint, "/") + "/v1/sessions/" + remoteID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("terminating remote session %s: %w", remoteID, err)
	}
	if p.cfg.Provider.Remote.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.Provider.Remote.APIKey)
	}

	resp, err := p.api.Do(req)
	if err != nil {
		return fmt.Errorf("terminating remote session %s: %w", remoteID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	// a session the service no longer knows is already gone
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("terminating remote session %s: service returned %d", remoteID, resp.StatusCode)
	}
	return nil
}
