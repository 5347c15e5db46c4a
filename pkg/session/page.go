package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/cache"
	"github.com/mushstyle/scrape2-sub001/pkg/fetch"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// ErrNavigationAborted is returned when a request hook drops a navigation.
var ErrNavigationAborted = fmt.Errorf("navigation aborted by request hook")

// Page is a session's single browsing surface. Every request it makes goes
// out through the session's proxy-bound HTTP client, and passes through the
// installed request hook (if any) both before dispatch and after a
// successful fetch.
type Page struct {
	client    *http.Client
	fetcher   fetch.HTTPFetcher
	robots    *fetch.RobotsGate
	limiter   *fetch.RateLimiter
	userAgent string
	delay     time.Duration
	log       *logrus.Entry

	hookMu sync.Mutex
	hook   cache.RequestHook

	reqCache *cache.RequestCache

	closed atomic.Bool
}

// CacheStats reports the page's request-cache counters. The second return
// is false when the page runs without a cache.
func (p *Page) CacheStats() (cache.Stats, bool) {
	if p.reqCache == nil {
		return cache.Stats{}, false
	}
	return p.reqCache.GetStats(), true
}

// SetRequestHook installs (or replaces) the page's interception hook.
func (p *Page) SetRequestHook(hook cache.RequestHook) {
	p.hookMu.Lock()
	p.hook = hook
	p.hookMu.Unlock()
}

func (p *Page) currentHook() cache.RequestHook {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	return p.hook
}

// Navigate fetches a document URL and returns its body bytes.
func (p *Page) Navigate(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := p.FetchResource(ctx, rawURL, "document")
	return body, err
}

// FetchResource fetches a URL of the given resource hint ("document",
// "image", ...) honoring robots.txt, per-host delays, and the request hook.
// It returns the body bytes and the response content type.
func (p *Page) FetchResource(ctx context.Context, rawURL, resourceHint string) ([]byte, string, error) {
	if p.closed.Load() {
		return nil, "", fmt.Errorf("page is closed")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, "", fmt.Errorf("%w: invalid url %q: %v", utils.ErrParsing, rawURL, err)
	}

	req := cache.Request{URL: rawURL, Method: http.MethodGet, ResourceHint: resourceHint}
	hook := p.currentHook()
	if hook != nil {
		switch d := hook.Intercept(req); d.Kind {
		case cache.Serve:
			p.log.WithField("url", rawURL).Debug("Request served from cache")
			return d.Body, d.ContentType, nil
		case cache.Abort:
			p.log.WithFields(logrus.Fields{"url": rawURL, "resource": resourceHint}).Debug("Request aborted by hook")
			return nil, "", ErrNavigationAborted
		}
	}

	if p.robots != nil && !p.robots.Allowed(ctx, parsed, p.userAgent) {
		return nil, "", fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
	}

	if p.limiter != nil {
		p.limiter.ApplyDelay(parsed.Host, p.delay)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	httpReq.Header.Set("User-Agent", p.userAgent)

	resp, err := p.fetcher.FetchWithRetry(httpReq, ctx)
	if p.limiter != nil {
		p.limiter.UpdateLastRequestTime(parsed.Host)
	}
	if err != nil {
		if resp != nil && resp.Body != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", utils.ErrResponseBodyRead, err)
	}
	contentType := resp.Header.Get("Content-Type")

	if hook != nil {
		hook.RecordResponse(req, body, contentType)
	}
	return body, contentType, nil
}

// Close marks the page unusable and releases idle connections.
func (p *Page) Close() {
	if p.closed.CompareAndSwap(false, true) {
		if p.client != nil {
			p.client.CloseIdleConnections()
		}
	}
}
