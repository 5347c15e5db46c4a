package cache

import (
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// DecisionKind tells the page surface what to do with an outgoing request.
type DecisionKind int

const (
	Proceed DecisionKind = iota // go to the network, uncached
	Serve                       // fulfill from cached bytes, skip the network
	Abort                       // drop the request entirely
)

// Decision is the synchronous answer to one intercepted request. The cache
// owns no goroutines; the page's networking layer invokes it inline.
type Decision struct {
	Kind        DecisionKind
	Body        []byte
	ContentType string
}

// Request is the cache's view of one outgoing network request.
type Request struct {
	URL          string
	Method       string
	ResourceHint string // optional surface-provided type: "document", "image", ...
}

// Page is the minimal browsing-surface contract the cache attaches to.
// Implementations call Hook.Intercept before dispatch and
// Hook.RecordResponse after a successful network fetch.
type Page interface {
	SetRequestHook(hook RequestHook)
}

// RequestHook is the interception capability a Page drives.
type RequestHook interface {
	Intercept(req Request) Decision
	RecordResponse(req Request, body []byte, contentType string)
}

// Options configures a RequestCache.
type Options struct {
	MaxSizeBytes int64
	TTL          time.Duration
	BlockImages  bool
}

// Stats is an aggregate snapshot of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	ItemCount int
	SizeBytes int64
}

type entry struct {
	key         string
	body        []byte
	contentType string
	storedAt    time.Time
	sizeBytes   int64
}

// RequestCache reduces redundant bandwidth for a single page surface by
// serving repeated requests from a byte-budgeted, TTL-bounded store. One
// instance attaches to one page; the entry store is never shared.
type RequestCache struct {
	opts Options
	log  *logrus.Entry

	mu          sync.Mutex
	entries     map[string]*entry
	currentSize int64
	hits        int64
	misses      int64
}

// NewRequestCache creates a RequestCache in the detached state.
func NewRequestCache(opts Options, log *logrus.Entry) *RequestCache {
	return &RequestCache{
		opts:    opts,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// EnableForPage attaches the cache to a page surface. Interception starts
// immediately and ends implicitly when the page closes.
func (c *RequestCache) EnableForPage(page Page) {
	page.SetRequestHook(c)
	c.log.WithFields(logrus.Fields{
		"max_size_bytes": c.opts.MaxSizeBytes,
		"ttl":            c.opts.TTL,
		"block_images":   c.opts.BlockImages,
	}).Debug("Request cache enabled for page")
}

// Intercept implements RequestHook. Any internal failure degrades to
// Proceed so the cache can never make a navigation fail.
func (c *RequestCache) Intercept(req Request) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("PANIC recovered in cache interception for '%s': %v", req.URL, r)
			d = Decision{Kind: Proceed}
		}
	}()

	if c.opts.BlockImages && isImageRequest(req) {
		c.log.WithField("url", req.URL).Debug("Aborting image request")
		return Decision{Kind: Abort}
	}

	if req.Method != "" && req.Method != "GET" {
		return Decision{Kind: Proceed} // only idempotent fetches are cacheable
	}

	key := entryKey(req.URL)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.expired(e, time.Now()) {
		// Logically evicted; the re-fetch will overwrite it
		delete(c.entries, key)
		c.currentSize -= e.sizeBytes
		ok = false
	}
	if !ok {
		c.misses++
		return Decision{Kind: Proceed}
	}

	c.hits++
	c.log.WithFields(logrus.Fields{"url": req.URL, "size": e.sizeBytes}).Debug("Cache hit")
	return Decision{Kind: Serve, Body: e.body, ContentType: e.contentType}
}

// RecordResponse implements RequestHook. Called by the page surface after a
// successful network fetch; stores the bytes for future hits.
func (c *RequestCache) RecordResponse(req Request, body []byte, contentType string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("PANIC recovered in cache store for '%s': %v", req.URL, r)
		}
	}()

	if req.Method != "" && req.Method != "GET" {
		return
	}

	size := int64(len(body))
	if size > c.opts.MaxSizeBytes {
		// A single entry larger than the whole budget is never stored
		c.log.WithFields(logrus.Fields{"url": req.URL, "size": size}).Debug("Skipping oversized cache entry")
		return
	}

	key := entryKey(req.URL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.currentSize -= old.sizeBytes
	}

	c.evictFor(size)

	c.entries[key] = &entry{
		key:         key,
		body:        body,
		contentType: contentType,
		storedAt:    time.Now(),
		sizeBytes:   size,
	}
	c.currentSize += size
}

// evictFor removes entries oldest-first until incoming fits the budget.
// Caller holds c.mu.
func (c *RequestCache) evictFor(incoming int64) {
	if c.currentSize+incoming <= c.opts.MaxSizeBytes {
		return
	}

	oldest := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		oldest = append(oldest, e)
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].storedAt.Before(oldest[j].storedAt)
	})

	evicted := 0
	for _, e := range oldest {
		if c.currentSize+incoming <= c.opts.MaxSizeBytes {
			break
		}
		delete(c.entries, e.key)
		c.currentSize -= e.sizeBytes
		evicted++
	}
	if evicted > 0 {
		c.log.WithFields(logrus.Fields{"evicted": evicted, "size_bytes": c.currentSize}).Debug("Evicted cache entries for size pressure")
	}
}

func (c *RequestCache) expired(e *entry, now time.Time) bool {
	return c.opts.TTL > 0 && now.Sub(e.storedAt) > c.opts.TTL
}

// GetStats returns an aggregate snapshot.
func (c *RequestCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		ItemCount: len(c.entries),
		SizeBytes: c.currentSize,
	}
}

// entryKey hashes the canonical URL so map keys stay bounded regardless
// of URL length.
func entryKey(rawURL string) string {
	return utils.CalculateStringSHA256(NormalizeKey(rawURL))
}

// NormalizeKey canonicalizes a URL into a cache key: fragment dropped,
// host lowercased, default port dropped. Unparseable URLs key on the raw
// string so interception still works.
func NormalizeKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}
	return parsed.String()
}

// isImageRequest classifies a request as an image by the surface's hint
// first, the URL extension second.
func isImageRequest(req Request) bool {
	if req.ResourceHint != "" {
		return req.ResourceHint == "image"
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if ext == "" {
		return false
	}
	return strings.HasPrefix(mime.TypeByExtension(ext), "image/")
}
