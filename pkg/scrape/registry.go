package scrape

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// Registry maps site domains to their scrapers. A fallback scraper, when
// set, serves every domain without a dedicated entry.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
	fallback Scraper
}

func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

// Register binds a scraper to a domain, replacing any previous binding.
func (r *Registry) Register(domain string, s Scraper) {
	r.mu.Lock()
	r.scrapers[strings.ToLower(domain)] = s
	r.mu.Unlock()
}

// SetFallback installs the scraper used for domains with no dedicated entry.
func (r *Registry) SetFallback(s Scraper) {
	r.mu.Lock()
	r.fallback = s
	r.mu.Unlock()
}

// Lookup resolves the scraper for a domain.
func (r *Registry) Lookup(domain string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scrapers[strings.ToLower(domain)]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", utils.ErrNoScraper, domain)
}
