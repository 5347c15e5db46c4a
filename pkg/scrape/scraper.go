package scrape

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// Scraper turns a fetched document into crawl output. Implementations are
// pure over the parsed DOM; navigation and persistence stay with the caller.
type Scraper interface {
	// DiscoverLinks returns absolute, deduplicated item links found on a
	// listing page.
	DiscoverLinks(doc *goquery.Document, base *url.URL) []string

	// AdvancePagination returns the absolute URL of the next listing page,
	// and false when pagination is exhausted.
	AdvancePagination(doc *goquery.Document, base *url.URL) (string, bool)

	// ExtractRecord pulls one record out of an item page.
	ExtractRecord(doc *goquery.Document, pageURL *url.URL) (models.Record, error)
}

// ParseDocument parses fetched body bytes into a goquery document.
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML: %w", utils.ErrParsing, err)
	}
	return doc, nil
}
