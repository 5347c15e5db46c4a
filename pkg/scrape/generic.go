package scrape

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/models"
	"github.com/mushstyle/scrape2-sub001/pkg/utils"
)

// GenericScraper is a selector-driven scraper configured per site. Sites
// with no special extraction logic run entirely on this implementation.
type GenericScraper struct {
	selectors config.ScrapeSelectors
	converter *md.Converter
	log       *logrus.Entry
}

func NewGenericScraper(selectors config.ScrapeSelectors, log *logrus.Entry) *GenericScraper {
	return &GenericScraper{
		selectors: selectors,
		converter: md.NewConverter("", true, nil),
		log:       log.WithField("scraper", "generic"),
	}
}

// DiscoverLinks collects item links under the configured link selector,
// resolved against the page URL. Duplicate, fragment-only, and non-HTTP
// links are dropped; document order is preserved.
func (g *GenericScraper) DiscoverLinks(doc *goquery.Document, base *url.URL) []string {
	selector := g.selectors.LinkSelector
	if selector == "" {
		selector = "a[href]"
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			// selector may point at a container; look one level down
			href, ok = sel.Find("a[href]").First().Attr("href")
			if !ok {
				return
			}
		}
		abs := resolveLink(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// AdvancePagination follows the configured next-page selector.
func (g *GenericScraper) AdvancePagination(doc *goquery.Document, base *url.URL) (string, bool) {
	if g.selectors.NextPageSelector == "" {
		return "", false
	}
	sel := doc.Find(g.selectors.NextPageSelector).First()
	href, ok := sel.Attr("href")
	if !ok {
		href, ok = sel.Find("a[href]").First().Attr("href")
		if !ok {
			return "", false
		}
	}
	abs := resolveLink(base, href)
	if abs == "" || abs == base.String() {
		return "", false
	}
	return abs, true
}

// ExtractRecord builds a record from an item page: title from the title
// selector (falling back to <title>), one field per configured field
// selector, and the description region converted to markdown.
func (g *GenericScraper) ExtractRecord(doc *goquery.Document, pageURL *url.URL) (models.Record, error) {
	record := models.Record{
		URL:         pageURL.String(),
		Domain:      strings.ToLower(pageURL.Hostname()),
		ExtractedAt: time.Now().UTC(),
	}

	if g.selectors.TitleSelector != "" {
		record.Title = strings.TrimSpace(doc.Find(g.selectors.TitleSelector).First().Text())
	}
	if record.Title == "" {
		record.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if len(g.selectors.FieldSelectors) > 0 {
		record.Fields = make(map[string]string, len(g.selectors.FieldSelectors))
		for name, selector := range g.selectors.FieldSelectors {
			value := strings.TrimSpace(doc.Find(selector).First().Text())
			if value != "" {
				record.Fields[name] = value
			}
		}
	}

	if g.selectors.DescriptionSelector != "" {
		region := doc.Find(g.selectors.DescriptionSelector).First()
		if region.Length() > 0 {
			html, err := goquery.OuterHtml(region)
			if err != nil {
				return record, fmt.Errorf("%w: reading description region: %w", utils.ErrParsing, err)
			}
			markdown, err := g.converter.ConvertString(html)
			if err != nil {
				g.log.WithError(err).WithField("url", record.URL).Warn("Markdown conversion failed, keeping plain text")
				markdown = strings.TrimSpace(region.Text())
			}
			record.Description = strings.TrimSpace(markdown)
		}
	}

	if record.Title == "" && len(record.Fields) == 0 && record.Description == "" {
		return record, fmt.Errorf("%w: no content matched configured selectors on %s", utils.ErrParsing, record.URL)
	}
	return record, nil
}

// resolveLink turns an href into an absolute http(s) URL, or "" when it is
// not followable (fragments, mailto:, javascript:, malformed).
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
