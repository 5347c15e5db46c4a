package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsGate fetches, parses, and caches robots.txt per host and answers
// allow/deny questions for page navigation. Fetch or parse failures are
// treated as "allowed" so a broken robots.txt cannot stall a crawl.
type RobotsGate struct {
	fetcher       HTTPFetcher
	robotsCache   map[string]*robotstxt.RobotsData // hostname -> parsed data (nil = fetch failed)
	robotsCacheMu sync.Mutex
	userAgent     string
	log           *logrus.Entry
}

// NewRobotsGate creates a RobotsGate
func NewRobotsGate(fetcher HTTPFetcher, userAgent string, log *logrus.Entry) *RobotsGate {
	return &RobotsGate{
		fetcher:     fetcher,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		userAgent:   userAgent,
		log:         log,
	}
}

// Allowed reports whether the user agent may fetch targetURL.
// Returns true when robots data could not be obtained.
func (rg *RobotsGate) Allowed(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	data := rg.getRobotsData(ctx, targetURL)
	if data == nil {
		return true
	}
	return data.TestAgent(targetURL.RequestURI(), userAgent)
}

func (rg *RobotsGate) getRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	host := targetURL.Hostname()

	rg.robotsCacheMu.Lock()
	data, found := rg.robotsCache[host]
	rg.robotsCacheMu.Unlock()
	if found {
		return data // cached, possibly nil
	}

	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: targetURL.Host, Path: "/robots.txt"}
	if robotsURL.Scheme != "http" && robotsURL.Scheme != "https" {
		robotsURL.Scheme = "https"
	}
	robotsLog := rg.log.WithFields(logrus.Fields{"host": host, "robots_url": robotsURL.String()})
	robotsLog.Info("Fetching robots.txt...")

	data = rg.fetchAndParse(ctx, robotsURL, robotsLog)

	rg.robotsCacheMu.Lock()
	rg.robotsCache[host] = data
	rg.robotsCacheMu.Unlock()
	return data
}

func (rg *RobotsGate) fetchAndParse(ctx context.Context, robotsURL *url.URL, robotsLog *logrus.Entry) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rg.userAgent)

	resp, fetchErr := rg.fetcher.FetchWithRetry(req, ctx)
	if fetchErr != nil {
		robotsLog.Warnf("Fetching robots.txt failed: %v", fetchErr)
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return nil
	}

	data, err := robotstxt.FromBytes(bodyBytes)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}
	robotsLog.Info("Successfully fetched and parsed robots.txt")
	return data
}
