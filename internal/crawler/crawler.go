// internal/crawler/crawler.go
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/arceth/passage/internal/config"
	"github.com/arceth/passage/internal/netutil"
)

// PageSource is the slice of a browser session the auditor reads from.
type PageSource interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	Location(ctx context.Context) (url, title string, err error)
}

// Link is one hyperlink discovered on the audited page.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// LinkResult is the check verdict for one discovered link.
type LinkResult struct {
	URL        string        `json:"url"`
	Text       string        `json:"text"`
	StatusCode int           `json:"status_code"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Summary aggregates one audit run.
type Summary struct {
	PageURL    string        `json:"page_url"`
	PageTitle  string        `json:"page_title"`
	TotalLinks int           `json:"total_links"`
	Broken     int           `json:"broken"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Results    []LinkResult  `json:"results"`
}

// Crawler extracts the links of an authenticated page and verifies each one
// out of band with rate-limited concurrent requests.
type Crawler struct {
	cfg    config.CrawlerConfig
	client *netutil.Client
	logger *zap.Logger
}

// New builds a crawler over the given HTTP client.
func New(cfg config.CrawlerConfig, client *netutil.Client, logger *zap.Logger) *Crawler {
	return &Crawler{cfg: cfg, client: client, logger: logger.Named("crawler")}
}

// Audit snapshots the session's current page, extracts its links and checks
// them. The audit never navigates the session; only its DOM is read.
func (c *Crawler) Audit(ctx context.Context, page PageSource) (*Summary, error) {
	start := time.Now()

	pageURL, pageTitle, err := page.Location(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page location: %w", err)
	}

	var source string
	if err := page.Run(ctx, chromedp.OuterHTML("html", &source, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("reading page source: %w", err)
	}

	links, err := ExtractLinks(pageURL, strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("extracting links: %w", err)
	}
	links = c.filter(pageURL, links)

	c.logger.Info("Auditing page links.",
		zap.String("page", pageURL),
		zap.Int("links", len(links)))

	results := c.check(ctx, links)

	summary := &Summary{
		PageURL:    pageURL,
		PageTitle:  pageTitle,
		TotalLinks: len(results),
		StartedAt:  start,
		Elapsed:    time.Since(start),
		Results:    results,
	}
	for _, r := range results {
		if !r.OK {
			summary.Broken++
		}
	}
	return summary, nil
}

// ExtractLinks parses an HTML document and returns its unique anchor targets
// resolved against the base URL. Fragment-only, javascript: and mailto:
// targets are skipped.
func ExtractLinks(baseURL string, r io.Reader) ([]Link, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	seen := make(map[string]struct{})
	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := attrValue(n, "href"); ok {
				if resolved, keep := resolveHref(base, href); keep {
					if _, dup := seen[resolved]; !dup {
						seen[resolved] = struct{}{}
						links = append(links, Link{URL: resolved, Text: nodeText(n)})
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	sort.Slice(links, func(i, j int) bool { return links[i].URL < links[j].URL })
	return links, nil
}

// check verifies each link with bounded concurrency under a global request
// rate cap. A HEAD is tried first; servers that reject HEAD get a GET.
func (c *Crawler) check(ctx context.Context, links []Link) []LinkResult {
	results := make([]LinkResult, len(links))
	limiter := rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSec), 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for i, link := range links {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				results[i] = LinkResult{URL: link.URL, Text: link.Text, Error: err.Error()}
				return nil
			}
			results[i] = c.checkOne(gctx, link)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Crawler) checkOne(ctx context.Context, link Link) LinkResult {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Head(reqCtx, link.URL)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		drain(resp)
		resp, err = c.client.Get(reqCtx, link.URL)
	}
	if err != nil {
		return LinkResult{
			URL: link.URL, Text: link.Text,
			Error:   err.Error(),
			Elapsed: time.Since(start),
		}
	}
	drain(resp)

	return LinkResult{
		URL: link.URL, Text: link.Text,
		StatusCode: resp.StatusCode,
		OK:         resp.StatusCode < 400,
		Elapsed:    time.Since(start),
	}
}

// filter applies the same-host restriction and the link cap.
func (c *Crawler) filter(pageURL string, links []Link) []Link {
	if c.cfg.SameHostOnly {
		if base, err := url.Parse(pageURL); err == nil {
			kept := links[:0]
			for _, l := range links {
				if u, err := url.Parse(l.URL); err == nil && strings.EqualFold(u.Host, base.Host) {
					kept = append(kept, l)
				}
			}
			links = kept
		}
	}
	if c.cfg.MaxLinks > 0 && len(links) > c.cfg.MaxLinks {
		c.logger.Warn("Link cap reached, truncating audit.",
			zap.Int("found", len(links)),
			zap.Int("cap", c.cfg.MaxLinks))
		links = links[:c.cfg.MaxLinks]
	}
	return links
}

func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

func attrValue(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
