// internal/crawler/crawler_test.go
package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/config"
	"github.com/arceth/passage/internal/netutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive pools of the shared HTTP transport outlive the tests.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func testCrawlerConfig() config.CrawlerConfig {
	return config.CrawlerConfig{
		Concurrency:    4,
		RequestsPerSec: 200,
		RequestTimeout: 5 * time.Second,
		MaxLinks:       100,
		SameHostOnly:   false,
	}
}

func TestExtractLinks(t *testing.T) {
	const page = `<html><body>
		<a href="/payroll">Run Payroll</a>
		<a href="https://other.example.com/docs">Docs</a>
		<a href="reports/latest">Latest Report</a>
		<a href="/payroll">Run Payroll (again)</a>
		<a href="#section">Fragment only</a>
		<a href="javascript:void(0)">Script</a>
		<a href="mailto:ops@example.com">Mail</a>
		<a href="/faq#answers">FAQ</a>
	</body></html>`

	links, err := ExtractLinks("https://app.example.com/home/", strings.NewReader(page))
	require.NoError(t, err)

	want := []Link{
		{URL: "https://app.example.com/faq", Text: "FAQ"},
		{URL: "https://app.example.com/home/reports/latest", Text: "Latest Report"},
		{URL: "https://app.example.com/payroll", Text: "Run Payroll"},
		{URL: "https://other.example.com/docs", Text: "Docs"},
	}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("extracted links mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractLinksNestedText(t *testing.T) {
	const page = `<html><body><a href="/x"><span>Run</span> <b>Reports</b></a></body></html>`
	links, err := ExtractLinks("https://app.example.com/", strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "Run Reports", links[0].Text)
}

func TestExtractLinksBadBase(t *testing.T) {
	_, err := ExtractLinks("://bad", strings.NewReader("<a href='/x'>x</a>"))
	assert.Error(t, err)
}

func TestCrawlerChecksLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/no-head", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(testCrawlerConfig(), netutil.NewClient(nil), zap.NewNop())
	results := c.check(context.Background(), []Link{
		{URL: srv.URL + "/ok", Text: "ok"},
		{URL: srv.URL + "/missing", Text: "missing"},
		{URL: srv.URL + "/no-head", Text: "no head"},
	})

	require.Len(t, results, 3)
	byText := map[string]LinkResult{}
	for _, r := range results {
		byText[r.Text] = r
	}

	assert.True(t, byText["ok"].OK)
	assert.Equal(t, http.StatusOK, byText["ok"].StatusCode)

	assert.False(t, byText["missing"].OK)
	assert.Equal(t, http.StatusNotFound, byText["missing"].StatusCode)

	// A HEAD rejection falls back to GET.
	assert.True(t, byText["no head"].OK)
}

func TestCrawlerReportsUnreachableLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := srv.URL
	srv.Close()

	c := New(testCrawlerConfig(), netutil.NewClient(nil), zap.NewNop())
	results := c.check(context.Background(), []Link{{URL: dead, Text: "dead"}})

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.NotEmpty(t, results[0].Error)
}

func TestCrawlerFilterSameHost(t *testing.T) {
	cfg := testCrawlerConfig()
	cfg.SameHostOnly = true
	c := New(cfg, netutil.NewClient(nil), zap.NewNop())

	links := []Link{
		{URL: "https://app.example.com/a"},
		{URL: "https://other.example.com/b"},
		{URL: "https://app.example.com/c"},
	}
	kept := c.filter("https://app.example.com/home", links)
	require.Len(t, kept, 2)
	for _, l := range kept {
		assert.Contains(t, l.URL, "app.example.com")
	}
}

func TestCrawlerFilterCapsLinks(t *testing.T) {
	cfg := testCrawlerConfig()
	cfg.MaxLinks = 2
	c := New(cfg, netutil.NewClient(nil), zap.NewNop())

	links := []Link{{URL: "https://a"}, {URL: "https://b"}, {URL: "https://c"}}
	kept := c.filter("https://app.example.com/", links)
	assert.Len(t, kept, 2)
}
