package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"apiagg/internal/config"
	"apiagg/internal/errors"
	"apiagg/internal/slogutil"
	"apiagg/internal/sources"
)

const rssDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Dev Blog</title>
  <link>https://blog.example</link>
  <description>Posts</description>
  <item>
    <title>Profiling Golang services</title>
    <link>https://blog.example/profiling</link>
    <description>&lt;p&gt;Using &lt;b&gt;pprof&lt;/b&gt; in production&lt;/p&gt;</description>
    <pubDate>Mon, 02 Mar 2026 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Rust for gophers</title>
    <link>https://blog.example/rust</link>
    <description>A comparison with golang</description>
  </item>
  <item>
    <title>Unrelated</title>
    <link>https://blog.example/other</link>
    <description>Nothing to see</description>
  </item>
</channel>
</rss>`

func TestMapItems(t *testing.T) {
	published := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	items := []*gofeed.Item{
		{Title: "Golang 2", Link: "https://x/1", Description: "<p>Hi &amp; bye</p>", PublishedParsed: &published},
		{Title: "golang dup", Link: "https://x/1"},
		{Title: "Other", Link: "https://x/2", Content: "mentions GOLANG in content", UpdatedParsed: &published},
		{Title: "Skip", Link: "https://x/3", Description: "no match"},
		{Title: "", Link: "https://x/4", Description: "golang"},
		nil,
	}

	got := mapItems(items, "golang", 10)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Body != "Hi & bye" {
		t.Errorf("Body = %q, want markup stripped", got[0].Body)
	}
	if got[0].PublishedAt == nil || !got[0].PublishedAt.Equal(published) {
		t.Errorf("PublishedAt = %v", got[0].PublishedAt)
	}
	if got[1].PublishedAt == nil {
		t.Error("updated time should be used when published is missing")
	}
	for _, r := range got {
		if r.SourceID != ID {
			t.Errorf("SourceID = %q", r.SourceID)
		}
	}

	if capped := mapItems(items, "golang", 1); len(capped) != 1 {
		t.Errorf("cap: len = %d", len(capped))
	}

	noDesc := mapItems([]*gofeed.Item{{Title: "golang", Link: "https://x/9"}}, "golang", 10)
	if noDesc[0].Body != sources.NoDescription {
		t.Errorf("Body = %q, want placeholder", noDesc[0].Body)
	}
}

func TestFetch(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssDoc))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	src := New(config.FeedConfig{URLs: []string{good.URL, bad.URL}}, sources.NewClient(nil), slogutil.NewDiscardLogger())
	got, err := src.Fetch(context.Background(), "GoLang")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Title != "Profiling Golang services" || !strings.Contains(got[0].Body, "pprof") {
		t.Errorf("got[0] = %+v", got[0])
	}
}

func TestFetch_AllFeedsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a feed"))
	}))
	defer bad.Close()

	src := New(config.FeedConfig{URLs: []string{bad.URL}}, sources.NewClient(nil), slogutil.NewDiscardLogger())
	_, err := src.Fetch(context.Background(), "golang")
	if err == nil {
		t.Fatal("expected error when every feed fails")
	}
	if errors.CodeOf(err) != errors.UpstreamDecode {
		t.Errorf("CodeOf() = %s, want UPSTREAM_DECODE", errors.CodeOf(err))
	}
}

func TestFetch_NoFeeds(t *testing.T) {
	src := New(config.FeedConfig{}, sources.NewClient(nil), slogutil.NewDiscardLogger())
	if src.Available() {
		t.Error("no URLs should be unavailable")
	}
	if _, err := src.Fetch(context.Background(), "x"); errors.CodeOf(err) != errors.UpstreamUnavailable {
		t.Errorf("err = %v", err)
	}
}
