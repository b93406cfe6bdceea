package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testRSSFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Blog</title>
    <link>https://example.com</link>
    <description>A test RSS feed</description>
    <item>
      <guid>post-1</guid>
      <title>第一篇文章</title>
      <link>https://example.com/post/1</link>
      <description>&lt;p&gt;这是第一篇文章的内容，包含 &lt;b&gt;HTML 标签&lt;/b&gt;。&lt;/p&gt;</description>
      <pubDate>Thu, 19 Feb 2026 08:00:00 +0800</pubDate>
    </item>
    <item>
      <title>没有 guid 用链接回退</title>
      <link>https://example.com/post/2</link>
      <description>人工智能最新进展</description>
      <pubDate>Thu, 19 Feb 2026 07:00:00 +0800</pubDate>
    </item>
    <item>
      <title>缺少链接的条目会被丢弃</title>
      <description>无效条目</description>
    </item>
  </channel>
</rss>`

const testAtomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Blog</title>
  <entry>
    <id>atom-entry-1</id>
    <title>Atom 文章</title>
    <link href="https://example.com/atom/1"/>
    <summary>Atom 格式的摘要</summary>
    <updated>2026-02-19T09:00:00+08:00</updated>
  </entry>
</feed>`

func setupTestServer(content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, content)
	}))
}

func TestFetchRSS(t *testing.T) {
	srv := setupTestServer(testRSSFeed)
	defer srv.Close()

	fetcher := NewFetcher(0)
	meta, entries, err := fetcher.Fetch(context.Background(), srv.URL, Conditional{})
	if err != nil {
		t.Fatalf("Fetch 失败: %v", err)
	}

	if meta.Title != "Test Blog" {
		t.Errorf("标题不匹配: %s", meta.Title)
	}
	if meta.SiteURL != "https://example.com" {
		t.Errorf("站点链接不匹配: %s", meta.SiteURL)
	}
	if meta.ETag != `"v1"` {
		t.Errorf("ETag 不匹配: %s", meta.ETag)
	}

	// 缺少链接的条目应被丢弃
	if len(entries) != 2 {
		t.Fatalf("期望 2 条，得到 %d 条", len(entries))
	}
	if entries[0].GUID != "post-1" {
		t.Errorf("guid 不匹配: %s", entries[0].GUID)
	}
	// 没有 guid 时回退到链接
	if entries[1].GUID != "https://example.com/post/2" {
		t.Errorf("guid 回退不正确: %s", entries[1].GUID)
	}
	// HTML 标签应被剥离
	if entries[0].Description != "这是第一篇文章的内容，包含 HTML 标签。" {
		t.Errorf("描述未剥离 HTML: %q", entries[0].Description)
	}
}

func TestFetchAtom(t *testing.T) {
	srv := setupTestServer(testAtomFeed)
	defer srv.Close()

	fetcher := NewFetcher(0)
	meta, entries, err := fetcher.Fetch(context.Background(), srv.URL, Conditional{})
	if err != nil {
		t.Fatalf("Fetch Atom 失败: %v", err)
	}
	if meta.Title != "Atom Blog" {
		t.Errorf("Atom 标题不匹配: %s", meta.Title)
	}
	if len(entries) != 1 {
		t.Fatalf("期望 1 条，得到 %d 条", len(entries))
	}
	if entries[0].GUID != "atom-entry-1" {
		t.Errorf("Atom id 应作为 guid: %s", entries[0].GUID)
	}
	// 没有 pubDate 时回退到 updated
	want := time.Date(2026, 2, 19, 9, 0, 0, 0, time.FixedZone("", 8*3600))
	if !entries[0].PublishedAt.Equal(want) {
		t.Errorf("发布时间回退不正确: %v", entries[0].PublishedAt)
	}
}

func TestFetchNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, testRSSFeed)
	}))
	defer srv.Close()

	fetcher := NewFetcher(0)
	_, _, err := fetcher.Fetch(context.Background(), srv.URL, Conditional{ETag: `"v1"`})
	if err != ErrNotModified {
		t.Fatalf("期望 ErrNotModified，得到: %v", err)
	}
}

func TestFetchInvalidXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not xml")
	}))
	defer srv.Close()

	fetcher := NewFetcher(0)
	_, _, err := fetcher.Fetch(context.Background(), srv.URL, Conditional{})
	if err == nil {
		t.Fatal("期望无效 XML 返回错误")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher := NewFetcher(0)
	_, _, err := fetcher.Fetch(context.Background(), srv.URL, Conditional{})
	if err == nil {
		t.Fatal("期望 5xx 返回错误")
	}
}

func TestValidate(t *testing.T) {
	srv := setupTestServer(testRSSFeed)
	defer srv.Close()

	fetcher := NewFetcher(0)
	meta, err := fetcher.Validate(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if meta.Title != "Test Blog" {
		t.Errorf("标题不匹配: %s", meta.Title)
	}
}

func TestStripHTML(t *testing.T) {
	got := stripHTML("<p>hello &amp; <b>world</b></p>")
	if got != "hello & world" {
		t.Errorf("stripHTML 结果不正确: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("短文本", 10); got != "短文本" {
		t.Errorf("短文本不应被截断: %q", got)
	}
	if got := truncate("一二三四五", 3); got != "一二三..." {
		t.Errorf("截断结果不正确: %q", got)
	}
}
