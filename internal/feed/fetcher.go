// Package feed 负责抓取和解析 RSS/Atom 订阅源，输出标准化的条目。
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
)

const (
	defaultFetchTimeout = 10 * time.Second
	maxDescriptionLen   = 500 // 条目描述最大字符数
	userAgent           = "Briefly/1.0 RSS Reader"
)

// ErrNotModified 订阅源自上次抓取后未变化（HTTP 304）。
var ErrNotModified = errors.New("订阅源未变化")

// Meta 订阅源级别的元数据。
type Meta struct {
	Title        string
	Description  string
	SiteURL      string
	ETag         string
	LastModified string
}

// Entry 标准化后的订阅源条目。
// RSS 和 Atom 的字段差异（guid/id、pubDate/published）在解析时已归一化。
type Entry struct {
	GUID        string
	Title       string
	Description string
	Link        string
	PublishedAt time.Time
}

// Conditional 条件请求头，来自上次成功抓取。
type Conditional struct {
	ETag         string
	LastModified string
}

// Fetcher 抓取并解析订阅源。
// 抓取是纯读取操作，不修改任何共享状态，失败与否由调用方决定重试策略。
type Fetcher struct {
	parser *gofeed.Parser
	client *http.Client
}

// NewFetcher 创建订阅源抓取器。timeout 为 0 时使用默认超时。
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch 抓取并解析指定 URL 的订阅源。
// cond 携带上次抓取的 ETag/Last-Modified，源返回 304 时返回 ErrNotModified。
func (f *Fetcher) Fetch(ctx context.Context, url string, cond Conditional) (*Meta, []Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("请求订阅源失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil, ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, fmt.Errorf("订阅源返回 HTTP %d", resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("解析订阅源失败: %w", err)
	}

	meta := &Meta{
		Title:        parsed.Title,
		Description:  stripHTML(parsed.Description),
		SiteURL:      parsed.Link,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	return meta, convertItems(parsed.Items), nil
}

// Validate 抓取并校验订阅源，返回元数据。用于添加订阅时确认 URL 有效。
func (f *Fetcher) Validate(ctx context.Context, url string) (*Meta, error) {
	meta, _, err := f.Fetch(ctx, url, Conditional{})
	if err != nil {
		return nil, fmt.Errorf("无法解析该订阅源地址: %w", err)
	}
	if meta.Title == "" {
		meta.Title = url
	}
	return meta, nil
}

// convertItems 将 gofeed 条目归一化为 Entry。
// 缺少 guid、标题或链接的条目直接丢弃，不视为错误。
func convertItems(items []*gofeed.Item) []Entry {
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		// guid 回退链: guid → id → link
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" || item.Title == "" || item.Link == "" {
			continue
		}

		description := item.Description
		if description == "" {
			description = item.Content
		}
		description = truncate(stripHTML(description), maxDescriptionLen)

		// 发布时间回退链: pubDate → updated → now
		published := time.Now()
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}

		entries = append(entries, Entry{
			GUID:        guid,
			Title:       item.Title,
			Description: description,
			Link:        item.Link,
			PublishedAt: published,
		})
	}
	return entries
}

// stripHTML 剥离 HTML 标签，只保留纯文本。
func stripHTML(s string) string {
	re := regexp.MustCompile(`<[^>]*>`)
	s = re.ReplaceAllString(s, "")

	// 处理常见 HTML 实体
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&apos;", "'",
	)
	s = replacer.Replace(s)

	// 合并连续空白
	spaceRe := regexp.MustCompile(`\s+`)
	s = spaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// truncate 截断字符串到指定字符数（按 UTF-8 字符计算）。
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
