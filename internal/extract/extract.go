// Package extract 从文章页面提取正文全文（readability 风格，尽力而为）。
package extract

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultTimeout = 10 * time.Second
	minTextLen     = 80 // 短于此长度的提取结果视为失败
	userAgent      = "Briefly/1.0 Article Reader"
)

// 正文通常所在的容器，按优先级排列。
var contentSelectors = []string{
	"article",
	"main",
	"[role='main']",
	".post-content",
	".article-content",
	".entry-content",
	"#content",
}

// Extractor 抓取文章页面并提取正文。
type Extractor struct {
	client *http.Client
}

// NewExtractor 创建正文提取器。timeout 为 0 时使用默认超时。
func NewExtractor(timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{client: &http.Client{Timeout: timeout}}
}

// FullText 抓取 articleURL 并提取正文。
// 在边界处返回 error，调用方应降级为空文本而不是让错误进入入库流程。
func (e *Extractor) FullText(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求文章页面失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("文章页面返回 HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return "", fmt.Errorf("非 HTML 内容: %s", contentType)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("解析 HTML 失败: %w", err)
	}

	text := extractContent(doc)
	if len(text) < minTextLen {
		return "", fmt.Errorf("提取结果过短（%d 字节）", len(text))
	}
	return text, nil
}

// extractContent 从文档中提取正文文本。
// 先按常见正文容器选择器查找，都没有命中时回退到全文段落拼接。
func extractContent(doc *goquery.Document) string {
	// 去掉明显的噪音节点
	doc.Find("script, style, nav, header, footer, aside, form").Remove()

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if text := paragraphText(node); len(text) >= minTextLen {
			return text
		}
	}

	// 回退：拼接 body 下所有段落
	return paragraphText(doc.Find("body"))
}

// paragraphText 拼接节点下所有 <p> 的文本，没有段落时退回节点全文。
func paragraphText(sel *goquery.Selection) string {
	var parts []string
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		t := strings.TrimSpace(p.Text())
		if t != "" {
			parts = append(parts, t)
		}
	})
	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = strings.TrimSpace(sel.Text())
	}
	return collapseSpace(text)
}

var spaceRe = regexp.MustCompile(`[ \t]+`)

func collapseSpace(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
