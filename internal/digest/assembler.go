// Package digest 负责按用户汇总近期文章、生成摘要并投递邮件任务。
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iabetor/briefly/internal/dispatch"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/store"
	"github.com/iabetor/briefly/internal/summarize"
)

// Options 摘要汇总参数。
type Options struct {
	// LookbackHours 文章回溯窗口（小时）。
	LookbackHours int
	// PerFeedLimit 每个订阅源最多选取的文章数。
	PerFeedLimit int
	// TotalLimit 单封摘要最多包含的文章数。
	TotalLimit int
	// DefaultPrompt 订阅未指定提示词时的默认摘要提示词。
	DefaultPrompt string
}

func (o *Options) setDefaults() {
	if o.LookbackHours <= 0 {
		o.LookbackHours = 24
	}
	if o.PerFeedLimit <= 0 {
		o.PerFeedLimit = 10
	}
	if o.TotalLimit <= 0 {
		o.TotalLimit = 20
	}
}

// Assembler 按用户汇总摘要内容。
type Assembler struct {
	store      *store.Store
	summarizer summarize.Summarizer
	opts       Options
}

// NewAssembler 创建摘要汇总器。summarizer 可为 nil，此时文章直接使用原始描述。
func NewAssembler(st *store.Store, summarizer summarize.Summarizer, opts Options) *Assembler {
	opts.setDefaults()
	return &Assembler{store: st, summarizer: summarizer, opts: opts}
}

// Assemble 汇总用户在 [windowStart, windowEnd] 窗口内的文章。
// 没有符合条件的文章时返回 nil（空摘要不发送）。
func (a *Assembler) Assemble(ctx context.Context, userID string, windowStart, windowEnd time.Time) (*dispatch.DigestJob, error) {
	subs, err := a.store.ListUserSubscriptions(userID, true)
	if err != nil {
		return nil, fmt.Errorf("查询用户订阅失败: %w", err)
	}

	var articles []dispatch.DigestArticle
	for _, sub := range subs {
		feed, err := a.store.GetFeed(sub.FeedID)
		if err != nil {
			logger.Warnf("[digest] 查询订阅源 %s 失败: %v", sub.FeedID, err)
			continue
		}

		recent, err := a.store.ListFeedArticlesBetween(
			sub.FeedID, windowStart, windowEnd, a.opts.PerFeedLimit)
		if err != nil {
			logger.Warnf("[digest] 查询订阅源 %s 的文章失败: %v", feed.Title, err)
			continue
		}

		for _, article := range recent {
			articles = append(articles, dispatch.DigestArticle{
				ID:          article.ID,
				Title:       article.Title,
				URL:         article.URL,
				Summary:     a.summaryFor(ctx, userID, &article, sub.PromptText),
				PublishedAt: article.PublishedAt,
				FeedTitle:   feed.Title,
			})
		}
	}

	if len(articles) == 0 {
		return nil, nil
	}

	// 全局按发布时间倒序，并截断到单封上限
	sort.Slice(articles, func(i, j int) bool {
		return articles[i].PublishedAt.After(articles[j].PublishedAt)
	})
	if len(articles) > a.opts.TotalLimit {
		articles = articles[:a.opts.TotalLimit]
	}

	return &dispatch.DigestJob{
		UserID:   userID,
		Overview: a.overview(ctx, articles),
		Articles: articles,
	}, nil
}

// summaryFor 返回文章的摘要文本。
//
// (user, article) 的摘要只生成一次：已有记录直接复用，生成成功后立即落库。
// 摘要生成失败时降级为文章原始描述，文章不会因此被排除在摘要之外。
func (a *Assembler) summaryFor(ctx context.Context, userID string, article *store.Article, promptText string) string {
	if existing, err := a.store.GetSummary(userID, article.ID); err == nil {
		return existing.Content
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("[digest] 查询摘要失败 (article=%s): %v", article.ID, err)
	}

	if a.summarizer == nil {
		return article.Description
	}

	if promptText == "" {
		promptText = a.opts.DefaultPrompt
	}

	// 全文优先，没有全文时用描述
	content := article.FullText
	if content == "" {
		content = article.Description
	}
	if content == "" {
		return ""
	}

	generated, err := a.summarizer.Summarize(ctx, article.Title, content, promptText)
	if err != nil {
		logger.Warnf("[digest] 生成摘要失败 (article=%s)，降级为原始描述: %v", article.ID, err)
		return article.Description
	}

	saved, err := a.store.SaveSummary(userID, article.ID, promptText, generated)
	if err != nil {
		logger.Warnf("[digest] 保存摘要失败 (article=%s): %v", article.ID, err)
		return generated
	}
	// 并发生成时以先落库者为准，保证每对 (user, article) 只有一份摘要
	return saved.Content
}

// overview 生成整封摘要的开篇要点，失败时省略（不影响邮件发送）。
func (a *Assembler) overview(ctx context.Context, articles []dispatch.DigestArticle) string {
	if a.summarizer == nil {
		return ""
	}

	var b strings.Builder
	for i, article := range articles {
		fmt.Fprintf(&b, "文章 %d: %s\n%s\n\n", i+1, article.Title, article.Summary)
	}

	prompt := "以下是一组文章的摘要。请用一段话概括今天最重要的主题和值得关注的内容。"
	overview, err := a.summarizer.Summarize(ctx, "今日摘要", b.String(), prompt)
	if err != nil {
		logger.Warnf("[digest] 生成整体要点失败，省略: %v", err)
		return ""
	}
	return overview
}
