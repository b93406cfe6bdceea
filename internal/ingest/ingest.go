// Package ingest 将抓取到的订阅源条目去重入库。
package ingest

import (
	"context"
	"time"

	"github.com/iabetor/briefly/internal/feed"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/store"
)

const defaultMaxEntries = 20

// Result 一次入库的统计结果。
type Result struct {
	// NewArticles 本次新增的文章数。同一批条目重复入库时为 0。
	NewArticles int
	// TotalSeen 本次实际处理的条目数（截断到条目上限之后）。
	TotalSeen int
}

// Extractor 文章正文提取能力。失败只影响单篇文章的全文字段。
type Extractor interface {
	FullText(ctx context.Context, articleURL string) (string, error)
}

// Ingester 负责订阅源元数据和文章的幂等入库。
type Ingester struct {
	store      *store.Store
	extractor  Extractor // 为 nil 时不提取全文
	maxEntries int
}

// New 创建入库器。extractor 可为 nil；maxEntries 为 0 时使用默认上限。
func New(st *store.Store, extractor Extractor, maxEntries int) *Ingester {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Ingester{store: st, extractor: extractor, maxEntries: maxEntries}
}

// IngestFeed 更新订阅源元数据并写入新文章。
//
// 文章以 (feed_id, guid) 为幂等键：已存在的条目是 no-op，二次入库不产生
// 任何副作用。单次入库只处理最新的 maxEntries 条，防止首次抓取时无限回填。
func (g *Ingester) IngestFeed(ctx context.Context, feedID string, meta *feed.Meta, entries []feed.Entry) (Result, error) {
	storeMeta := store.FeedMeta{
		Title:        meta.Title,
		Description:  meta.Description,
		SiteURL:      meta.SiteURL,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
	}
	if err := g.store.UpdateFeedMeta(feedID, storeMeta, time.Now()); err != nil {
		return Result{}, err
	}

	// 订阅源条目通常按时间倒序排列，截断保留最新的一段
	if len(entries) > g.maxEntries {
		entries = entries[:g.maxEntries]
	}

	result := Result{TotalSeen: len(entries)}
	for _, entry := range entries {
		// 已入库的条目直接跳过，避免为旧文章重复抓取全文
		if exists, err := g.store.ArticleExists(feedID, entry.GUID); err != nil {
			logger.Warnf("[ingest] 查询文章失败 (guid=%s): %v", entry.GUID, err)
			continue
		} else if exists {
			continue
		}

		created, err := g.store.InsertArticle(&store.Article{
			FeedID:      feedID,
			GUID:        entry.GUID,
			Title:       entry.Title,
			Description: entry.Description,
			FullText:    g.fullText(ctx, entry),
			URL:         entry.Link,
			PublishedAt: entry.PublishedAt,
		})
		if err != nil {
			// 单条写入失败不中断整体入库
			logger.Warnf("[ingest] 写入文章失败 (guid=%s): %v", entry.GUID, err)
			continue
		}
		if created {
			result.NewArticles++
		}
	}
	return result, nil
}

// fullText 尽力而为地提取文章全文，任何失败都降级为空字符串。
func (g *Ingester) fullText(ctx context.Context, entry feed.Entry) string {
	if g.extractor == nil {
		return ""
	}
	text, err := g.extractor.FullText(ctx, entry.Link)
	if err != nil {
		logger.Debugf("[ingest] 提取全文失败 (%s): %v", entry.Link, err)
		return ""
	}
	return text
}
