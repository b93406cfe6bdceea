// Package poller 周期性地轮询所有有活跃订阅的订阅源并入库新文章。
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iabetor/briefly/internal/feed"
	"github.com/iabetor/briefly/internal/ingest"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/store"
)

// Options 轮询调度参数。
type Options struct {
	// Interval 轮询周期。
	Interval time.Duration
	// Concurrency 单个周期内最大并发抓取数。
	Concurrency int
	// RatePerSecond 出站抓取的全局速率限制（次/秒），0 表示不限制。
	RatePerSecond float64
}

// Poller 订阅源轮询调度器。
//
// 每个订阅源的轮询是独立的工作单元：单个源失败不影响其他源，
// 失败的源下个周期继续重试（不做熔断移除）。
type Poller struct {
	store    *store.Store
	fetcher  *feed.Fetcher
	ingester *ingest.Ingester
	opts     Options
	limiter  *rate.Limiter

	mu       sync.Mutex
	inFlight map[string]bool // 正在轮询的订阅源 ID
}

// New 创建轮询调度器。
func New(st *store.Store, fetcher *feed.Fetcher, ingester *ingest.Ingester, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}

	return &Poller{
		store:    st,
		fetcher:  fetcher,
		ingester: ingester,
		opts:     opts,
		limiter:  limiter,
		inFlight: make(map[string]bool),
	}
}

// Run 按固定周期轮询，直到 ctx 取消。启动时先立即执行一轮。
func (p *Poller) Run(ctx context.Context) {
	logger.Infof("[poller] 轮询调度器已启动 (interval=%s, concurrency=%d)",
		p.opts.Interval, p.opts.Concurrency)

	p.PollDue(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[poller] 轮询调度器已停止")
			return
		case <-ticker.C:
			p.PollDue(ctx)
		}
	}
}

// PollDue 轮询所有到期的订阅源，等待本轮全部完成后返回处理的源数量。
// 仍在上一轮处理中的源会被跳过，不会对同一个源并发抓取。
func (p *Poller) PollDue(ctx context.Context) int {
	staleBefore := time.Now().Add(-p.opts.Interval)
	feeds, err := p.store.ListDueFeeds(staleBefore)
	if err != nil {
		logger.Errorf("[poller] 查询待轮询订阅源失败: %v", err)
		return 0
	}
	if len(feeds) == 0 {
		return 0
	}

	logger.Infof("[poller] 本轮待处理 %d 个订阅源", len(feeds))

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
	polled := 0

	for i := range feeds {
		f := feeds[i]
		if !p.tryAcquire(f.ID) {
			logger.Debugf("[poller] 订阅源 %s 仍在处理中，本轮跳过", f.URL)
			continue
		}
		polled++

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer p.release(f.ID)
			p.pollFeed(ctx, &f)
		}()
	}

	wg.Wait()
	return polled
}

// PollFeed 立即轮询单个订阅源（新订阅创建后的首次抓取）。
func (p *Poller) PollFeed(ctx context.Context, feedID string) error {
	f, err := p.store.GetFeed(feedID)
	if err != nil {
		return err
	}
	if !p.tryAcquire(f.ID) {
		// 已有轮询在进行，视为完成
		return nil
	}
	defer p.release(f.ID)
	p.pollFeed(ctx, f)
	return nil
}

// pollFeed 完成单个订阅源的一次 抓取 → 入库 周期。
func (p *Poller) pollFeed(ctx context.Context, f *store.FeedSource) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	meta, entries, err := p.fetcher.Fetch(ctx, f.URL, feed.Conditional{
		ETag:         f.ETag,
		LastModified: f.LastModified,
	})
	if errors.Is(err, feed.ErrNotModified) {
		logger.Debugf("[poller] 订阅源未变化: %s", f.URL)
		if err := p.store.TouchFeedFetched(f.ID, time.Now()); err != nil {
			logger.Warnf("[poller] 刷新订阅源 %s 状态失败: %v", f.URL, err)
		}
		return
	}
	if err != nil {
		// 失败记录在案，下个周期重试，不影响其他源
		logger.Warnf("[poller] 抓取订阅源 %s 失败: %v", f.URL, err)
		if recErr := p.store.RecordFetchFailure(f.ID, err); recErr != nil {
			logger.Warnf("[poller] 记录订阅源 %s 失败状态失败: %v", f.URL, recErr)
		}
		return
	}

	result, err := p.ingester.IngestFeed(ctx, f.ID, meta, entries)
	if err != nil {
		logger.Errorf("[poller] 订阅源 %s 入库失败: %v", f.URL, err)
		if recErr := p.store.RecordFetchFailure(f.ID, err); recErr != nil {
			logger.Warnf("[poller] 记录订阅源 %s 失败状态失败: %v", f.URL, recErr)
		}
		return
	}

	logger.Infof("[poller] 订阅源 %s 处理完成 (new=%d, seen=%d)",
		meta.Title, result.NewArticles, result.TotalSeen)
}

// tryAcquire 标记订阅源进入轮询，已在轮询中时返回 false。
func (p *Poller) tryAcquire(feedID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[feedID] {
		return false
	}
	p.inFlight[feedID] = true
	return true
}

func (p *Poller) release(feedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, feedID)
}
