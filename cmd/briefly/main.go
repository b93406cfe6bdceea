package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iabetor/briefly/internal/api"
	"github.com/iabetor/briefly/internal/config"
	"github.com/iabetor/briefly/internal/database"
	"github.com/iabetor/briefly/internal/digest"
	"github.com/iabetor/briefly/internal/dispatch"
	"github.com/iabetor/briefly/internal/extract"
	"github.com/iabetor/briefly/internal/feed"
	"github.com/iabetor/briefly/internal/ingest"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/poller"
	"github.com/iabetor/briefly/internal/store"
	"github.com/iabetor/briefly/internal/summarize"
)

func main() {
	configPath := flag.String("config", "configs/briefly.yaml", "配置文件路径")
	pollNow := flag.Bool("poll-now", false, "立即轮询所有到期订阅源后退出")
	digestNow := flag.Bool("digest-now", false, "立即检查并发送到点的摘要后退出")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infof("[main] Briefly 启动中 (log_level=%s)", cfg.Log.Level)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Errorf("[main] 打开数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Errorf("[main] 数据库迁移失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()

	st := store.New(db)
	fetcher := feed.NewFetcher(time.Duration(cfg.Poll.FetchTimeoutSeconds) * time.Second)

	var extractor ingest.Extractor
	if cfg.Poll.ExtractFullText {
		extractor = extract.NewExtractor(time.Duration(cfg.Poll.FetchTimeoutSeconds) * time.Second)
	}
	ingester := ingest.New(st, extractor, cfg.Poll.MaxEntriesPerPoll)

	p := poller.New(st, fetcher, ingester, poller.Options{
		Interval:      time.Duration(cfg.Poll.IntervalMinutes) * time.Minute,
		Concurrency:   cfg.Poll.Concurrency,
		RatePerSecond: cfg.Poll.RatePerSecond,
	})

	var summarizer summarize.Summarizer
	if cfg.LLM.APIURL != "" {
		summarizer = summarize.NewOpenAIClient(cfg.LLM.APIURL, cfg.LLM.APIKey,
			cfg.LLM.Model, cfg.LLM.MaxTokens,
			time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	} else {
		logger.Warn("[main] 未配置 LLM，摘要将使用文章原始描述")
	}

	assembler := digest.NewAssembler(st, summarizer, digest.Options{
		LookbackHours: cfg.Digest.LookbackHours,
		PerFeedLimit:  cfg.Digest.PerFeedLimit,
		TotalLimit:    cfg.Digest.TotalLimit,
		DefaultPrompt: cfg.Digest.DefaultPrompt,
	})

	queue := dispatch.NewQueue(db)
	scheduler := digest.NewScheduler(st, assembler, queue, cfg.Digest.LookbackHours)

	// 一次性运维命令
	if *pollNow {
		polled := p.PollDue(ctx)
		logger.Infof("[main] 手动轮询完成，处理了 %d 个订阅源", polled)
		return
	}
	if *digestNow {
		scheduler.RunDue(ctx, time.Now())
		drainQueue(ctx, queue, cfg)
		return
	}

	sender := dispatch.NewHTTPSender(cfg.Email.APIURL, cfg.Email.APIToken, cfg.Email.From)

	// 进程崩溃时卡在发送中的任务放回队列
	if err := queue.Recover(); err != nil {
		logger.Errorf("[main] 恢复邮件队列失败: %v", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	for i := 0; i < cfg.Email.WorkerCount; i++ {
		worker := dispatch.NewWorker(queue, sender, cfg.Email.MaxAttempts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	if cfg.API.Listen != "" {
		server := api.New(st, fetcher, p, assembler, scheduler, cfg.Digest.LookbackHours)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.API.Listen); err != nil {
				logger.Errorf("[main] 管理接口异常退出: %v", err)
				cancel()
			}
		}()
	}

	wg.Wait()
	logger.Info("[main] Briefly 已停止")
}

// drainQueue 处理完当前队列中的任务后返回（digest-now 模式）。
func drainQueue(ctx context.Context, queue *dispatch.Queue, cfg *config.Config) {
	sender := dispatch.NewHTTPSender(cfg.Email.APIURL, cfg.Email.APIToken, cfg.Email.From)
	worker := dispatch.NewWorker(queue, sender, cfg.Email.MaxAttempts)
	for worker.ProcessOne(ctx) {
		if ctx.Err() != nil {
			return
		}
	}
}
