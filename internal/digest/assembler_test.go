package digest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iabetor/briefly/internal/database"
	"github.com/iabetor/briefly/internal/store"
)

// fakeSummarizer 记录调用次数的假摘要器。
type fakeSummarizer struct {
	calls   int64
	failing bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, title, content, promptText string) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.failing {
		return "", errors.New("模型超时")
	}
	return "摘要: " + title, nil
}

func openTestDB(t *testing.T) (*store.Store, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return store.New(db), db
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, _ := openTestDB(t)
	return st
}

// seedFeed 建一个订阅源、一条订阅和 n 篇窗口内的文章。
func seedFeed(t *testing.T, st *store.Store, userID, url string, n int) *store.FeedSource {
	t.Helper()
	feed, _, err := st.GetOrCreateFeed(url, store.FeedMeta{Title: "源 " + url})
	if err != nil {
		t.Fatalf("创建订阅源失败: %v", err)
	}
	if _, err := st.CreateSubscription(userID, feed.ID); err != nil {
		t.Fatalf("创建订阅失败: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := st.InsertArticle(&store.Article{
			FeedID:      feed.ID,
			GUID:        fmt.Sprintf("%s-%d", url, i),
			Title:       fmt.Sprintf("文章 %d", i),
			Description: "原始描述",
			URL:         fmt.Sprintf("%s/%d", url, i),
			PublishedAt: time.Now().Add(-time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("写入文章失败: %v", err)
		}
	}
	return feed
}

func window() (time.Time, time.Time) {
	now := time.Now()
	return now.Add(-24 * time.Hour), now
}

func TestAssembleEmpty(t *testing.T) {
	st := openTestStore(t)
	a := NewAssembler(st, &fakeSummarizer{}, Options{})

	start, end := window()
	job, err := a.Assemble(context.Background(), "user-1", start, end)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if job != nil {
		t.Errorf("没有文章时应返回 nil，得到: %+v", job)
	}
}

func TestAssembleTwoSubscriptions(t *testing.T) {
	st := openTestStore(t)
	seedFeed(t, st, "user-1", "https://a.example.com", 2)
	seedFeed(t, st, "user-1", "https://b.example.com", 2)

	a := NewAssembler(st, &fakeSummarizer{}, Options{})
	start, end := window()
	job, err := a.Assemble(context.Background(), "user-1", start, end)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if job == nil {
		t.Fatal("期望非空摘要")
	}
	if len(job.Articles) != 4 {
		t.Fatalf("期望 4 篇文章，得到 %d 篇", len(job.Articles))
	}

	// 全局按发布时间倒序
	for i := 1; i < len(job.Articles); i++ {
		if job.Articles[i].PublishedAt.After(job.Articles[i-1].PublishedAt) {
			t.Errorf("文章未按时间倒序: %v 在 %v 之后",
				job.Articles[i].PublishedAt, job.Articles[i-1].PublishedAt)
		}
	}
}

func TestAssembleMemoizesSummaries(t *testing.T) {
	st := openTestStore(t)
	seedFeed(t, st, "user-1", "https://a.example.com", 2)

	summarizer := &fakeSummarizer{}
	a := NewAssembler(st, summarizer, Options{})
	start, end := window()

	if _, err := a.Assemble(context.Background(), "user-1", start, end); err != nil {
		t.Fatalf("首次 Assemble 失败: %v", err)
	}
	firstCalls := atomic.LoadInt64(&summarizer.calls)

	// 二次汇总应复用已有摘要，每篇文章的摘要只生成一次
	if _, err := a.Assemble(context.Background(), "user-1", start, end); err != nil {
		t.Fatalf("二次 Assemble 失败: %v", err)
	}
	secondCalls := atomic.LoadInt64(&summarizer.calls)

	// 每轮有一次整体要点调用，单篇摘要不应重复生成
	perArticleFirst := firstCalls - 1
	perArticleSecond := secondCalls - firstCalls - 1
	if perArticleFirst != 2 {
		t.Errorf("首轮应为每篇文章各调用一次，得到 %d 次", perArticleFirst)
	}
	if perArticleSecond != 0 {
		t.Errorf("二轮不应再生成单篇摘要，多调用了 %d 次", perArticleSecond)
	}

	if n, _ := st.CountUserSummaries("user-1"); n != 2 {
		t.Errorf("期望 2 份摘要，得到 %d 份", n)
	}
}

func TestAssembleSummarizeFailureFallsBack(t *testing.T) {
	st := openTestStore(t)
	seedFeed(t, st, "user-1", "https://a.example.com", 1)

	a := NewAssembler(st, &fakeSummarizer{failing: true}, Options{})
	start, end := window()
	job, err := a.Assemble(context.Background(), "user-1", start, end)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if job == nil || len(job.Articles) != 1 {
		t.Fatal("摘要失败不应排除文章")
	}
	// 降级为文章原始描述
	if job.Articles[0].Summary != "原始描述" {
		t.Errorf("应降级为原始描述: %q", job.Articles[0].Summary)
	}
	// 失败结果不落库
	if n, _ := st.CountUserSummaries("user-1"); n != 0 {
		t.Errorf("失败的摘要不应落库，得到 %d 份", n)
	}
}

func TestAssembleTotalLimit(t *testing.T) {
	st := openTestStore(t)
	seedFeed(t, st, "user-1", "https://a.example.com", 5)

	a := NewAssembler(st, nil, Options{TotalLimit: 3})
	start, end := window()
	job, err := a.Assemble(context.Background(), "user-1", start, end)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if len(job.Articles) != 3 {
		t.Errorf("单封上限未生效，得到 %d 篇", len(job.Articles))
	}
}

func TestAssembleInactiveSubscriptionExcluded(t *testing.T) {
	st := openTestStore(t)
	feed := seedFeed(t, st, "user-1", "https://a.example.com", 2)

	subs, _ := st.ListUserSubscriptions("user-1", true)
	if err := st.SetSubscriptionActive(subs[0].ID, "user-1", false); err != nil {
		t.Fatalf("停用订阅失败: %v", err)
	}
	_ = feed

	a := NewAssembler(st, nil, Options{})
	start, end := window()
	job, err := a.Assemble(context.Background(), "user-1", start, end)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if job != nil {
		t.Error("停用的订阅不应贡献文章")
	}
}
