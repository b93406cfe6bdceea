package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iabetor/briefly/internal/database"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return New(db)
}

func mustCreateFeed(t *testing.T, s *Store, url string) *FeedSource {
	t.Helper()
	feed, _, err := s.GetOrCreateFeed(url, FeedMeta{Title: "Test Feed"})
	if err != nil {
		t.Fatalf("创建订阅源失败: %v", err)
	}
	return feed
}

func TestGetOrCreateFeed(t *testing.T) {
	s := openTestStore(t)

	feed, created, err := s.GetOrCreateFeed("https://example.com/feed.xml", FeedMeta{Title: "Blog"})
	if err != nil {
		t.Fatalf("GetOrCreateFeed 失败: %v", err)
	}
	if !created {
		t.Error("首次应创建新记录")
	}
	if feed.ID == "" {
		t.Error("ID 不应为空")
	}

	// 相同 URL 复用已有记录
	again, created, err := s.GetOrCreateFeed("https://example.com/feed.xml", FeedMeta{})
	if err != nil {
		t.Fatalf("二次 GetOrCreateFeed 失败: %v", err)
	}
	if created {
		t.Error("相同 URL 不应重复创建")
	}
	if again.ID != feed.ID {
		t.Errorf("应返回同一条记录: %s != %s", again.ID, feed.ID)
	}
}

func TestListDueFeeds(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")

	// 没有活跃订阅的源不参与轮询
	due, err := s.ListDueFeeds(time.Now())
	if err != nil {
		t.Fatalf("ListDueFeeds 失败: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("无订阅时期望 0 个，得到 %d 个", len(due))
	}

	if _, err := s.CreateSubscription("user-1", feed.ID); err != nil {
		t.Fatalf("创建订阅失败: %v", err)
	}

	// 从未抓取过的源应到期
	due, err = s.ListDueFeeds(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListDueFeeds 失败: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("期望 1 个，得到 %d 个", len(due))
	}

	// 刚抓取过的源不到期
	if err := s.TouchFeedFetched(feed.ID, time.Now()); err != nil {
		t.Fatalf("TouchFeedFetched 失败: %v", err)
	}
	due, err = s.ListDueFeeds(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListDueFeeds 失败: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("刚抓取过期望 0 个，得到 %d 个", len(due))
	}

	// 停用订阅后退出轮询
	subs, _ := s.ListUserSubscriptions("user-1", true)
	if err := s.SetSubscriptionActive(subs[0].ID, "user-1", false); err != nil {
		t.Fatalf("停用订阅失败: %v", err)
	}
	due, _ = s.ListDueFeeds(time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("订阅停用后期望 0 个，得到 %d 个", len(due))
	}
}

func TestUpdateFeedMetaKeepsPriorValues(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")

	first := time.Now().Add(-time.Minute)
	err := s.UpdateFeedMeta(feed.ID, FeedMeta{
		Title: "原标题", Description: "原描述", SiteURL: "https://example.com",
		ETag: `"v1"`,
	}, first)
	if err != nil {
		t.Fatalf("UpdateFeedMeta 失败: %v", err)
	}

	// 新抓取缺失的字段保留原值
	later := time.Now()
	if err := s.UpdateFeedMeta(feed.ID, FeedMeta{ETag: `"v2"`}, later); err != nil {
		t.Fatalf("二次 UpdateFeedMeta 失败: %v", err)
	}

	got, err := s.GetFeed(feed.ID)
	if err != nil {
		t.Fatalf("GetFeed 失败: %v", err)
	}
	if got.Title != "原标题" || got.Description != "原描述" {
		t.Errorf("缺失字段未保留原值: %+v", got)
	}
	if got.ETag != `"v2"` {
		t.Errorf("ETag 未更新: %s", got.ETag)
	}
	if got.LastFetched == nil || got.LastFetched.Before(first) {
		t.Error("last_fetched 应向前推进")
	}

	// last_fetched 只向前推进，不回退
	if err := s.UpdateFeedMeta(feed.ID, FeedMeta{}, first.Add(-time.Hour)); err != nil {
		t.Fatalf("三次 UpdateFeedMeta 失败: %v", err)
	}
	got, _ = s.GetFeed(feed.ID)
	if got.LastFetched.Before(first) {
		t.Errorf("last_fetched 回退了: %v", got.LastFetched)
	}
}

func TestRecordFetchFailure(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")

	for i := 0; i < 3; i++ {
		if err := s.RecordFetchFailure(feed.ID, errors.New("连接超时")); err != nil {
			t.Fatalf("RecordFetchFailure 失败: %v", err)
		}
	}

	got, _ := s.GetFeed(feed.ID)
	if got.FetchStatus != FetchStatusFailed {
		t.Errorf("状态不正确: %s", got.FetchStatus)
	}
	if got.FailureStreak != 3 {
		t.Errorf("连续失败计数不正确: %d", got.FailureStreak)
	}

	// 成功后失败计数清零
	if err := s.TouchFeedFetched(feed.ID, time.Now()); err != nil {
		t.Fatalf("TouchFeedFetched 失败: %v", err)
	}
	got, _ = s.GetFeed(feed.ID)
	if got.FailureStreak != 0 || got.FetchStatus != FetchStatusOK {
		t.Errorf("成功后状态未重置: %+v", got)
	}
}

func TestInsertArticleIdempotent(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")

	a := &Article{
		FeedID: feed.ID, GUID: "post-1", Title: "标题",
		URL: "https://example.com/1", PublishedAt: time.Now(),
	}
	created, err := s.InsertArticle(a)
	if err != nil {
		t.Fatalf("InsertArticle 失败: %v", err)
	}
	if !created {
		t.Error("首次写入应新建")
	}

	// 相同 (feed_id, guid) 是 no-op
	dup := &Article{
		FeedID: feed.ID, GUID: "post-1", Title: "改过的标题",
		URL: "https://example.com/1", PublishedAt: time.Now(),
	}
	created, err = s.InsertArticle(dup)
	if err != nil {
		t.Fatalf("重复 InsertArticle 失败: %v", err)
	}
	if created {
		t.Error("重复写入不应新建")
	}

	// 入库后内容不可变
	got, err := s.GetArticle(a.ID)
	if err != nil {
		t.Fatalf("GetArticle 失败: %v", err)
	}
	if got.Title != "标题" {
		t.Errorf("文章内容被修改: %s", got.Title)
	}

	if n, _ := s.CountFeedArticles(feed.ID); n != 1 {
		t.Errorf("期望 1 篇文章，得到 %d 篇", n)
	}
}

func TestSubscriptionUnique(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")

	first, err := s.CreateSubscription("user-1", feed.ID)
	if err != nil {
		t.Fatalf("CreateSubscription 失败: %v", err)
	}
	second, err := s.CreateSubscription("user-1", feed.ID)
	if err != nil {
		t.Fatalf("重复 CreateSubscription 失败: %v", err)
	}
	if first.ID != second.ID {
		t.Error("相同 (user, feed) 应返回同一条订阅")
	}

	subs, _ := s.ListUserSubscriptions("user-1", false)
	if len(subs) != 1 {
		t.Errorf("期望 1 条订阅，得到 %d 条", len(subs))
	}
}

func TestSubscriptionPromptAndDelete(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")
	sub, _ := s.CreateSubscription("user-1", feed.ID)

	if err := s.SetSubscriptionPrompt(sub.ID, "user-1", "用三句话总结"); err != nil {
		t.Fatalf("SetSubscriptionPrompt 失败: %v", err)
	}
	got, _ := s.GetSubscription(sub.ID, "user-1")
	if got.PromptText != "用三句话总结" {
		t.Errorf("提示词不正确: %s", got.PromptText)
	}

	// 其他用户无权操作
	if err := s.DeleteSubscription(sub.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound，得到: %v", err)
	}

	if err := s.DeleteSubscription(sub.ID, "user-1"); err != nil {
		t.Fatalf("DeleteSubscription 失败: %v", err)
	}
	// 订阅源记录保留
	if _, err := s.GetFeed(feed.ID); err != nil {
		t.Errorf("删除订阅后订阅源应保留: %v", err)
	}
}

func TestSaveSummaryMemoized(t *testing.T) {
	s := openTestStore(t)
	feed := mustCreateFeed(t, s, "https://example.com/feed.xml")
	a := &Article{
		FeedID: feed.ID, GUID: "post-1", Title: "标题",
		URL: "https://example.com/1", PublishedAt: time.Now(),
	}
	if _, err := s.InsertArticle(a); err != nil {
		t.Fatalf("InsertArticle 失败: %v", err)
	}

	first, err := s.SaveSummary("user-1", a.ID, "", "第一份摘要")
	if err != nil {
		t.Fatalf("SaveSummary 失败: %v", err)
	}

	// (user, article) 已有摘要时保留先写入的内容
	second, err := s.SaveSummary("user-1", a.ID, "", "第二份摘要")
	if err != nil {
		t.Fatalf("二次 SaveSummary 失败: %v", err)
	}
	if second.Content != "第一份摘要" || second.ID != first.ID {
		t.Errorf("重复保存应保留先写入的摘要: %+v", second)
	}

	if n, _ := s.CountUserSummaries("user-1"); n != 1 {
		t.Errorf("期望 1 份摘要，得到 %d 份", n)
	}
}

func TestPreferences(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertPreference(EmailPreference{
		UserID: "user-1", Email: "u@example.com",
		SendTime: "09:30", Timezone: "Asia/Shanghai", IsActive: true,
	})
	if err != nil {
		t.Fatalf("UpsertPreference 失败: %v", err)
	}

	got, err := s.GetPreference("user-1")
	if err != nil {
		t.Fatalf("GetPreference 失败: %v", err)
	}
	if got.SendTime != "09:30" || got.Timezone != "Asia/Shanghai" {
		t.Errorf("偏好不正确: %+v", got)
	}

	// 更新覆盖
	_ = s.UpsertPreference(EmailPreference{
		UserID: "user-1", Email: "u@example.com",
		SendTime: "21:00", Timezone: "UTC", IsActive: false,
	})
	got, _ = s.GetPreference("user-1")
	if got.SendTime != "21:00" || got.IsActive {
		t.Errorf("偏好未更新: %+v", got)
	}

	active, _ := s.ListActivePreferences()
	if len(active) != 0 {
		t.Errorf("停用后不应出现在活跃列表，得到 %d 条", len(active))
	}

	now := time.Now()
	claimed, err := s.ClaimDigestDay("user-1", nil, now)
	if err != nil {
		t.Fatalf("ClaimDigestDay 失败: %v", err)
	}
	if !claimed {
		t.Fatal("首次抢占应成功")
	}
	got, _ = s.GetPreference("user-1")
	if got.LastSentAt == nil {
		t.Error("last_sent_at 应被记录")
	}
}

func TestClaimDigestDayCAS(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertPreference(EmailPreference{
		UserID: "user-1", Email: "u@example.com", IsActive: true,
	})
	if err != nil {
		t.Fatalf("UpsertPreference 失败: %v", err)
	}

	now := time.Now()

	// 两轮调度读到同一个旧值（nil），只有一方能抢到
	first, err := s.ClaimDigestDay("user-1", nil, now)
	if err != nil {
		t.Fatalf("ClaimDigestDay 失败: %v", err)
	}
	second, err := s.ClaimDigestDay("user-1", nil, now)
	if err != nil {
		t.Fatalf("ClaimDigestDay 失败: %v", err)
	}
	if !first || second {
		t.Errorf("并发抢占应恰好一方成功: first=%v second=%v", first, second)
	}

	// 基于新读到的值可以继续推进
	got, _ := s.GetPreference("user-1")
	next := now.Add(24 * time.Hour)
	ok, err := s.ClaimDigestDay("user-1", got.LastSentAt, next)
	if err != nil {
		t.Fatalf("ClaimDigestDay 失败: %v", err)
	}
	if !ok {
		t.Error("基于当前值的抢占应成功")
	}
}

func TestReleaseDigestClaim(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertPreference(EmailPreference{
		UserID: "user-1", Email: "u@example.com", IsActive: true,
	})
	if err != nil {
		t.Fatalf("UpsertPreference 失败: %v", err)
	}

	now := time.Now()
	if ok, _ := s.ClaimDigestDay("user-1", nil, now); !ok {
		t.Fatal("抢占应成功")
	}

	// 回滚到抢占前的值（从未发送）
	if err := s.ReleaseDigestClaim("user-1", nil, now); err != nil {
		t.Fatalf("ReleaseDigestClaim 失败: %v", err)
	}
	got, _ := s.GetPreference("user-1")
	if got.LastSentAt != nil {
		t.Errorf("回滚后 last_sent_at 应为空: %v", got.LastSentAt)
	}

	// 回滚后可以重新抢占
	if ok, _ := s.ClaimDigestDay("user-1", nil, now); !ok {
		t.Error("回滚后应能重新抢占")
	}

	// 持有值不匹配时回滚不生效
	other := now.Add(time.Hour)
	if err := s.ReleaseDigestClaim("user-1", nil, other); err != nil {
		t.Fatalf("ReleaseDigestClaim 失败: %v", err)
	}
	got, _ = s.GetPreference("user-1")
	if got.LastSentAt == nil {
		t.Error("未持有抢占时回滚不应清空 last_sent_at")
	}
}
