// Package store 提供订阅源、文章、订阅关系、摘要和邮件偏好的持久化存储。
//
// 所有唯一性约束（(feed_id, guid)、(user_id, feed_id)、(user_id, article_id)）
// 由数据库 UNIQUE 约束保证，并发写入同一键时以 upsert 语义收敛，不会产生重复。
package store

import (
	"time"

	"github.com/iabetor/briefly/internal/database"
)

// Store 封装所有核心实体的数据库操作。
type Store struct {
	db *database.DB
}

// New 创建 Store。
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// FeedSource 订阅源。同一个 URL 全局只有一条记录，被多个订阅共享。
type FeedSource struct {
	ID            string
	URL           string
	Title         string
	Description   string
	SiteURL       string
	ETag          string
	LastModified  string
	LastFetched   *time.Time
	FetchStatus   string
	FetchError    string
	FailureStreak int
}

// Article 订阅源中的一篇文章。(FeedID, GUID) 唯一，入库后内容不再更新。
type Article struct {
	ID          string
	FeedID      string
	GUID        string
	Title       string
	Description string
	FullText    string
	URL         string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// Subscription 用户对订阅源的订阅关系，可携带专属摘要提示词。
type Subscription struct {
	ID         string
	UserID     string
	FeedID     string
	PromptText string
	IsActive   bool
	CreatedAt  time.Time
}

// Summary 某用户对某篇文章的 AI 摘要，(UserID, ArticleID) 唯一。
type Summary struct {
	ID         string
	UserID     string
	ArticleID  string
	PromptText string
	Content    string
}

// EmailPreference 用户的摘要邮件偏好。
type EmailPreference struct {
	UserID     string
	Email      string
	SendTime   string // "HH:MM" 格式的本地时间
	Timezone   string // IANA 时区名，如 Asia/Shanghai
	IsActive   bool
	LastSentAt *time.Time
}

// 订阅源抓取状态。
const (
	FetchStatusOK      = "ok"
	FetchStatusFailed  = "failed"
	FetchStatusPending = ""
)
