// Package dispatch 实现摘要邮件的持久化任务队列和发送 worker。
//
// 任务落库在 email_jobs 表中，进程重启后继续处理（至少一次投递）。
// 发送成功是终态：worker 发送前检查终态标记，同一任务确认发送后不会重发。
package dispatch

import "time"

// 任务状态。
const (
	StatusQueued  = "queued"  // 等待处理
	StatusSending = "sending" // 已被 worker 认领，发送中
	StatusSent    = "sent"    // 发送成功（终态）
	StatusFailed  = "failed"  // 重试耗尽（终态）
)

// DigestArticle 摘要邮件中的一篇文章。
type DigestArticle struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at"`
	FeedTitle   string    `json:"feed_title"`
}

// DigestJob 一次摘要邮件发送任务的载荷。
type DigestJob struct {
	UserID   string          `json:"user_id"`
	Email    string          `json:"email"`
	Overview string          `json:"overview,omitempty"`
	Articles []DigestArticle `json:"articles"`
}

// Job 队列中的一条任务记录。
type Job struct {
	ID            string
	UserID        string
	Payload       DigestJob
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}
