package dispatch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iabetor/briefly/internal/database"
	"github.com/iabetor/briefly/internal/logger"
)

// Queue 基于 SQLite 的持久化邮件任务队列。
type Queue struct {
	db *database.DB
}

// NewQueue 创建任务队列。
func NewQueue(db *database.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue 入队一个摘要邮件任务，返回任务 ID。
func (q *Queue) Enqueue(job DigestJob) (string, error) {
	if len(job.Articles) == 0 {
		return "", fmt.Errorf("拒绝入队空摘要任务 (user=%s)", job.UserID)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("序列化任务载荷失败: %w", err)
	}

	id := uuid.NewString()
	_, err = q.db.Exec(
		`INSERT INTO email_jobs (id, user_id, payload, status, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, job.UserID, string(payload), StatusQueued, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("任务入队失败: %w", err)
	}
	return id, nil
}

// Claim 认领一个到期的待处理任务并置为 sending，没有任务时返回 nil。
// 状态条件更新保证同一任务同时只有一个 worker 在处理。
func (q *Queue) Claim() (*Job, error) {
	now := time.Now()
	row := q.db.QueryRow(
		`SELECT id, user_id, payload, status, attempts, next_attempt_at, last_error
		 FROM email_jobs
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC LIMIT 1`,
		StatusQueued, now,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := q.db.Exec(
		`UPDATE email_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		StatusSending, job.ID, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("认领任务失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 被其他 worker 抢先认领
		return nil, nil
	}
	job.Status = StatusSending
	return job, nil
}

// Get 按 ID 查找任务。
func (q *Queue) Get(id string) (*Job, error) {
	row := q.db.QueryRow(
		`SELECT id, user_id, payload, status, attempts, next_attempt_at, last_error
		 FROM email_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("任务 %s 不存在", id)
	}
	return job, err
}

// MarkSent 将任务标记为发送成功（终态，不再重投）。
func (q *Queue) MarkSent(id string) error {
	_, err := q.db.Exec(
		`UPDATE email_jobs SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		StatusSent, id,
	)
	if err != nil {
		return fmt.Errorf("标记任务成功失败: %w", err)
	}
	return nil
}

// Retry 发送失败后把任务放回队列，在 nextAttempt 之后重试。
func (q *Queue) Retry(id string, attempts int, nextAttempt time.Time, sendErr error) error {
	_, err := q.db.Exec(
		`UPDATE email_jobs SET status = ?, attempts = ?, next_attempt_at = ?,
			last_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		StatusQueued, attempts, nextAttempt, sendErr.Error(), id,
	)
	if err != nil {
		return fmt.Errorf("安排任务重试失败: %w", err)
	}
	return nil
}

// MarkFailed 将任务标记为永久失败（终态）。
func (q *Queue) MarkFailed(id string, attempts int, sendErr error) error {
	_, err := q.db.Exec(
		`UPDATE email_jobs SET status = ?, attempts = ?, last_error = ?,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		StatusFailed, attempts, sendErr.Error(), id,
	)
	if err != nil {
		return fmt.Errorf("标记任务失败状态失败: %w", err)
	}
	return nil
}

// Recover 把进程崩溃时卡在 sending 的任务放回队列。
// 应在 worker 启动前调用一次；由此产生的重复投递由发送前的终态检查兜底。
func (q *Queue) Recover() error {
	res, err := q.db.Exec(
		`UPDATE email_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE status = ?`,
		StatusQueued, StatusSending,
	)
	if err != nil {
		return fmt.Errorf("恢复未完成任务失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warnf("[dispatch] 恢复了 %d 个未完成的发送任务", n)
	}
	return nil
}

// CountByStatus 按状态统计任务数，用于观测。
func (q *Queue) CountByStatus(status string) (int, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM email_jobs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计任务数失败: %w", err)
	}
	return n, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var payload string
	err := row.Scan(&job.ID, &job.UserID, &payload, &job.Status,
		&job.Attempts, &job.NextAttemptAt, &job.LastError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("解析任务载荷失败: %w", err)
	}
	return &job, nil
}
