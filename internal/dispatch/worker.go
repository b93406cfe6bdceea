package dispatch

import (
	"context"
	"time"

	"github.com/iabetor/briefly/internal/logger"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 5
	baseBackoff         = time.Minute
	maxBackoff          = 30 * time.Minute
)

// Worker 从队列拉取任务并发送邮件，失败时按指数退避重试。
type Worker struct {
	queue        *Queue
	sender       Sender
	maxAttempts  int
	pollInterval time.Duration
}

// NewWorker 创建发送 worker。maxAttempts 为 0 时使用默认上限。
func NewWorker(queue *Queue, sender Sender, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		queue:        queue,
		sender:       sender,
		maxAttempts:  maxAttempts,
		pollInterval: defaultPollInterval,
	}
}

// Run 循环处理队列任务直到 ctx 取消。应在调用前先执行 Queue.Recover。
func (w *Worker) Run(ctx context.Context) {
	logger.Infof("[dispatch] 发送 worker 已启动 (max_attempts=%d)", w.maxAttempts)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// 连续处理直到队列暂时为空
		for w.ProcessOne(ctx) {
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("[dispatch] 发送 worker 已停止")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne 认领并处理一个任务，返回是否处理了任务。
func (w *Worker) ProcessOne(ctx context.Context) bool {
	job, err := w.queue.Claim()
	if err != nil {
		logger.Errorf("[dispatch] 认领任务失败: %v", err)
		return false
	}
	if job == nil {
		return false
	}

	w.process(ctx, job)
	return true
}

// process 发送单个任务的邮件并落盘结果状态。
func (w *Worker) process(ctx context.Context, job *Job) {
	// 终态检查：崩溃恢复可能重投已发送的任务，这里兜底防止重复发信
	current, err := w.queue.Get(job.ID)
	if err != nil {
		logger.Errorf("[dispatch] 读取任务 %s 失败: %v", job.ID, err)
		return
	}
	if current.Status == StatusSent {
		logger.Warnf("[dispatch] 任务 %s 已发送过，跳过", job.ID)
		return
	}

	msg, err := Render(job.Payload)
	if err != nil {
		// 渲染失败是载荷问题，重试无意义
		logger.Errorf("[dispatch] 任务 %s 渲染失败: %v", job.ID, err)
		_ = w.queue.MarkFailed(job.ID, job.Attempts+1, err)
		return
	}
	msg.To = job.Payload.Email

	err = w.sender.Send(ctx, msg)
	attempts := job.Attempts + 1

	if err == nil {
		if markErr := w.queue.MarkSent(job.ID); markErr != nil {
			logger.Errorf("[dispatch] 标记任务 %s 成功状态失败: %v", job.ID, markErr)
			return
		}
		logger.Infof("[dispatch] 摘要邮件已发送 (user=%s, articles=%d, attempts=%d)",
			job.UserID, len(job.Payload.Articles), attempts)
		return
	}

	if !IsRetryable(err) {
		logger.Errorf("[dispatch] 任务 %s 永久失败: %v", job.ID, err)
		_ = w.queue.MarkFailed(job.ID, attempts, err)
		return
	}

	if attempts >= w.maxAttempts {
		// 重试耗尽，进入终态并告警，不再无限重投
		logger.Errorf("[dispatch] 任务 %s 重试 %d 次后放弃: %v", job.ID, attempts, err)
		_ = w.queue.MarkFailed(job.ID, attempts, err)
		return
	}

	delay := backoff(attempts)
	logger.Warnf("[dispatch] 任务 %s 发送失败（第 %d 次），%s 后重试: %v",
		job.ID, attempts, delay, err)
	_ = w.queue.Retry(job.ID, attempts, time.Now().Add(delay), err)
}

// backoff 计算第 n 次失败后的指数退避时长。
func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
