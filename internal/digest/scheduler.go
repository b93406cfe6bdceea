package digest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iabetor/briefly/internal/dispatch"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/store"
)

const checkInterval = time.Minute

// Scheduler 按用户的邮件偏好（发送时刻 + 时区）触发摘要汇总和入队。
type Scheduler struct {
	store     *store.Store
	assembler *Assembler
	queue     *dispatch.Queue
	lookback  time.Duration
}

// NewScheduler 创建摘要调度器。
func NewScheduler(st *store.Store, assembler *Assembler, queue *dispatch.Queue, lookbackHours int) *Scheduler {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	return &Scheduler{
		store:     st,
		assembler: assembler,
		queue:     queue,
		lookback:  time.Duration(lookbackHours) * time.Hour,
	}
}

// Run 每分钟检查一次到点的用户，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("[digest] 摘要调度器已启动")

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[digest] 摘要调度器已停止")
			return
		case <-ticker.C:
			s.RunDue(ctx, time.Now())
		}
	}
}

// RunDue 为所有到点且今天尚未发送的用户汇总并入队摘要。
// 管理接口的手动触发也走这里，遵循相同的到点判定和幂等规则。
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	prefs, err := s.store.ListActivePreferences()
	if err != nil {
		logger.Errorf("[digest] 查询邮件偏好失败: %v", err)
		return
	}

	for _, pref := range prefs {
		if ctx.Err() != nil {
			return
		}

		due, err := isDue(pref, now)
		if err != nil {
			logger.Warnf("[digest] 用户 %s 的偏好无法判定: %v", pref.UserID, err)
			continue
		}
		if !due {
			continue
		}

		s.runUser(ctx, pref, now)
	}
}

// runUser 为单个用户汇总摘要并入队发送任务。
//
// 汇总可能耗时数分钟（逐篇调用 LLM），定时循环和管理接口的手动触发又共用同一个
// 调度器，所以先以 CAS 抢占 last_sent_at 再汇总：并发的两轮只有一方抢到，
// 另一方直接跳过，同一用户同一天不会被重复入队。
func (s *Scheduler) runUser(ctx context.Context, pref store.EmailPreference, now time.Time) {
	claimed, err := s.store.ClaimDigestDay(pref.UserID, pref.LastSentAt, now)
	if err != nil {
		logger.Errorf("[digest] 记录用户 %s 的发送时间失败: %v", pref.UserID, err)
		return
	}
	if !claimed {
		logger.Debugf("[digest] 用户 %s 已被并发的一轮处理，跳过", pref.UserID)
		return
	}

	job, err := s.assembler.Assemble(ctx, pref.UserID, now.Add(-s.lookback), now)
	if err != nil {
		// 回滚抢占，下一轮重试
		logger.Errorf("[digest] 用户 %s 摘要汇总失败: %v", pref.UserID, err)
		s.releaseClaim(pref, now)
		return
	}

	if job == nil {
		// 空摘要保留抢占记录，防止同一天内反复汇总
		logger.Infof("[digest] 用户 %s 窗口内没有新文章，跳过发送", pref.UserID)
		return
	}

	job.Email = pref.Email
	jobID, err := s.queue.Enqueue(*job)
	if err != nil {
		logger.Errorf("[digest] 用户 %s 的摘要任务入队失败: %v", pref.UserID, err)
		s.releaseClaim(pref, now)
		return
	}
	logger.Infof("[digest] 用户 %s 的摘要已入队 (job=%s, articles=%d)",
		pref.UserID, jobID, len(job.Articles))
}

func (s *Scheduler) releaseClaim(pref store.EmailPreference, claimed time.Time) {
	if err := s.store.ReleaseDigestClaim(pref.UserID, pref.LastSentAt, claimed); err != nil {
		logger.Errorf("[digest] 回滚用户 %s 的发送时间失败: %v", pref.UserID, err)
	}
}

// isDue 判断用户是否到达发送时刻：当地时间已过 send_time，且今天（当地日期）尚未发送。
func isDue(pref store.EmailPreference, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		return false, fmt.Errorf("加载时区 %s 失败: %w", pref.Timezone, err)
	}

	hour, minute, err := parseSendTime(pref.SendTime)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	sendAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if local.Before(sendAt) {
		return false, nil
	}

	if pref.LastSentAt != nil {
		lastLocal := pref.LastSentAt.In(loc)
		if lastLocal.Year() == local.Year() && lastLocal.YearDay() == local.YearDay() {
			// 今天已经发送过
			return false, nil
		}
	}
	return true, nil
}

// parseSendTime 解析 "HH:MM" 格式的发送时刻。
func parseSendTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("发送时刻格式无效: %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("发送时刻格式无效: %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("发送时刻格式无效: %q", s)
	}
	return hour, minute, nil
}
