// Package api 提供订阅管理和运维触发的 HTTP 接口。
//
// 认证由外部网关层负责，这里信任网关注入的 X-User-ID 头。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iabetor/briefly/internal/digest"
	"github.com/iabetor/briefly/internal/feed"
	"github.com/iabetor/briefly/internal/logger"
	"github.com/iabetor/briefly/internal/poller"
	"github.com/iabetor/briefly/internal/store"
)

// Server 管理接口服务。
type Server struct {
	store     *store.Store
	fetcher   *feed.Fetcher
	poller    *poller.Poller
	assembler *digest.Assembler
	scheduler *digest.Scheduler
	lookback  time.Duration

	httpServer *http.Server
}

// New 创建管理接口服务。
func New(st *store.Store, fetcher *feed.Fetcher, p *poller.Poller,
	assembler *digest.Assembler, scheduler *digest.Scheduler, lookbackHours int) *Server {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	return &Server{
		store:     st,
		fetcher:   fetcher,
		poller:    p,
		assembler: assembler,
		scheduler: scheduler,
		lookback:  time.Duration(lookbackHours) * time.Hour,
	}
}

// Router 构建路由。
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	user := r.Group("/", requireUser())
	{
		user.POST("/feeds", s.addFeed)
		user.GET("/subscriptions", s.listSubscriptions)
		user.PATCH("/subscriptions/:id", s.updateSubscription)
		user.DELETE("/subscriptions/:id", s.deleteSubscription)
		user.GET("/preferences", s.getPreference)
		user.PUT("/preferences", s.putPreference)
		user.GET("/digest/preview", s.digestPreview)
	}

	admin := r.Group("/admin")
	{
		admin.POST("/poll", s.triggerPoll)
		admin.POST("/digest", s.triggerDigest)
	}

	return r
}

// Run 启动 HTTP 服务并阻塞到 ctx 取消。
func (s *Server) Run(ctx context.Context, listen string) error {
	s.httpServer = &http.Server{
		Addr:    listen,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[api] 管理接口已启动: %s", listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requireUser 校验并提取网关注入的用户标识。
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少用户标识"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString("userID")
}

// addFeed 按 URL 添加订阅：校验订阅源、创建或复用 FeedSource、建立订阅并触发首次抓取。
func (s *Server) addFeed(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少订阅源 URL"})
		return
	}

	meta, err := s.fetcher.Validate(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	feedSource, created, err := s.store.GetOrCreateFeed(req.URL, store.FeedMeta{
		Title:       meta.Title,
		Description: meta.Description,
		SiteURL:     meta.SiteURL,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.store.CreateSubscription(currentUser(c), feedSource.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 首次抓取异步执行，不阻塞接口返回
	if created {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.poller.PollFeed(ctx, feedSource.ID); err != nil {
				logger.Warnf("[api] 订阅源 %s 首次抓取失败: %v", feedSource.URL, err)
			}
		}()
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": subscriptionJSON(sub),
		"feed":         feedJSON(feedSource),
	})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.store.ListUserSubscriptions(currentUser(c), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		item := subscriptionJSON(&sub)
		if feedSource, err := s.store.GetFeed(sub.FeedID); err == nil {
			item["feed"] = feedJSON(feedSource)
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, out)
}

// updateSubscription 启用/停用订阅或设置专属提示词。
func (s *Server) updateSubscription(c *gin.Context) {
	var req struct {
		IsActive   *bool   `json:"is_active"`
		PromptText *string `json:"prompt_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}

	id := c.Param("id")
	userID := currentUser(c)

	if req.IsActive != nil {
		if err := s.store.SetSubscriptionActive(id, userID, *req.IsActive); err != nil {
			s.subscriptionError(c, err)
			return
		}
	}
	if req.PromptText != nil {
		if err := s.store.SetSubscriptionPrompt(id, userID, *req.PromptText); err != nil {
			s.subscriptionError(c, err)
			return
		}
	}

	sub, err := s.store.GetSubscription(id, userID)
	if err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionJSON(sub))
}

func (s *Server) deleteSubscription(c *gin.Context) {
	if err := s.store.DeleteSubscription(c.Param("id"), currentUser(c)); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) subscriptionError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "订阅不存在"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) getPreference(c *gin.Context) {
	pref, err := s.store.GetPreference(currentUser(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "尚未设置邮件偏好"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preferenceJSON(pref))
}

func (s *Server) putPreference(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		SendTime string `json:"send_time"`
		Timezone string `json:"timezone"`
		IsActive *bool  `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少邮箱地址"})
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	pref := store.EmailPreference{
		UserID:   currentUser(c),
		Email:    req.Email,
		SendTime: req.SendTime,
		Timezone: req.Timezone,
		IsActive: isActive,
	}
	if err := s.store.UpsertPreference(pref); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	saved, err := s.store.GetPreference(pref.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preferenceJSON(saved))
}

// digestPreview 只读地汇总当前窗口的摘要内容，不入队发送。
func (s *Server) digestPreview(c *gin.Context) {
	now := time.Now()
	job, err := s.assembler.Assemble(c.Request.Context(), currentUser(c), now.Add(-s.lookback), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusOK, gin.H{"articles": []gin.H{}, "empty": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"overview": job.Overview,
		"articles": job.Articles,
		"empty":    false,
	})
}

// triggerPoll 手动触发一轮订阅源轮询（运维用）。
func (s *Server) triggerPoll(c *gin.Context) {
	polled := s.poller.PollDue(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"polled": polled})
}

// triggerDigest 手动触发一轮摘要检查（运维用），遵循正常的到点和幂等规则。
func (s *Server) triggerDigest(c *gin.Context) {
	s.scheduler.RunDue(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"triggered": true})
}

func subscriptionJSON(sub *store.Subscription) gin.H {
	return gin.H{
		"id":          sub.ID,
		"feed_id":     sub.FeedID,
		"prompt_text": sub.PromptText,
		"is_active":   sub.IsActive,
	}
}

func feedJSON(f *store.FeedSource) gin.H {
	return gin.H{
		"id":           f.ID,
		"url":          f.URL,
		"title":        f.Title,
		"description":  f.Description,
		"site_url":     f.SiteURL,
		"fetch_status": f.FetchStatus,
	}
}

func preferenceJSON(p *store.EmailPreference) gin.H {
	return gin.H{
		"user_id":   p.UserID,
		"email":     p.Email,
		"send_time": p.SendTime,
		"timezone":  p.Timezone,
		"is_active": p.IsActive,
	}
}
