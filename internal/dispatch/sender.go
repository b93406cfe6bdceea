package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SendError 邮件发送失败，携带是否可重试的分类。
type SendError struct {
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("可重试的发送错误: %v", e.Err)
	}
	return fmt.Sprintf("不可重试的发送错误: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable 判断错误是否值得重试。未分类的错误按可重试处理。
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// Message 一封渲染完成的邮件。
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender 邮件传输能力（外部协作方）。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender 通过 Postmark 风格的 HTTP 接口发送邮件。
type HTTPSender struct {
	apiURL     string
	apiToken   string
	from       string
	httpClient *http.Client
}

// NewHTTPSender 创建 HTTP 邮件发送器。
func NewHTTPSender(apiURL, apiToken, from string) *HTTPSender {
	return &HTTPSender{
		apiURL:   apiURL,
		apiToken: apiToken,
		from:     from,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// emailRequest 发送接口的 JSON 请求体。
type emailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Send 发送一封邮件。
// 网络错误、429 和 5xx 视为可重试；其余 4xx 视为永久失败。
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(emailRequest{
		From:     s.from,
		To:       msg.To,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
	})
	if err != nil {
		return &SendError{Retryable: false, Err: fmt.Errorf("序列化邮件失败: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiURL+"/email", bytes.NewReader(body))
	if err != nil {
		return &SendError{Retryable: false, Err: fmt.Errorf("创建请求失败: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &SendError{Retryable: true, Err: fmt.Errorf("请求邮件服务失败: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	cause := fmt.Errorf("邮件服务返回 HTTP %d: %s", resp.StatusCode, string(respBody))

	// 429（限流）和 5xx 可重试，其余 4xx 是请求本身的问题
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return &SendError{Retryable: retryable, Err: cause}
}
