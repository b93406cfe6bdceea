package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// htmlTemplate 摘要邮件的 HTML 模板。
var htmlTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Briefly 每日摘要</title>
</head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #334155; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="text-align: center; margin-bottom: 32px;">
    <h1 style="color: #1e293b; margin: 0;">Briefly</h1>
    <p style="color: #64748b; margin: 8px 0 0 0;">您的每日 AI 摘要</p>
  </div>
{{if .Overview}}
  <div style="background-color: #dbeafe; padding: 20px; border-radius: 8px; margin-bottom: 32px;">
    <h2 style="margin: 0 0 16px 0; color: #1e40af;">今日要点</h2>
    <p style="margin: 0; color: #1e3a8a;">{{.Overview}}</p>
  </div>
{{end}}
  <h2 style="color: #1e293b; border-bottom: 2px solid #e2e8f0; padding-bottom: 8px;">文章（{{len .Articles}}）</h2>
{{range .Articles}}
  <div style="margin-bottom: 24px; padding: 16px; border-left: 4px solid #3b82f6; background-color: #f8fafc;">
    <h3 style="margin: 0 0 8px 0;"><a href="{{.URL}}" style="color: #1e293b; text-decoration: none;">{{.Title}}</a></h3>
    <p style="margin: 0 0 8px 0; color: #64748b; font-size: 14px;">来自 {{.FeedTitle}} · {{.PublishedAt.Format "2006-01-02"}}</p>
    <p style="margin: 0; color: #475569;">{{.Summary}}</p>
  </div>
{{end}}
  <div style="margin-top: 40px; padding-top: 20px; border-top: 1px solid #e2e8f0; text-align: center; color: #64748b; font-size: 14px;">
    <p>您收到这封邮件是因为您订阅了 Briefly 摘要服务。</p>
  </div>
</body>
</html>`))

// Render 渲染摘要邮件的 HTML 和纯文本正文。
func Render(job DigestJob) (Message, error) {
	var html bytes.Buffer
	if err := htmlTemplate.Execute(&html, job); err != nil {
		return Message{}, fmt.Errorf("渲染 HTML 邮件失败: %w", err)
	}

	var text bytes.Buffer
	fmt.Fprintf(&text, "BRIEFLY - 每日 AI 摘要\n%s\n\n", time.Now().Format("2006-01-02"))
	if job.Overview != "" {
		fmt.Fprintf(&text, "今日要点\n%s\n\n", job.Overview)
	}
	fmt.Fprintf(&text, "文章（%d）\n\n", len(job.Articles))
	for _, a := range job.Articles {
		fmt.Fprintf(&text, "%s\n来自 %s · %s\n%s\n阅读原文: %s\n\n---\n\n",
			a.Title, a.FeedTitle, a.PublishedAt.Format("2006-01-02"), a.Summary, a.URL)
	}

	return Message{
		Subject:  fmt.Sprintf("您的 Briefly 每日摘要 - %s", time.Now().Format("2006-01-02")),
		HTMLBody: html.String(),
		TextBody: text.String(),
	}, nil
}
