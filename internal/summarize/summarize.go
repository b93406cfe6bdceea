// Package summarize 封装外部大模型的文章摘要能力。
//
// 摘要生成被视为黑盒外部协作方：本模块只定义调用时机和结果缓存，
// 调用失败由上层降级处理（回退到文章原始描述）。
package summarize

import "context"

// Summarizer 文章摘要能力。
type Summarizer interface {
	// Summarize 根据提示词为文章生成摘要。promptText 为空时由实现使用默认提示词。
	Summarize(ctx context.Context, title, content, promptText string) (string, error)
}
