package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GetSummary 查找某用户对某文章的已有摘要。
func (s *Store) GetSummary(userID, articleID string) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, article_id, prompt_text, content FROM summaries
		 WHERE user_id = ? AND article_id = ?`,
		userID, articleID,
	)
	var sum Summary
	err := row.Scan(&sum.ID, &sum.UserID, &sum.ArticleID, &sum.PromptText, &sum.Content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取摘要记录失败: %w", err)
	}
	return &sum, nil
}

// SaveSummary 保存摘要。(user_id, article_id) 已存在时保留先写入的内容，
// 返回最终库内的摘要（并发写入时以先到者为准）。
func (s *Store) SaveSummary(userID, articleID, promptText, content string) (*Summary, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO summaries (id, user_id, article_id, prompt_text, content)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, article_id) DO NOTHING`,
		id, userID, articleID, promptText, content,
	)
	if err != nil {
		return nil, fmt.Errorf("写入摘要失败: %w", err)
	}
	return s.GetSummary(userID, articleID)
}

// CountUserSummaries 统计某用户的摘要总数。
func (s *Store) CountUserSummaries(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM summaries WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计摘要数失败: %w", err)
	}
	return n, nil
}
