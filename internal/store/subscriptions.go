package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateSubscription 创建订阅关系。(user_id, feed_id) 已存在时返回已有记录。
func (s *Store) CreateSubscription(userID, feedID string) (*Subscription, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (id, user_id, feed_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, feed_id) DO NOTHING`,
		id, userID, feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("创建订阅失败: %w", err)
	}

	row := s.db.QueryRow(
		subSelect+` WHERE user_id = ? AND feed_id = ?`, userID, feedID)
	return scanSubscription(row)
}

// GetSubscription 按 ID 查找订阅，限定所属用户。
func (s *Store) GetSubscription(id, userID string) (*Subscription, error) {
	row := s.db.QueryRow(subSelect+` WHERE id = ? AND user_id = ?`, id, userID)
	return scanSubscription(row)
}

// ListUserSubscriptions 列出用户的订阅。activeOnly 为 true 时只返回活跃订阅。
func (s *Store) ListUserSubscriptions(userID string, activeOnly bool) ([]Subscription, error) {
	query := subSelect + ` WHERE user_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("查询用户订阅失败: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// SetSubscriptionActive 启用或停用订阅。
func (s *Store) SetSubscriptionActive(id, userID string, active bool) error {
	return s.updateSubscription(id, userID,
		`UPDATE subscriptions SET is_active = ? WHERE id = ? AND user_id = ?`, active)
}

// SetSubscriptionPrompt 设置订阅专属摘要提示词，空字符串表示恢复默认。
func (s *Store) SetSubscriptionPrompt(id, userID, promptText string) error {
	return s.updateSubscription(id, userID,
		`UPDATE subscriptions SET prompt_text = ? WHERE id = ? AND user_id = ?`, promptText)
}

// DeleteSubscription 删除订阅。订阅源记录保留（可能被其他订阅引用）。
func (s *Store) DeleteSubscription(id, userID string) error {
	res, err := s.db.Exec(
		`DELETE FROM subscriptions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("删除订阅失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) updateSubscription(id, userID, query string, value interface{}) error {
	res, err := s.db.Exec(query, value, id, userID)
	if err != nil {
		return fmt.Errorf("更新订阅失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const subSelect = `SELECT id, user_id, feed_id, prompt_text, is_active, created_at
	FROM subscriptions`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.FeedID, &sub.PromptText,
		&sub.IsActive, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取订阅记录失败: %w", err)
	}
	return &sub, nil
}
