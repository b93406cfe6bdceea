package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertPreference 创建或更新用户的邮件偏好。
func (s *Store) UpsertPreference(p EmailPreference) error {
	if p.SendTime == "" {
		p.SendTime = "08:00"
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	_, err := s.db.Exec(
		`INSERT INTO email_preferences (user_id, email, send_time, timezone, is_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			send_time = excluded.send_time,
			timezone = excluded.timezone,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP`,
		p.UserID, p.Email, p.SendTime, p.Timezone, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("保存邮件偏好失败: %w", err)
	}
	return nil
}

// GetPreference 查找用户的邮件偏好。
func (s *Store) GetPreference(userID string) (*EmailPreference, error) {
	row := s.db.QueryRow(prefSelect+` WHERE user_id = ?`, userID)
	return scanPreference(row)
}

// ListActivePreferences 列出所有启用了摘要邮件的用户偏好。
func (s *Store) ListActivePreferences() ([]EmailPreference, error) {
	rows, err := s.db.Query(prefSelect + ` WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("查询邮件偏好失败: %w", err)
	}
	defer rows.Close()

	var prefs []EmailPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, *p)
	}
	return prefs, rows.Err()
}

// ClaimDigestDay 以 CAS 方式把 last_sent_at 从 prev 推进到 t，抢占本轮发送。
// prev 必须是调用方读到的当前值（nil 表示从未发送）；并发抢占时只有一方成功，
// 返回 false 表示已被其他一轮处理。
func (s *Store) ClaimDigestDay(userID string, prev *time.Time, t time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE email_preferences SET last_sent_at = ?
		 WHERE user_id = ? AND ((last_sent_at IS NULL AND ? IS NULL) OR last_sent_at = ?)`,
		t, userID, prev, prev)
	if err != nil {
		return false, fmt.Errorf("抢占摘要发送时间失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("抢占摘要发送时间失败: %w", err)
	}
	return n > 0, nil
}

// ReleaseDigestClaim 回滚 ClaimDigestDay：把 last_sent_at 从 claimed 恢复为 prev，
// 让下一轮调度可以重试。仅在本轮确实持有抢占时生效。
func (s *Store) ReleaseDigestClaim(userID string, prev *time.Time, claimed time.Time) error {
	_, err := s.db.Exec(
		`UPDATE email_preferences SET last_sent_at = ? WHERE user_id = ? AND last_sent_at = ?`,
		prev, userID, claimed)
	if err != nil {
		return fmt.Errorf("回滚摘要发送时间失败: %w", err)
	}
	return nil
}

const prefSelect = `SELECT user_id, email, send_time, timezone, is_active, last_sent_at
	FROM email_preferences`

func scanPreference(row rowScanner) (*EmailPreference, error) {
	var p EmailPreference
	var lastSent sql.NullTime
	err := row.Scan(&p.UserID, &p.Email, &p.SendTime, &p.Timezone, &p.IsActive, &lastSent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取邮件偏好失败: %w", err)
	}
	if lastSent.Valid {
		t := lastSent.Time
		p.LastSentAt = &t
	}
	return &p, nil
}
