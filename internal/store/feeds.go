package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 查询的记录不存在。
var ErrNotFound = errors.New("记录不存在")

// FeedMeta 一次成功抓取得到的订阅源元数据。
type FeedMeta struct {
	Title        string
	Description  string
	SiteURL      string
	ETag         string
	LastModified string
}

// GetOrCreateFeed 按 URL 查找订阅源，不存在则创建。
// 返回订阅源和是否新建。
func (s *Store) GetOrCreateFeed(url string, meta FeedMeta) (*FeedSource, bool, error) {
	if feed, err := s.GetFeedByURL(url); err == nil {
		return feed, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO feed_sources (id, url, title, description, site_url)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		id, url, meta.Title, meta.Description, meta.SiteURL,
	)
	if err != nil {
		return nil, false, fmt.Errorf("创建订阅源失败: %w", err)
	}

	// 并发创建时可能命中冲突，以库内记录为准
	feed, err := s.GetFeedByURL(url)
	if err != nil {
		return nil, false, err
	}
	return feed, feed.ID == id, nil
}

// GetFeed 按 ID 查找订阅源。
func (s *Store) GetFeed(id string) (*FeedSource, error) {
	row := s.db.QueryRow(feedSelect+` WHERE id = ?`, id)
	return scanFeed(row)
}

// GetFeedByURL 按 URL 查找订阅源。
func (s *Store) GetFeedByURL(url string) (*FeedSource, error) {
	row := s.db.QueryRow(feedSelect+` WHERE url = ?`, url)
	return scanFeed(row)
}

// ListDueFeeds 列出需要轮询的订阅源：从未抓取过，或上次抓取早于 staleBefore，
// 且至少有一个活跃订阅。
func (s *Store) ListDueFeeds(staleBefore time.Time) ([]FeedSource, error) {
	rows, err := s.db.Query(
		feedSelect+` WHERE (last_fetched IS NULL OR last_fetched < ?)
		 AND EXISTS (
			SELECT 1 FROM subscriptions sub
			WHERE sub.feed_id = feed_sources.id AND sub.is_active = 1
		 )
		 ORDER BY last_fetched ASC`,
		staleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("查询待轮询订阅源失败: %w", err)
	}
	defer rows.Close()

	var feeds []FeedSource
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

// UpdateFeedMeta 抓取成功后更新订阅源元数据并刷新 last_fetched。
// 新抓取缺失的字段保留原值；last_fetched 只向前推进。
func (s *Store) UpdateFeedMeta(id string, meta FeedMeta, fetchedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE feed_sources SET
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			description = CASE WHEN ? != '' THEN ? ELSE description END,
			site_url = CASE WHEN ? != '' THEN ? ELSE site_url END,
			etag = ?,
			last_modified = ?,
			last_fetched = CASE WHEN last_fetched IS NULL OR last_fetched < ? THEN ? ELSE last_fetched END,
			fetch_status = ?,
			fetch_error = '',
			failure_streak = 0
		 WHERE id = ?`,
		meta.Title, meta.Title,
		meta.Description, meta.Description,
		meta.SiteURL, meta.SiteURL,
		meta.ETag, meta.LastModified,
		fetchedAt, fetchedAt,
		FetchStatusOK, id,
	)
	if err != nil {
		return fmt.Errorf("更新订阅源元数据失败: %w", err)
	}
	return nil
}

// TouchFeedFetched 收到 304 时只刷新 last_fetched 和状态，元数据不变。
func (s *Store) TouchFeedFetched(id string, fetchedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE feed_sources SET
			last_fetched = CASE WHEN last_fetched IS NULL OR last_fetched < ? THEN ? ELSE last_fetched END,
			fetch_status = ?, fetch_error = '', failure_streak = 0
		 WHERE id = ?`,
		fetchedAt, fetchedAt, FetchStatusOK, id,
	)
	if err != nil {
		return fmt.Errorf("刷新订阅源抓取时间失败: %w", err)
	}
	return nil
}

// RecordFetchFailure 记录一次抓取失败。
// 失败的订阅源不会退出轮询，下个周期继续重试；failure_streak 仅用于观测。
func (s *Store) RecordFetchFailure(id string, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	_, err := s.db.Exec(
		`UPDATE feed_sources SET
			fetch_status = ?, fetch_error = ?, failure_streak = failure_streak + 1
		 WHERE id = ?`,
		FetchStatusFailed, msg, id,
	)
	if err != nil {
		return fmt.Errorf("记录抓取失败状态失败: %w", err)
	}
	return nil
}

const feedSelect = `SELECT id, url, title, description, site_url, etag,
	last_modified, last_fetched, fetch_status, fetch_error, failure_streak
	FROM feed_sources`

// rowScanner 兼容 *sql.Row 和 *sql.Rows。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner) (*FeedSource, error) {
	var f FeedSource
	var lastFetched sql.NullTime
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Description, &f.SiteURL,
		&f.ETag, &f.LastModified, &lastFetched, &f.FetchStatus,
		&f.FetchError, &f.FailureStreak)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取订阅源记录失败: %w", err)
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		f.LastFetched = &t
	}
	return &f, nil
}
