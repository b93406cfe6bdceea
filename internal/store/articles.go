package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertArticle 插入一篇文章。
// (feed_id, guid) 已存在时不做任何修改（文章入库后不可变），返回是否新建。
// 这是去重幂等的核心操作：同一条目重复入库是无副作用的 no-op。
func (s *Store) InsertArticle(a *Article) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	res, err := s.db.Exec(
		`INSERT INTO articles (id, feed_id, guid, title, description, full_text, url, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_id, guid) DO NOTHING`,
		a.ID, a.FeedID, a.GUID, a.Title, a.Description,
		nullString(a.FullText), a.URL, a.PublishedAt,
	)
	if err != nil {
		return false, fmt.Errorf("写入文章失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取写入结果失败: %w", err)
	}
	return n > 0, nil
}

// ArticleExists 判断 (feed_id, guid) 对应的文章是否已入库。
func (s *Store) ArticleExists(feedID, guid string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM articles WHERE feed_id = ? AND guid = ?`,
		feedID, guid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("查询文章是否存在失败: %w", err)
	}
	return n > 0, nil
}

// GetArticle 按 ID 查找文章。
func (s *Store) GetArticle(id string) (*Article, error) {
	row := s.db.QueryRow(articleSelect+` WHERE id = ?`, id)
	return scanArticle(row)
}

// CountFeedArticles 统计某个订阅源的文章总数。
func (s *Store) CountFeedArticles(feedID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM articles WHERE feed_id = ?`, feedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计文章数失败: %w", err)
	}
	return n, nil
}

// ListFeedArticlesBetween 列出某订阅源发布时间在 [start, end] 窗口内的文章，
// 按发布时间倒序，最多 limit 条。
func (s *Store) ListFeedArticlesBetween(feedID string, start, end time.Time, limit int) ([]Article, error) {
	rows, err := s.db.Query(
		articleSelect+` WHERE feed_id = ? AND published_at >= ? AND published_at <= ?
		 ORDER BY published_at DESC LIMIT ?`,
		feedID, start, end, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("查询订阅源文章失败: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

const articleSelect = `SELECT id, feed_id, guid, title, description,
	full_text, url, published_at, created_at FROM articles`

func scanArticle(row rowScanner) (*Article, error) {
	var a Article
	var fullText sql.NullString
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.Description,
		&fullText, &a.URL, &a.PublishedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取文章记录失败: %w", err)
	}
	a.FullText = fullText.String
	return &a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
