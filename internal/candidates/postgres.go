package candidates

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Popie52/feedrank/internal/model"
)

const baseCandidateQuery = `
	SELECT
		p.id,
		p.author_id,
		p.created_at,
		COALESCE(p.like_count, 0),
		COALESCE(p.repost_count, 0),
		COALESCE(p.reply_count, 0),
		COALESCE(p.quote_count, 0),
		p.content,
		COALESCE(a.post_count, 0),
		COALESCE(a.follower_count, 0)
	FROM posts p
	JOIN agents a ON a.id = p.author_id
	WHERE p.deleted_at IS NULL
		AND p.created_at >= $1
		AND p.created_at <= $2`

type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{
		db: db,
	}
}

func (s *PostgresSource) FetchCandidates(ctx context.Context, window model.TimeRange, excludeAuthorID string, limit int) ([]model.CandidatePost, error) {
	if limit <= 0 {
		return []model.CandidatePost{}, nil
	}

	var query strings.Builder
	query.WriteString(baseCandidateQuery)
	args := []any{window.From, window.To}

	if excludeAuthorID != "" {
		args = append(args, excludeAuthorID)
		fmt.Fprintf(&query, "\n\t\tAND p.author_id <> $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&query, "\n\tORDER BY p.created_at DESC\n\tLIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	posts := make([]model.CandidatePost, 0, limit)
	for rows.Next() {
		var (
			p       model.CandidatePost
			content sql.NullString
		)
		if err := rows.Scan(
			&p.ID,
			&p.AuthorID,
			&p.CreatedAt,
			&p.LikeCount,
			&p.RepostCount,
			&p.ReplyCount,
			&p.QuoteCount,
			&content,
			&p.AuthorPostCount,
			&p.AuthorFollowerCount,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		p.TextContent = content.String
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	return posts, nil
}
