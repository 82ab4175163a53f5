package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// CommentRepository manages the append-only comment trail.
type CommentRepository interface {
	Create(ctx context.Context, comment *domain.Comment) error
	ListByRequest(ctx context.Context, requestID string) ([]domain.Comment, error)
}

type commentRepository struct {
	pool *pgxpool.Pool
}

// NewCommentRepository builds repository.
func NewCommentRepository(pool *pgxpool.Pool) CommentRepository {
	return &commentRepository{pool: pool}
}

func (r *commentRepository) Create(ctx context.Context, comment *domain.Comment) error {
	return insertComment(ctx, r.pool, *comment)
}

func insertComment(ctx context.Context, db execer, c domain.Comment) error {
	const query = `
        INSERT INTO change_request_comments (id, request_id, author_id, author_role, channel, body, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := db.Exec(ctx, query,
		c.ID,
		c.RequestID,
		c.AuthorID,
		c.AuthorRole,
		c.Channel,
		c.Body,
		c.CreatedAt,
	)
	return err
}

func (r *commentRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.Comment, error) {
	const query = `
        SELECT id, request_id, author_id, author_role, channel, body, created_at
        FROM change_request_comments WHERE request_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(
			&c.ID,
			&c.RequestID,
			&c.AuthorID,
			&c.AuthorRole,
			&c.Channel,
			&c.Body,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
