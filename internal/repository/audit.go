package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// AuditBatch is written in the same transaction as the record it describes.
type AuditBatch struct {
	History  []domain.History
	Comments []domain.Comment
}

// Empty reports whether the batch has nothing to write.
func (b AuditBatch) Empty() bool {
	return len(b.History) == 0 && len(b.Comments) == 0
}

func insertAudit(ctx context.Context, tx execer, batch AuditBatch) error {
	for _, h := range batch.History {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	for _, c := range batch.Comments {
		if err := insertComment(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}
