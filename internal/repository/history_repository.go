package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// HistoryRepository reads audit entries. Entries are written with the record they
// describe, see AuditBatch.
type HistoryRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]domain.History, error)
	LatestByType(ctx context.Context, requestID string, changeType domain.ChangeType) (*domain.History, error)
}

type historyRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository builds repository.
func NewHistoryRepository(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepository{pool: pool}
}

func insertHistory(ctx context.Context, db execer, h domain.History) error {
	const query = `
        INSERT INTO change_request_history (id, request_id, changed_by_id, changed_by_role, change_type, old_value, new_value, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := db.Exec(ctx, query,
		h.ID,
		h.RequestID,
		h.ChangedByID,
		h.ChangedByRole,
		h.ChangeType,
		h.OldValue,
		h.NewValue,
		h.CreatedAt,
	)
	return err
}

const historyColumns = `id, request_id, changed_by_id, changed_by_role, change_type, old_value, new_value, created_at`

func (r *historyRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.History, error) {
	query := `SELECT ` + historyColumns + `
        FROM change_request_history WHERE request_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func (r *historyRepository) LatestByType(ctx context.Context, requestID string, changeType domain.ChangeType) (*domain.History, error) {
	query := `SELECT ` + historyColumns + `
        FROM change_request_history WHERE request_id=$1 AND change_type=$2
        ORDER BY created_at DESC LIMIT 1`
	h, err := scanHistory(r.pool.QueryRow(ctx, query, requestID, changeType))
	if err != nil {
		return nil, translate(err)
	}
	return h, nil
}

func scanHistory(row rowScanner) (*domain.History, error) {
	var h domain.History
	if err := row.Scan(
		&h.ID,
		&h.RequestID,
		&h.ChangedByID,
		&h.ChangedByRole,
		&h.ChangeType,
		&h.OldValue,
		&h.NewValue,
		&h.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &h, nil
}
