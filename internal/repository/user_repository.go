package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// UserRepository reads portal accounts. Accounts are owned by the hosting application.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	ListByRoles(ctx context.Context, roles []domain.Role, activeOnly bool) ([]domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `
        SELECT id, name, email, role, active, created_at, updated_at
        FROM users WHERE id=$1`

	var user domain.User
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) ListByRoles(ctx context.Context, roles []domain.Role, activeOnly bool) ([]domain.User, error) {
	const query = `
        SELECT id, name, email, role, active, created_at, updated_at
        FROM users WHERE role = ANY($1) AND ($2 = FALSE OR active)
        ORDER BY name ASC, id ASC`

	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	rows, err := r.pool.Query(ctx, query, names, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(
			&user.ID,
			&user.Name,
			&user.Email,
			&user.Role,
			&user.Active,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	return result, rows.Err()
}
