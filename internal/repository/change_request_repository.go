package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// ChangeRequestFilter captures listing parameters.
type ChangeRequestFilter struct {
	RequesterID         *string
	AssignedDeveloperID *string
	States              []domain.State
	ExcludeStates       []domain.State
	PRStates            []domain.PullRequestState
	Linked              *bool
	SearchTerm          *string
	Limit               int
	Offset              int
}

// ChangeRequestRepository encapsulates change request persistence.
//
// Update and UpdateSourceControl never touch each other's columns: lifecycle writes
// leave the source-control linkage alone and linkage writes leave Version alone.
type ChangeRequestRepository interface {
	Create(ctx context.Context, req *domain.ChangeRequest, audit AuditBatch) error
	GetByID(ctx context.Context, id string) (*domain.ChangeRequest, error)
	GetByCode(ctx context.Context, code string) (*domain.ChangeRequest, error)
	Update(ctx context.Context, req *domain.ChangeRequest, expectedVersion int64, audit AuditBatch) error
	UpdateSourceControl(ctx context.Context, id string, link domain.SourceControlLink, audit AuditBatch) error
	ListWithFilter(ctx context.Context, filter ChangeRequestFilter) ([]domain.ChangeRequest, error)
	CountActiveByDeveloper(ctx context.Context, developerIDs []string) (map[string]int, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type changeRequestRepository struct {
	pool *pgxpool.Pool
}

// NewChangeRequestRepository instantiates repository.
func NewChangeRequestRepository(pool *pgxpool.Pool) ChangeRequestRepository {
	return &changeRequestRepository{pool: pool}
}

const changeRequestColumns = `id, code, title, description, justification, category, priority, urgency, state,
        requester_id, assigned_developer_id,
        risk_level, change_class, business_impact, technical_impact, estimated_downtime_min,
        rollout_plan, backout_plan, rollback_plan, testing_plan, implementation_plan, implementation_notes,
        planned_start_at, planned_end_at, actual_start_at, actual_end_at, estimated_effort_hours, actual_effort_hours,
        scm_repository, scm_branch, scm_pr_number, scm_pr_url, scm_pr_state, scm_merged_at, scm_last_synced_at,
        version, created_at, submitted_at, last_response_at, updated_at`

func (r *changeRequestRepository) Create(ctx context.Context, req *domain.ChangeRequest, audit AuditBatch) error {
	const query = `
        INSERT INTO change_requests (` + changeRequestColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
                $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,$39,$40)`
	if req.Version == 0 {
		req.Version = 1
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		link := req.SourceControl
		if _, err := tx.Exec(ctx, query,
			req.ID, req.Code, req.Title, req.Description, req.Justification,
			req.Category, req.Priority, req.Urgency, req.State,
			req.RequesterID, req.AssignedDeveloperID,
			req.Assessment.RiskLevel, req.Assessment.ChangeClass, req.Assessment.BusinessImpact,
			req.Assessment.TechnicalImpact, req.Assessment.EstimatedDowntime,
			req.Plans.Rollout, req.Plans.Backout, req.Plans.Rollback, req.Plans.Testing,
			req.Plans.Implementation, req.Plans.ImplementationNotes,
			req.Schedule.PlannedStart, req.Schedule.PlannedEnd, req.Schedule.ActualStart, req.Schedule.ActualEnd,
			req.Schedule.EstimatedEffortHours, req.Schedule.ActualEffortHours,
			link.Repository, link.Branch, link.PRNumber, link.PRURL, link.PRState, link.MergedAt, link.LastSyncedAt,
			req.Version, req.CreatedAt, req.SubmittedAt, req.LastResponseAt, req.UpdatedAt,
		); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (r *changeRequestRepository) GetByID(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *changeRequestRepository) GetByCode(ctx context.Context, code string) (*domain.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE UPPER(code)=UPPER($1)`
	return r.fetchSingle(ctx, query, code)
}

func (r *changeRequestRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.ChangeRequest, error) {
	req, err := scanChangeRequest(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, translate(err)
	}
	return req, nil
}

func (r *changeRequestRepository) Update(ctx context.Context, req *domain.ChangeRequest, expectedVersion int64, audit AuditBatch) error {
	const query = `
        UPDATE change_requests SET title=$1, description=$2, justification=$3, category=$4, priority=$5, urgency=$6,
            state=$7, assigned_developer_id=$8,
            risk_level=$9, change_class=$10, business_impact=$11, technical_impact=$12, estimated_downtime_min=$13,
            rollout_plan=$14, backout_plan=$15, rollback_plan=$16, testing_plan=$17, implementation_plan=$18,
            implementation_notes=$19,
            planned_start_at=$20, planned_end_at=$21, actual_start_at=$22, actual_end_at=$23,
            estimated_effort_hours=$24, actual_effort_hours=$25,
            submitted_at=$26, last_response_at=$27, updated_at=$28, version=version+1
        WHERE id=$29 AND version=$30`

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, query,
			req.Title, req.Description, req.Justification, req.Category, req.Priority, req.Urgency,
			req.State, req.AssignedDeveloperID,
			req.Assessment.RiskLevel, req.Assessment.ChangeClass, req.Assessment.BusinessImpact,
			req.Assessment.TechnicalImpact, req.Assessment.EstimatedDowntime,
			req.Plans.Rollout, req.Plans.Backout, req.Plans.Rollback, req.Plans.Testing,
			req.Plans.Implementation, req.Plans.ImplementationNotes,
			req.Schedule.PlannedStart, req.Schedule.PlannedEnd, req.Schedule.ActualStart, req.Schedule.ActualEnd,
			req.Schedule.EstimatedEffortHours, req.Schedule.ActualEffortHours,
			req.SubmittedAt, req.LastResponseAt, req.UpdatedAt,
			req.ID, expectedVersion,
		)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return conflictOrMissing(ctx, tx, req.ID, expectedVersion)
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		req.Version = expectedVersion + 1
		return nil
	})
}

func conflictOrMissing(ctx context.Context, tx pgx.Tx, id string, expected int64) error {
	var actual int64
	err := tx.QueryRow(ctx, `SELECT version FROM change_requests WHERE id=$1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &VersionConflict{Expected: expected, Actual: actual}
}

func (r *changeRequestRepository) UpdateSourceControl(ctx context.Context, id string, link domain.SourceControlLink, audit AuditBatch) error {
	const query = `
        UPDATE change_requests SET scm_repository=$1, scm_branch=$2, scm_pr_number=$3, scm_pr_url=$4,
            scm_pr_state=$5, scm_merged_at=$6, scm_last_synced_at=$7
        WHERE id=$8`

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, query,
			link.Repository, link.Branch, link.PRNumber, link.PRURL,
			link.PRState, link.MergedAt, link.LastSyncedAt, id,
		)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (r *changeRequestRepository) ListWithFilter(ctx context.Context, filter ChangeRequestFilter) ([]domain.ChangeRequest, error) {
	base := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	clauses := []string{"1=1"}
	args := []any{}

	if filter.RequesterID != nil {
		args = append(args, *filter.RequesterID)
		clauses = append(clauses, fmt.Sprintf("requester_id=$%d", len(args)))
	}
	if filter.AssignedDeveloperID != nil {
		args = append(args, *filter.AssignedDeveloperID)
		clauses = append(clauses, fmt.Sprintf("assigned_developer_id=$%d", len(args)))
	}
	if len(filter.States) > 0 {
		args = append(args, stateNames(filter.States))
		clauses = append(clauses, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(filter.ExcludeStates) > 0 {
		args = append(args, stateNames(filter.ExcludeStates))
		clauses = append(clauses, fmt.Sprintf("state <> ALL($%d)", len(args)))
	}
	if len(filter.PRStates) > 0 {
		placeholders := make([]string, len(filter.PRStates))
		for i, st := range filter.PRStates {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("scm_pr_state IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Linked != nil {
		if *filter.Linked {
			clauses = append(clauses, "scm_pr_number IS NOT NULL")
		} else {
			clauses = append(clauses, "scm_pr_number IS NULL")
		}
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		search := "%" + strings.ToLower(strings.TrimSpace(*filter.SearchTerm)) + "%"
		args = append(args, search)
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(title) LIKE %s OR LOWER(description) LIKE %s OR LOWER(code) LIKE %s)",
			placeholder, placeholder, placeholder))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY updated_at DESC, id ASC LIMIT %d OFFSET %d`,
		base, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ChangeRequest
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func (r *changeRequestRepository) CountActiveByDeveloper(ctx context.Context, developerIDs []string) (map[string]int, error) {
	const query = `
        SELECT assigned_developer_id, COUNT(*) FROM change_requests
        WHERE assigned_developer_id = ANY($1) AND state <> ALL($2)
        GROUP BY assigned_developer_id`

	counts := make(map[string]int, len(developerIDs))
	for _, id := range developerIDs {
		counts[id] = 0
	}
	if len(developerIDs) == 0 {
		return counts, nil
	}

	rows, err := r.pool.Query(ctx, query, developerIDs, stateNames(terminalStates()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func scanChangeRequest(row rowScanner) (*domain.ChangeRequest, error) {
	var req domain.ChangeRequest
	var prState string
	link := &req.SourceControl
	if err := row.Scan(
		&req.ID, &req.Code, &req.Title, &req.Description, &req.Justification,
		&req.Category, &req.Priority, &req.Urgency, &req.State,
		&req.RequesterID, &req.AssignedDeveloperID,
		&req.Assessment.RiskLevel, &req.Assessment.ChangeClass, &req.Assessment.BusinessImpact,
		&req.Assessment.TechnicalImpact, &req.Assessment.EstimatedDowntime,
		&req.Plans.Rollout, &req.Plans.Backout, &req.Plans.Rollback, &req.Plans.Testing,
		&req.Plans.Implementation, &req.Plans.ImplementationNotes,
		&req.Schedule.PlannedStart, &req.Schedule.PlannedEnd, &req.Schedule.ActualStart, &req.Schedule.ActualEnd,
		&req.Schedule.EstimatedEffortHours, &req.Schedule.ActualEffortHours,
		&link.Repository, &link.Branch, &link.PRNumber, &link.PRURL, &prState, &link.MergedAt, &link.LastSyncedAt,
		&req.Version, &req.CreatedAt, &req.SubmittedAt, &req.LastResponseAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	link.PRState = domain.PullRequestState(prState)
	normalizeTimes(&req)
	return &req, nil
}

func normalizeTimes(req *domain.ChangeRequest) {
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	for _, t := range []*time.Time{req.SubmittedAt, req.LastResponseAt, req.SourceControl.MergedAt, req.SourceControl.LastSyncedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func stateNames(states []domain.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func terminalStates() []domain.State {
	var out []domain.State
	for _, s := range domain.AllStates() {
		if domain.IsTerminal(s) {
			out = append(out, s)
		}
	}
	return out
}
