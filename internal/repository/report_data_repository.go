package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

// ReportDataRepository runs the aggregate queries backing exported reports.
type ReportDataRepository struct {
	db *sqlx.DB
}

// NewReportDataRepository constructs the repository.
func NewReportDataRepository(db *sqlx.DB) *ReportDataRepository {
	return &ReportDataRepository{db: db}
}

// ProgressRow is one exported line of the progress report.
type ProgressRow struct {
	UserID    string     `db:"user_id"`
	UserName  string     `db:"user_name"`
	LOID      string     `db:"lo_id"`
	LOName    string     `db:"lo_name"`
	LOType    string     `db:"lo_type"`
	Status    string     `db:"status"`
	Pass      string     `db:"pass"`
	Result    *float64   `db:"result"`
	DueDate   *time.Time `db:"due_date"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// PlanRow is one exported line of the plan assignment report.
type PlanRow struct {
	PlanID    string     `db:"plan_id"`
	UserID    string     `db:"user_id"`
	UserName  string     `db:"user_name"`
	EntityID  string     `db:"entity_id"`
	Status    string     `db:"status"`
	Type      string     `db:"type"`
	DueDate   *time.Time `db:"due_date"`
	CreatedAt time.Time  `db:"created_at"`
}

// ProgressFilter scopes the progress report.
type ProgressFilter struct {
	PortalID string
	UserID   *string
	LOID     *string
}

// ProgressSummary returns enrolment progress rows for a portal, optionally
// narrowed to one user or one learning object.
func (r *ReportDataRepository) ProgressSummary(ctx context.Context, filter ProgressFilter) ([]ProgressRow, error) {
	conditions := []string{"e.taken_portal_id = $1"}
	args := []interface{}{filter.PortalID}
	idx := 2
	if filter.UserID != nil && *filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", idx))
		args = append(args, *filter.UserID)
		idx++
	}
	if filter.LOID != nil && *filter.LOID != "" {
		conditions = append(conditions, fmt.Sprintf("e.lo_id = $%d", idx))
		args = append(args, *filter.LOID)
	}
	query := fmt.Sprintf(`SELECT e.user_id, u.full_name AS user_name, e.lo_id,
        lo.name AS lo_name, lo.type AS lo_type, e.status, e.pass, e.result,
        e.due_date, e.updated_at
        FROM enrolments e
        JOIN users u ON u.id = e.user_id
        JOIN learning_objects lo ON lo.id = e.lo_id
        WHERE %s
        ORDER BY u.full_name ASC, lo.name ASC`, strings.Join(conditions, " AND "))
	var rows []ProgressRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("progress summary: %w", err)
	}
	return rows, nil
}

// PlanSummary returns every non-archived plan of a portal.
func (r *ReportDataRepository) PlanSummary(ctx context.Context, portalID string) ([]PlanRow, error) {
	const query = `SELECT p.id AS plan_id, p.user_id, u.full_name AS user_name,
        p.entity_id, p.status, p.type, p.due_date, p.created_at
        FROM plans p
        JOIN users u ON u.id = p.user_id
        WHERE p.portal_id = $1 AND p.status <> $2
        ORDER BY p.due_date ASC NULLS LAST, u.full_name ASC`
	var rows []PlanRow
	if err := r.db.SelectContext(ctx, &rows, query, portalID, models.PlanStatusArchived); err != nil {
		return nil, fmt.Errorf("plan summary: %w", err)
	}
	return rows, nil
}

// OverdueSummary returns enrolments past their due date that are not
// completed, joined with their plan.
func (r *ReportDataRepository) OverdueSummary(ctx context.Context, portalID string, asOf time.Time) ([]ProgressRow, error) {
	const query = `SELECT e.user_id, u.full_name AS user_name, e.lo_id,
        lo.name AS lo_name, lo.type AS lo_type, e.status, e.pass, e.result,
        e.due_date, e.updated_at
        FROM enrolments e
        JOIN users u ON u.id = e.user_id
        JOIN learning_objects lo ON lo.id = e.lo_id
        WHERE e.taken_portal_id = $1 AND e.due_date IS NOT NULL AND e.due_date < $2
        AND e.status <> $3
        ORDER BY e.due_date ASC`
	var rows []ProgressRow
	if err := r.db.SelectContext(ctx, &rows, query, portalID, asOf, models.EnrolmentStatusCompleted); err != nil {
		return nil, fmt.Errorf("overdue summary: %w", err)
	}
	return rows, nil
}
