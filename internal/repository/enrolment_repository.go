package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

const enrolmentColumns = `id, user_id, profile_id, lo_id, taken_portal_id, parent_enrolment_id,
        status, pass, result, plan_id, start_date, end_date, due_date, data, created_at, updated_at`

// EnrolmentRepository persists enrolments and their revision history. Every
// mutation appends an immutable revision row; mutators accept a
// sqlx.ExtContext so services can compose them under one transaction.
type EnrolmentRepository struct {
	db *sqlx.DB
}

// NewEnrolmentRepository constructs the repository.
func NewEnrolmentRepository(db *sqlx.DB) *EnrolmentRepository {
	return &EnrolmentRepository{db: db}
}

func (r *EnrolmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// BeginTx starts a transaction on the underlying pool.
func (r *EnrolmentRepository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enrolment transaction: %w", err)
	}
	return tx, nil
}

// FindByID returns an enrolment by its ID.
func (r *EnrolmentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrolment, error) {
	query := `SELECT ` + enrolmentColumns + ` FROM enrolments WHERE id = $1`
	var enrolment models.Enrolment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrolment, query, id); err != nil {
		return nil, err
	}
	return &enrolment, nil
}

// FindByUserLOPortal returns the single enrolment slot for a
// (user, lo, taken portal) tuple.
func (r *EnrolmentRepository) FindByUserLOPortal(ctx context.Context, exec sqlx.ExtContext, userID, loID, portalID string) (*models.Enrolment, error) {
	query := `SELECT ` + enrolmentColumns + ` FROM enrolments
        WHERE user_id = $1 AND lo_id = $2 AND taken_portal_id = $3`
	var enrolment models.Enrolment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrolment, query, userID, loID, portalID); err != nil {
		return nil, err
	}
	return &enrolment, nil
}

// FindChildren returns the immediate child enrolments of a parent enrolment.
func (r *EnrolmentRepository) FindChildren(ctx context.Context, exec sqlx.ExtContext, parentEnrolmentID string) ([]models.Enrolment, error) {
	query := `SELECT ` + enrolmentColumns + ` FROM enrolments WHERE parent_enrolment_id = $1`
	var children []models.Enrolment
	if err := sqlx.SelectContext(ctx, r.exec(exec), &children, query, parentEnrolmentID); err != nil {
		return nil, fmt.Errorf("list child enrolments: %w", err)
	}
	return children, nil
}

// AncestorChain loads every strict ancestor of the enrolment in one query,
// ordered bottom-up (immediate parent first, root last). The propagation walk
// operates on this in-memory chain instead of issuing one lookup per level.
func (r *EnrolmentRepository) AncestorChain(ctx context.Context, exec sqlx.ExtContext, enrolmentID string) ([]models.Enrolment, error) {
	query := `WITH RECURSIVE ancestors AS (
            SELECT e.*, 0 AS depth FROM enrolments e
            WHERE e.id = (SELECT parent_enrolment_id FROM enrolments WHERE id = $1)
            UNION ALL
            SELECT p.*, a.depth + 1 FROM enrolments p
            JOIN ancestors a ON p.id = a.parent_enrolment_id
        )
        SELECT ` + enrolmentColumns + ` FROM ancestors ORDER BY depth ASC`
	var chain []models.Enrolment
	if err := sqlx.SelectContext(ctx, r.exec(exec), &chain, query, enrolmentID); err != nil {
		return nil, fmt.Errorf("load ancestor chain: %w", err)
	}
	return chain, nil
}

// Create persists a new enrolment record.
func (r *EnrolmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment) error {
	if enrolment.ID == "" {
		enrolment.ID = uuid.NewString()
	}
	if enrolment.Status == "" {
		enrolment.Status = models.EnrolmentStatusNotStarted
	}
	if enrolment.Pass == "" {
		enrolment.Pass = models.PassUnset
	}
	now := time.Now().UTC()
	if enrolment.CreatedAt.IsZero() {
		enrolment.CreatedAt = now
	}
	enrolment.UpdatedAt = now
	const query = `INSERT INTO enrolments (id, user_id, profile_id, lo_id, taken_portal_id, parent_enrolment_id,
        status, pass, result, plan_id, start_date, end_date, due_date, data, created_at, updated_at)
        VALUES (:id, :user_id, :profile_id, :lo_id, :taken_portal_id, :parent_enrolment_id,
        :status, :pass, :result, :plan_id, :start_date, :end_date, :due_date, :data, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, enrolment); err != nil {
		return fmt.Errorf("create enrolment: %w", err)
	}
	return nil
}

// Update writes the enrolment row and appends a revision snapshot carrying the
// acting user and optional note. Both statements run on the provided executor
// so the caller's transaction covers them.
func (r *EnrolmentRepository) Update(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error {
	target := r.exec(exec)
	enrolment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrolments SET status = :status, pass = :pass, result = :result, plan_id = :plan_id,
        start_date = :start_date, end_date = :end_date, due_date = :due_date, data = :data, updated_at = :updated_at
        WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, target, query, enrolment); err != nil {
		return fmt.Errorf("update enrolment: %w", err)
	}
	if err := r.appendRevision(ctx, target, enrolment, actorID, note); err != nil {
		return err
	}
	return nil
}

// Delete removes an enrolment. The row is always snapshotted to the revision
// table first so history survives even a hard delete.
func (r *EnrolmentRepository) Delete(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error {
	target := r.exec(exec)
	if err := r.appendRevision(ctx, target, enrolment, actorID, note); err != nil {
		return err
	}
	const query = `DELETE FROM enrolments WHERE id = $1`
	result, err := target.ExecContext(ctx, query, enrolment.ID)
	if err != nil {
		return fmt.Errorf("delete enrolment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("enrolment rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *EnrolmentRepository) appendRevision(ctx context.Context, target sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error {
	revision := models.EnrolmentRevision{
		ID:                uuid.NewString(),
		EnrolmentID:       enrolment.ID,
		UserID:            enrolment.UserID,
		LOID:              enrolment.LOID,
		TakenPortalID:     enrolment.TakenPortalID,
		ParentEnrolmentID: enrolment.ParentEnrolmentID,
		Status:            enrolment.Status,
		Pass:              enrolment.Pass,
		Result:            enrolment.Result,
		StartDate:         enrolment.StartDate,
		EndDate:           enrolment.EndDate,
		DueDate:           enrolment.DueDate,
		ActorID:           actorID,
		Note:              note,
		CreatedAt:         time.Now().UTC(),
	}
	const query = `INSERT INTO enrolment_revisions (id, enrolment_id, user_id, lo_id, taken_portal_id,
        parent_enrolment_id, status, pass, result, start_date, end_date, due_date, actor_id, note, created_at)
        VALUES (:id, :enrolment_id, :user_id, :lo_id, :taken_portal_id,
        :parent_enrolment_id, :status, :pass, :result, :start_date, :end_date, :due_date, :actor_id, :note, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, target, query, revision); err != nil {
		return fmt.Errorf("append enrolment revision: %w", err)
	}
	return nil
}

// LinkPlan attaches a plan to an enrolment and mirrors the due date for reads.
func (r *EnrolmentRepository) LinkPlan(ctx context.Context, exec sqlx.ExtContext, enrolmentID, planID string, dueDate *time.Time) error {
	const query = `UPDATE enrolments SET plan_id = $2, due_date = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, enrolmentID, planID, dueDate, time.Now().UTC()); err != nil {
		return fmt.Errorf("link plan to enrolment: %w", err)
	}
	return nil
}

// UnlinkPlan detaches a plan from every enrolment referencing it and clears
// the mirrored due date.
func (r *EnrolmentRepository) UnlinkPlan(ctx context.Context, exec sqlx.ExtContext, planID string) error {
	const query = `UPDATE enrolments SET plan_id = NULL, due_date = NULL, updated_at = $2 WHERE plan_id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, planID, time.Now().UTC()); err != nil {
		return fmt.Errorf("unlink plan from enrolments: %w", err)
	}
	return nil
}

// FoundLink reports whether the enrolment references the plan.
func (r *EnrolmentRepository) FoundLink(ctx context.Context, planID, enrolmentID string) (bool, error) {
	const query = `SELECT 1 FROM enrolments WHERE id = $1 AND plan_id = $2 LIMIT 1`
	var found int
	if err := r.db.GetContext(ctx, &found, query, enrolmentID, planID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check plan link: %w", err)
	}
	return true, nil
}

// FindByPlan returns the enrolments linked to a plan.
func (r *EnrolmentRepository) FindByPlan(ctx context.Context, exec sqlx.ExtContext, planID string) ([]models.Enrolment, error) {
	query := `SELECT ` + enrolmentColumns + ` FROM enrolments WHERE plan_id = $1`
	var enrolments []models.Enrolment
	if err := sqlx.SelectContext(ctx, r.exec(exec), &enrolments, query, planID); err != nil {
		return nil, fmt.Errorf("list plan enrolments: %w", err)
	}
	return enrolments, nil
}

// ListRevisions returns the revision history of an enrolment, newest first.
func (r *EnrolmentRepository) ListRevisions(ctx context.Context, enrolmentID string) ([]models.EnrolmentRevision, error) {
	const query = `SELECT id, enrolment_id, user_id, lo_id, taken_portal_id, parent_enrolment_id,
        status, pass, result, start_date, end_date, due_date, actor_id, note, created_at
        FROM enrolment_revisions WHERE enrolment_id = $1 ORDER BY created_at DESC`
	var revisions []models.EnrolmentRevision
	if err := r.db.SelectContext(ctx, &revisions, query, enrolmentID); err != nil {
		return nil, fmt.Errorf("list enrolment revisions: %w", err)
	}
	return revisions, nil
}

// List returns enrolments filtered by the provided criteria.
func (r *EnrolmentRepository) List(ctx context.Context, filter models.EnrolmentFilter) ([]models.Enrolment, int, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.LOID != "" {
		conditions = append(conditions, fmt.Sprintf("lo_id = $%d", len(args)+1))
		args = append(args, filter.LOID)
	}
	if filter.TakenPortalID != "" {
		conditions = append(conditions, fmt.Sprintf("taken_portal_id = $%d", len(args)+1))
		args = append(args, filter.TakenPortalID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at": "created_at",
		"updated_at": "updated_at",
		"due_date":   "due_date",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM enrolments%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		enrolmentColumns, clause, orderBy, order, size, offset)
	var enrolments []models.Enrolment
	if err := r.db.SelectContext(ctx, &enrolments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrolments: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM enrolments" + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrolments: %w", err)
	}
	return enrolments, total, nil
}
