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

const planColumns = `id, user_id, assigner_id, portal_id, entity_type, entity_id,
        status, type, due_date, data, created_at, updated_at`

// PlanRepository persists plans, their revisions and provenance references.
type PlanRepository struct {
	db *sqlx.DB
}

// NewPlanRepository constructs the repository.
func NewPlanRepository(db *sqlx.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// BeginTx starts a transaction on the underlying pool.
func (r *PlanRepository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin plan transaction: %w", err)
	}
	return tx, nil
}

// FindByID returns a plan by its ID.
func (r *PlanRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	var plan models.Plan
	if err := sqlx.GetContext(ctx, r.exec(exec), &plan, query, id); err != nil {
		return nil, err
	}
	return &plan, nil
}

// FindByIDs returns plans matching the provided identifiers.
func (r *PlanRepository) FindByIDs(ctx context.Context, exec sqlx.ExtContext, ids []string) ([]models.Plan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM plans WHERE id IN (%s)`, planColumns, strings.Join(placeholders, ","))
	var plans []models.Plan
	if err := sqlx.SelectContext(ctx, r.exec(exec), &plans, query, args...); err != nil {
		return nil, fmt.Errorf("list plans by ids: %w", err)
	}
	return plans, nil
}

// FindActive returns the single non-archived plan for the
// (user, portal, entity) tuple, or sql.ErrNoRows.
func (r *PlanRepository) FindActive(ctx context.Context, exec sqlx.ExtContext, userID, portalID string, entityType models.PlanEntityType, entityID string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans
        WHERE user_id = $1 AND portal_id = $2 AND entity_type = $3 AND entity_id = $4 AND status <> $5`
	var plan models.Plan
	if err := sqlx.GetContext(ctx, r.exec(exec), &plan, query, userID, portalID, entityType, entityID, models.PlanStatusArchived); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Create persists a new plan record.
func (r *PlanRepository) Create(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = models.PlanStatusAssigned
	}
	if plan.Type == "" {
		plan.Type = models.PlanTypeAssigned
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	const query = `INSERT INTO plans (id, user_id, assigner_id, portal_id, entity_type, entity_id,
        status, type, due_date, data, created_at, updated_at)
        VALUES (:id, :user_id, :assigner_id, :portal_id, :entity_type, :entity_id,
        :status, :type, :due_date, :data, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// Update writes the mutable plan fields in place.
func (r *PlanRepository) Update(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error {
	plan.UpdatedAt = time.Now().UTC()
	const query = `UPDATE plans SET assigner_id = :assigner_id, status = :status, type = :type,
        due_date = :due_date, data = :data, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, plan); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

// PlanFields carries the replacement values for ArchiveAndRecreate.
type PlanFields struct {
	AssignerID *string
	DueDate    *time.Time
	Status     models.PlanStatus
	Type       models.PlanType
}

// ArchiveAndRecreate snapshots the old plan into plan_revisions (keeping the
// original assigner), deletes the old row and inserts a replacement with a
// fresh id. revisionAt overrides the revision timestamp when the caller
// supplies an explicit reassign date.
func (r *PlanRepository) ArchiveAndRecreate(ctx context.Context, exec sqlx.ExtContext, old *models.Plan, fields PlanFields, revisionAt *time.Time) (*models.Plan, error) {
	target := r.exec(exec)

	if err := r.CreateRevision(ctx, target, old, revisionAt); err != nil {
		return nil, err
	}
	const deleteQuery = `DELETE FROM plans WHERE id = $1`
	if _, err := target.ExecContext(ctx, deleteQuery, old.ID); err != nil {
		return nil, fmt.Errorf("delete superseded plan: %w", err)
	}

	replacement := &models.Plan{
		ID:         uuid.NewString(),
		UserID:     old.UserID,
		AssignerID: fields.AssignerID,
		PortalID:   old.PortalID,
		EntityType: old.EntityType,
		EntityID:   old.EntityID,
		Status:     fields.Status,
		Type:       fields.Type,
		DueDate:    fields.DueDate,
		Data:       old.Data,
	}
	if replacement.Status == "" {
		replacement.Status = models.PlanStatusAssigned
	}
	if replacement.Type == "" {
		replacement.Type = old.Type
	}
	if err := r.Create(ctx, target, replacement); err != nil {
		return nil, err
	}
	return replacement, nil
}

// CreateRevision appends an immutable snapshot of the plan.
func (r *PlanRepository) CreateRevision(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan, at *time.Time) error {
	createdAt := time.Now().UTC()
	if at != nil {
		createdAt = at.UTC()
	}
	revision := models.PlanRevision{
		ID:         uuid.NewString(),
		PlanID:     plan.ID,
		UserID:     plan.UserID,
		AssignerID: plan.AssignerID,
		PortalID:   plan.PortalID,
		EntityType: plan.EntityType,
		EntityID:   plan.EntityID,
		Status:     plan.Status,
		Type:       plan.Type,
		DueDate:    plan.DueDate,
		CreatedAt:  createdAt,
	}
	const query = `INSERT INTO plan_revisions (id, plan_id, user_id, assigner_id, portal_id,
        entity_type, entity_id, status, type, due_date, created_at)
        VALUES (:id, :plan_id, :user_id, :assigner_id, :portal_id,
        :entity_type, :entity_id, :status, :type, :due_date, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, revision); err != nil {
		return fmt.Errorf("append plan revision: %w", err)
	}
	return nil
}

// ListRevisions returns the revision history of a plan, newest first.
func (r *PlanRepository) ListRevisions(ctx context.Context, planID string) ([]models.PlanRevision, error) {
	const query = `SELECT id, plan_id, user_id, assigner_id, portal_id, entity_type, entity_id,
        status, type, due_date, created_at
        FROM plan_revisions WHERE plan_id = $1 ORDER BY created_at DESC`
	var revisions []models.PlanRevision
	if err := r.db.SelectContext(ctx, &revisions, query, planID); err != nil {
		return nil, fmt.Errorf("list plan revisions: %w", err)
	}
	return revisions, nil
}

// Delete removes a plan row.
func (r *PlanRepository) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `DELETE FROM plans WHERE id = $1`
	result, err := r.exec(exec).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("plan rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LinkReference records the provenance of a plan created by a bulk action.
func (r *PlanRepository) LinkReference(ctx context.Context, exec sqlx.ExtContext, ref *models.PlanReference) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.Status == 0 {
		ref.Status = models.PlanReferenceActive
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO plan_references (id, plan_id, source_type, source_id, status, created_at)
        VALUES (:id, :plan_id, :source_type, :source_id, :status, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, ref); err != nil {
		return fmt.Errorf("link plan reference: %w", err)
	}
	return nil
}

// FindReference returns a provenance record for the exact
// (plan, source type, source id) tuple.
func (r *PlanRepository) FindReference(ctx context.Context, planID, sourceType, sourceID string) (*models.PlanReference, error) {
	const query = `SELECT id, plan_id, source_type, source_id, status, created_at
        FROM plan_references WHERE plan_id = $1 AND source_type = $2 AND source_id = $3`
	var ref models.PlanReference
	if err := r.db.GetContext(ctx, &ref, query, planID, sourceType, sourceID); err != nil {
		return nil, err
	}
	return &ref, nil
}

// SoftDeleteReferences flips the status flag of every reference to a plan
// instead of removing the rows.
func (r *PlanRepository) SoftDeleteReferences(ctx context.Context, exec sqlx.ExtContext, planID string) error {
	const query = `UPDATE plan_references SET status = $2 WHERE plan_id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, planID, models.PlanReferenceDeleted); err != nil {
		return fmt.Errorf("soft delete plan references: %w", err)
	}
	return nil
}

// FindBySource returns the plans produced by a bulk action, resolved through
// active provenance references.
func (r *PlanRepository) FindBySource(ctx context.Context, exec sqlx.ExtContext, sourceType, sourceID string) ([]models.Plan, error) {
	query := `SELECT ` + prefixedPlanColumns("p") + ` FROM plans p
        JOIN plan_references pr ON pr.plan_id = p.id
        WHERE pr.source_type = $1 AND pr.source_id = $2 AND pr.status = $3`
	var plans []models.Plan
	if err := sqlx.SelectContext(ctx, r.exec(exec), &plans, query, sourceType, sourceID, models.PlanReferenceActive); err != nil {
		return nil, fmt.Errorf("list plans by source: %w", err)
	}
	return plans, nil
}

func prefixedPlanColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(planColumns, "\n", ""), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
