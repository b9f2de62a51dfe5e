package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

// LearningObjectRepository reads the content tree. The propagation engine
// treats it as a read-only collaborator; nothing here mutates rows.
type LearningObjectRepository struct {
	db *sqlx.DB
}

// NewLearningObjectRepository constructs the repository.
func NewLearningObjectRepository(db *sqlx.DB) *LearningObjectRepository {
	return &LearningObjectRepository{db: db}
}

// FindByID returns a learning object by its ID.
func (r *LearningObjectRepository) FindByID(ctx context.Context, id string) (*models.LearningObject, error) {
	const query = `SELECT id, portal_id, type, title, status, elective_number, created_at, updated_at
        FROM learning_objects WHERE id = $1`
	var lo models.LearningObject
	if err := r.db.GetContext(ctx, &lo, query, id); err != nil {
		return nil, err
	}
	return &lo, nil
}

// Children returns the ordered immediate children of a learning object with
// their per-edge elective flag.
func (r *LearningObjectRepository) Children(ctx context.Context, loID string) ([]models.ChildLearningObject, error) {
	const query = `SELECT lo.id, lo.type, e.elective, e.weight
        FROM lo_edges e
        JOIN learning_objects lo ON lo.id = e.child_id
        WHERE e.parent_id = $1 AND e.type = $2
        ORDER BY e.weight ASC, lo.id ASC`
	var children []models.ChildLearningObject
	if err := r.db.SelectContext(ctx, &children, query, loID, models.LOEdgeHasChild); err != nil {
		return nil, fmt.Errorf("list lo children: %w", err)
	}
	return children, nil
}

// ElectiveMinimum returns the configured minimum elective completions for a
// learning object, or nil when no explicit elective_number is set (meaning
// all electives are required).
func (r *LearningObjectRepository) ElectiveMinimum(ctx context.Context, loID string) (*int, error) {
	const query = `SELECT elective_number FROM learning_objects WHERE id = $1`
	var minimum *int
	if err := r.db.GetContext(ctx, &minimum, query, loID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get elective minimum: %w", err)
	}
	return minimum, nil
}

// IsPublished reports whether the learning object is in PUBLISHED state. A
// missing learning object surfaces as sql.ErrNoRows so callers can tell
// absent apart from unpublished.
func (r *LearningObjectRepository) IsPublished(ctx context.Context, loID string) (bool, error) {
	const query = `SELECT status FROM learning_objects WHERE id = $1`
	var status models.LOStatus
	if err := r.db.GetContext(ctx, &status, query, loID); err != nil {
		if err == sql.ErrNoRows {
			return false, err
		}
		return false, fmt.Errorf("get lo status: %w", err)
	}
	return status == models.LOStatusPublished, nil
}

// Dependants returns the learning objects that declare a DEPENDS_ON edge
// targeting loID, in edge weight order. Used to fan out update events to
// dependant module enrolments after a completion.
func (r *LearningObjectRepository) Dependants(ctx context.Context, loID string) ([]models.ChildLearningObject, error) {
	const query = `SELECT lo.id, lo.type, e.elective, e.weight
        FROM lo_edges e
        JOIN learning_objects lo ON lo.id = e.parent_id
        WHERE e.child_id = $1 AND e.type = $2
        ORDER BY e.weight ASC, lo.id ASC`
	var dependants []models.ChildLearningObject
	if err := r.db.SelectContext(ctx, &dependants, query, loID, models.LOEdgeDependsOn); err != nil {
		return nil, fmt.Errorf("list lo dependants: %w", err)
	}
	return dependants, nil
}
