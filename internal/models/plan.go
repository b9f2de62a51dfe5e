package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// PlanStatus represents the assignment lifecycle of a plan.
type PlanStatus string

// Plan statuses. SCHEDULED is a system-suggested due date awaiting a human
// assigner; it is superseded by ASSIGNED when someone acts on it.
const (
	PlanStatusAssigned  PlanStatus = "ASSIGNED"
	PlanStatusScheduled PlanStatus = "SCHEDULED"
	PlanStatusArchived  PlanStatus = "ARCHIVED"
)

// PlanType distinguishes explicit assignment from suggestions.
type PlanType string

// Plan types.
const (
	PlanTypeAssigned  PlanType = "ASSIGNED"
	PlanTypeSuggested PlanType = "SUGGESTED"
)

// PlanEntityType identifies what kind of entity a plan targets.
type PlanEntityType string

// Entities a plan can target.
const (
	PlanEntityLO    PlanEntityType = "LO"
	PlanEntityAward PlanEntityType = "AWARD"
)

// Plan is an assignment record carrying a due date and assigner for a
// user+entity pair. At most one non-archived plan exists per
// (user, portal, entity type, entity id).
type Plan struct {
	ID         string         `db:"id" json:"id"`
	UserID     string         `db:"user_id" json:"user_id"`
	AssignerID *string        `db:"assigner_id" json:"assigner_id,omitempty"`
	PortalID   string         `db:"portal_id" json:"portal_id"`
	EntityType PlanEntityType `db:"entity_type" json:"entity_type"`
	EntityID   string         `db:"entity_id" json:"entity_id"`
	Status     PlanStatus     `db:"status" json:"status"`
	Type       PlanType       `db:"type" json:"type"`
	DueDate    *time.Time     `db:"due_date" json:"due_date,omitempty"`
	Data       types.JSONText `db:"data" json:"data,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// PlanRevision is the append-only archive of a superseded plan. The assigner
// recorded here is always the pre-reassignment assigner.
type PlanRevision struct {
	ID         string         `db:"id" json:"id"`
	PlanID     string         `db:"plan_id" json:"plan_id"`
	UserID     string         `db:"user_id" json:"user_id"`
	AssignerID *string        `db:"assigner_id" json:"assigner_id,omitempty"`
	PortalID   string         `db:"portal_id" json:"portal_id"`
	EntityType PlanEntityType `db:"entity_type" json:"entity_type"`
	EntityID   string         `db:"entity_id" json:"entity_id"`
	Status     PlanStatus     `db:"status" json:"status"`
	Type       PlanType       `db:"type" json:"type"`
	DueDate    *time.Time     `db:"due_date" json:"due_date,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// PlanReference statuses follow the soft-delete convention: the row stays and
// its status flips to 0 when the plan is deleted.
const (
	PlanReferenceActive  = 1
	PlanReferenceDeleted = 0
)

// PlanReferenceSourceGroup marks plans produced by a group assignment.
const PlanReferenceSourceGroup = "group"

// PlanReference records the provenance of a plan created by a bulk action.
type PlanReference struct {
	ID         string    `db:"id" json:"id"`
	PlanID     string    `db:"plan_id" json:"plan_id"`
	SourceType string    `db:"source_type" json:"source_type"`
	SourceID   string    `db:"source_id" json:"source_id"`
	Status     int       `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
