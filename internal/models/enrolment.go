package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// EnrolmentStatus represents the learning progress of one enrolment.
type EnrolmentStatus string

// Possible enrolment statuses, ordered by progress. Transitions are not
// strictly monotonic: downgrading requires an explicit admin action.
const (
	EnrolmentStatusNotStarted EnrolmentStatus = "NOT_STARTED"
	EnrolmentStatusInProgress EnrolmentStatus = "IN_PROGRESS"
	EnrolmentStatusPending    EnrolmentStatus = "PENDING"
	EnrolmentStatusCompleted  EnrolmentStatus = "COMPLETED"
	EnrolmentStatusExpired    EnrolmentStatus = "EXPIRED"
)

// Valid reports whether the status is a known value.
func (s EnrolmentStatus) Valid() bool {
	switch s {
	case EnrolmentStatusNotStarted, EnrolmentStatusInProgress, EnrolmentStatusPending,
		EnrolmentStatusCompleted, EnrolmentStatusExpired:
		return true
	}
	return false
}

// rank orders statuses for downgrade detection. PENDING sits between
// NOT_STARTED and IN_PROGRESS because it is an assignment marker, not progress.
func (s EnrolmentStatus) rank() int {
	switch s {
	case EnrolmentStatusNotStarted:
		return 0
	case EnrolmentStatusPending:
		return 1
	case EnrolmentStatusInProgress:
		return 2
	case EnrolmentStatusCompleted:
		return 3
	case EnrolmentStatusExpired:
		return 4
	}
	return -1
}

// IsDowngradeTo reports whether moving to target loses progress.
func (s EnrolmentStatus) IsDowngradeTo(target EnrolmentStatus) bool {
	return target.rank() < s.rank()
}

// PassStatus tracks pass/fail independently of completion.
type PassStatus string

// Pass values. UNSET means no pass decision has been recorded yet.
const (
	PassUnset  PassStatus = "UNSET"
	PassPassed PassStatus = "PASSED"
	PassFailed PassStatus = "FAILED"
)

// Valid reports whether the pass value is known.
func (p PassStatus) Valid() bool {
	return p == PassUnset || p == PassPassed || p == PassFailed
}

// Passed is a convenience for aggregation rules.
func (p PassStatus) Passed() bool { return p == PassPassed }

// Enrolment records one user's progress against one learning object. Per user
// and top-level LO the records form a tree mirroring the content hierarchy;
// the root has a nil parent enrolment id.
type Enrolment struct {
	ID                string          `db:"id" json:"id"`
	UserID            string          `db:"user_id" json:"user_id"`
	ProfileID         string          `db:"profile_id" json:"profile_id"`
	LOID              string          `db:"lo_id" json:"lo_id"`
	TakenPortalID     string          `db:"taken_portal_id" json:"taken_portal_id"`
	ParentEnrolmentID *string         `db:"parent_enrolment_id" json:"parent_enrolment_id,omitempty"`
	Status            EnrolmentStatus `db:"status" json:"status"`
	Pass              PassStatus      `db:"pass" json:"pass"`
	Result            *float64        `db:"result" json:"result,omitempty"`
	PlanID            *string         `db:"plan_id" json:"plan_id,omitempty"`
	StartDate         *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate           *time.Time      `db:"end_date" json:"end_date,omitempty"`
	DueDate           *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Data              types.JSONText  `db:"data" json:"data,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Started reports whether any learning progress has been recorded. Reassignment
// only deletes enrolments that never started.
func (e *Enrolment) Started() bool {
	if e == nil {
		return false
	}
	return e.StartDate != nil || (e.Status != EnrolmentStatusNotStarted && e.Status != EnrolmentStatusPending)
}

// EnrolmentRevision is an append-only snapshot taken on every significant
// mutation. Revisions are never updated or deleted once written.
type EnrolmentRevision struct {
	ID                string          `db:"id" json:"id"`
	EnrolmentID       string          `db:"enrolment_id" json:"enrolment_id"`
	UserID            string          `db:"user_id" json:"user_id"`
	LOID              string          `db:"lo_id" json:"lo_id"`
	TakenPortalID     string          `db:"taken_portal_id" json:"taken_portal_id"`
	ParentEnrolmentID *string         `db:"parent_enrolment_id" json:"parent_enrolment_id,omitempty"`
	Status            EnrolmentStatus `db:"status" json:"status"`
	Pass              PassStatus      `db:"pass" json:"pass"`
	Result            *float64        `db:"result" json:"result,omitempty"`
	StartDate         *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate           *time.Time      `db:"end_date" json:"end_date,omitempty"`
	DueDate           *time.Time      `db:"due_date" json:"due_date,omitempty"`
	ActorID           *string         `db:"actor_id" json:"actor_id,omitempty"`
	Note              string          `db:"note" json:"note,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// EnrolmentFilter provides filters for listing enrolments.
type EnrolmentFilter struct {
	UserID        string
	LOID          string
	TakenPortalID string
	Status        EnrolmentStatus
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}
