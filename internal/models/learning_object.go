package models

import "time"

// LOType identifies the kind of node in the content hierarchy.
type LOType string

// Course-level and learning-item types.
const (
	LOTypePathway     LOType = "PATHWAY"
	LOTypeCourse      LOType = "COURSE"
	LOTypeModule      LOType = "MODULE"
	LOTypeVideo       LOType = "VIDEO"
	LOTypeResource    LOType = "RESOURCE"
	LOTypeQuestion    LOType = "QUESTION"
	LOTypeText        LOType = "TEXT"
	LOTypeEvent       LOType = "EVENT"
	LOTypeLTI         LOType = "LTI"
	LOTypeInteractive LOType = "INTERACTIVE"
	LOTypeQuiz        LOType = "QUIZ"
	LOTypeAssignment  LOType = "ASSIGNMENT"
)

// IsContainer reports whether the type can carry children.
func (t LOType) IsContainer() bool {
	switch t {
	case LOTypePathway, LOTypeCourse, LOTypeModule:
		return true
	}
	return false
}

// SupportsRegistrations reports whether external session registrations may
// decorate the node. Registrations never participate in status aggregation.
func (t LOType) SupportsRegistrations() bool {
	return t == LOTypeEvent || t == LOTypeLTI
}

// LOStatus represents publication state of a learning object.
type LOStatus string

// Possible learning object statuses.
const (
	LOStatusPublished   LOStatus = "PUBLISHED"
	LOStatusUnpublished LOStatus = "UNPUBLISHED"
	LOStatusArchived    LOStatus = "ARCHIVED"
)

// LOEdgeType distinguishes hierarchy edges from dependency edges.
type LOEdgeType string

// Edge types between learning objects.
const (
	LOEdgeHasChild  LOEdgeType = "HAS_CHILD"
	LOEdgeDependsOn LOEdgeType = "DEPENDS_ON"
)

// LearningObject is a node of the content tree. It is immutable during
// propagation; the engine only ever reads it.
type LearningObject struct {
	ID             string    `db:"id" json:"id"`
	PortalID       string    `db:"portal_id" json:"portal_id"`
	Type           LOType    `db:"type" json:"type"`
	Title          string    `db:"title" json:"title"`
	Status         LOStatus  `db:"status" json:"status"`
	ElectiveNumber *int      `db:"elective_number" json:"elective_number,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ChildLearningObject is the tree reader's view of one immediate child.
type ChildLearningObject struct {
	ID       string `db:"id" json:"id"`
	Type     LOType `db:"type" json:"type"`
	Elective bool   `db:"elective" json:"elective"`
	Weight   int    `db:"weight" json:"weight"`
}

// LOEdge links a parent learning object to a child or a dependency.
type LOEdge struct {
	ID       string     `db:"id" json:"id"`
	ParentID string     `db:"parent_id" json:"parent_id"`
	ChildID  string     `db:"child_id" json:"child_id"`
	Type     LOEdgeType `db:"type" json:"type"`
	Elective bool       `db:"elective" json:"elective"`
	Weight   int        `db:"weight" json:"weight"`
}
