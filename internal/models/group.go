package models

import "time"

// Group is a user collection used for bulk plan assignment.
type Group struct {
	ID        string    `db:"id" json:"id"`
	PortalID  string    `db:"portal_id" json:"portal_id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GroupMember links a user to a group.
type GroupMember struct {
	ID       string    `db:"id" json:"id"`
	GroupID  string    `db:"group_id" json:"group_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
