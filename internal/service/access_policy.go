package service

import (
	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

// AccessPolicy decides whether an actor may mutate an enrolment or plan.
// A false answer is always a hard stop: callers must not attempt any partial
// mutation after a denial.
type AccessPolicy struct{}

// NewAccessPolicy constructs the policy.
func NewAccessPolicy() *AccessPolicy {
	return &AccessPolicy{}
}

// CanManage reports whether the actor may mutate records owned by ownerUserID
// within portalID. Admins manage everything; managers and assessors manage
// records in their own portal; learners manage only their own records.
func (p *AccessPolicy) CanManage(actor *models.JWTClaims, ownerUserID, portalID string) bool {
	if actor == nil {
		return false
	}
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleManager, models.RoleAssessor:
		return actor.PortalID == portalID
	case models.RoleLearner:
		return actor.UserID == ownerUserID
	}
	return false
}

// CanDowngrade reports whether the actor may move an enrolment to a status
// with less progress. Only admins may rewind progress.
func (p *AccessPolicy) CanDowngrade(actor *models.JWTClaims) bool {
	return actor != nil && actor.Role == models.RoleAdmin
}
