package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/internal/repository"
	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
	"github.com/noah-isme/lms-enrolment-api/pkg/events"
)

type planStore interface {
	BeginTx(ctx context.Context) (*sqlx.Tx, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Plan, error)
	FindByIDs(ctx context.Context, exec sqlx.ExtContext, ids []string) ([]models.Plan, error)
	FindActive(ctx context.Context, exec sqlx.ExtContext, userID, portalID string, entityType models.PlanEntityType, entityID string) (*models.Plan, error)
	Create(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error
	Update(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error
	ArchiveAndRecreate(ctx context.Context, exec sqlx.ExtContext, old *models.Plan, fields repository.PlanFields, revisionAt *time.Time) (*models.Plan, error)
	CreateRevision(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan, at *time.Time) error
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
	LinkReference(ctx context.Context, exec sqlx.ExtContext, ref *models.PlanReference) error
	SoftDeleteReferences(ctx context.Context, exec sqlx.ExtContext, planID string) error
	FindBySource(ctx context.Context, exec sqlx.ExtContext, sourceType, sourceID string) ([]models.Plan, error)
	ListRevisions(ctx context.Context, planID string) ([]models.PlanRevision, error)
}

type planEnrolmentStore interface {
	FindByUserLOPortal(ctx context.Context, exec sqlx.ExtContext, userID, loID, portalID string) (*models.Enrolment, error)
	FindByPlan(ctx context.Context, exec sqlx.ExtContext, planID string) ([]models.Enrolment, error)
	LinkPlan(ctx context.Context, exec sqlx.ExtContext, enrolmentID, planID string, dueDate *time.Time) error
	UnlinkPlan(ctx context.Context, exec sqlx.ExtContext, planID string) error
	Delete(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error
}

type publishedReader interface {
	IsPublished(ctx context.Context, loID string) (bool, error)
}

type accountFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type groupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
}

// AssignPlanRequest creates or updates the active plan for one user+entity.
type AssignPlanRequest struct {
	UserID     string         `json:"user_id" validate:"required"`
	PortalID   string         `json:"portal_id" validate:"required"`
	EntityType string         `json:"entity_type" validate:"required,oneof=LO AWARD"`
	EntityID   string         `json:"entity_id" validate:"required"`
	DueDate    string         `json:"due_date,omitempty"`
	AssignerID *string        `json:"assigner_user_id,omitempty"`
	Notify     *bool          `json:"notify,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	Data       types.JSONText `json:"data,omitempty"`
	Version    int            `json:"version,omitempty"`
}

// ReassignPlanRequest replaces one active plan with a fresh one. Exactly one
// of PlanIDs or the (lo_id, user_id, portal_id) tuple selects the plan.
type ReassignPlanRequest struct {
	PlanIDs      []string `json:"plan_ids,omitempty"`
	LOID         string   `json:"lo_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	PortalID     string   `json:"portal_id,omitempty"`
	DueDate      string   `json:"due_date" validate:"required"`
	ReassignDate string   `json:"reassign_date,omitempty"`
	AssignerID   *string  `json:"assigner_user_id,omitempty"`
}

// GroupAssignRequest fans one assignment out to every member of a group.
type GroupAssignRequest struct {
	GroupID     string  `json:"group_id" validate:"required"`
	EntityType  string  `json:"entity_type" validate:"required,oneof=LO AWARD"`
	EntityID    string  `json:"entity_id" validate:"required"`
	DueDate     string  `json:"due_date" validate:"required"`
	AssignerID  *string `json:"assigner_user_id,omitempty"`
	Notify      *bool   `json:"notify,omitempty"`
	ExcludeSelf bool    `json:"exclude_self,omitempty"`
}

// GroupAssignResult reports the best-effort fan-out outcome per member.
type GroupAssignResult struct {
	Assigned []string          `json:"assigned"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// PlanService implements plan reconciliation: assignment, reassignment with
// revision lineage, archival and group fan-out.
type PlanService struct {
	plans      planStore
	enrolments planEnrolmentStore
	los        publishedReader
	users      accountFinder
	groups     groupReader
	policy     managePolicy
	emitter    events.Emitter
	validator  *validator.Validate
	logger     *zap.Logger
	metrics    *MetricsService
}

// NewPlanService constructs PlanService.
func NewPlanService(plans planStore, enrolments planEnrolmentStore, los publishedReader, users accountFinder, groups groupReader, policy managePolicy, emitter events.Emitter, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *PlanService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanService{
		plans:      plans,
		enrolments: enrolments,
		los:        los,
		users:      users,
		groups:     groups,
		policy:     policy,
		emitter:    emitter,
		validator:  validate,
		logger:     logger,
		metrics:    metrics,
	}
}

// Get returns a plan by id.
func (s *PlanService) Get(ctx context.Context, id string) (*models.Plan, error) {
	plan, err := s.plans.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan")
	}
	return plan, nil
}

// History returns the revision trail of a plan, newest first.
func (s *PlanService) History(ctx context.Context, id string) ([]models.PlanRevision, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	revisions, err := s.plans.ListRevisions(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan history")
	}
	return revisions, nil
}

// Assign creates or updates the single active plan for (user, portal, entity).
// An existing active plan is updated in place, never duplicated; a SCHEDULED
// suggestion is converted to ASSIGNED when a human acts on it.
func (s *PlanService) Assign(ctx context.Context, actor *models.JWTClaims, req AssignPlanRequest) (*models.Plan, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assignment payload")
	}
	if req.Version >= 2 && req.DueDate == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "due date is required")
	}
	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, err := parseDueDate(req.DueDate)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
		}
		dueDate = &parsed
	}

	// Check order: entity existence, then permission, then business rules.
	entityType := models.PlanEntityType(req.EntityType)
	published := true
	if entityType == models.PlanEntityLO {
		var err error
		published, err = s.los.IsPublished(ctx, req.EntityID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "learning object not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve learning object")
		}
	}
	if !s.policy.CanManage(actor, req.UserID, req.PortalID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to assign plans for this user")
	}
	if !published {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "learning object is not published")
	}
	if dueDate != nil && dueDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "due date must not be in the past")
	}
	assignerID, err := s.resolveAssigner(ctx, actor, req.AssignerID)
	if err != nil {
		return nil, err
	}

	tx, err := s.plans.BeginTx(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	buffer := events.NewBuffer()
	plan, err := s.assignInTx(ctx, tx, req, entityType, assignerID, dueDate, buffer, models.EventContext{
		Action:   models.EventActionAssigned,
		ActorID:  actorValue(actorRef(actor)),
		PortalID: req.PortalID,
		Notify:   req.Notify,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit assignment")
	}
	committed = true
	s.metrics.RecordPlanOperation(models.EventActionAssigned)
	s.flush(ctx, buffer)
	return plan, nil
}

// assignInTx performs the create-or-update against an open transaction and
// buffers the resulting message. Shared by Assign and the group fan-out.
func (s *PlanService) assignInTx(ctx context.Context, tx sqlx.ExtContext, req AssignPlanRequest, entityType models.PlanEntityType, assignerID *string, dueDate *time.Time, buffer *events.Buffer, evCtx models.EventContext) (*models.Plan, error) {
	existing, err := s.plans.FindActive(ctx, tx, req.UserID, req.PortalID, entityType, req.EntityID)
	switch {
	case err == nil:
		// Version 2 skips the redundant revision write when no enrolment has
		// started against the plan yet.
		writeRevision := req.Version < 2
		if !writeRevision {
			started, sErr := s.planHasStartedEnrolment(ctx, tx, existing.ID)
			if sErr != nil {
				return nil, sErr
			}
			writeRevision = started
		}
		if writeRevision {
			if err := s.plans.CreateRevision(ctx, tx, existing, nil); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive plan state")
			}
		}
		before := planDiffFields(existing)
		original := planSnapshot(existing)
		existing.AssignerID = assignerID
		existing.Status = models.PlanStatusAssigned
		existing.Type = models.PlanTypeAssigned
		if dueDate != nil {
			existing.DueDate = dueDate
		}
		if len(req.Data) > 0 {
			existing.Data = req.Data
		}
		if err := s.plans.Update(ctx, tx, existing); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update plan")
		}
		buffer.Add(models.EventMessage{
			Topic:    models.TopicPlanUpdate,
			EntityID: existing.ID,
			Before:   before,
			After:    planDiffFields(existing),
			Context:  evCtx,
			Embedded: map[string]interface{}{"original": original},
		})
		if err := s.linkProvenanceAndEnrolment(ctx, tx, req, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		plan := &models.Plan{
			UserID:     req.UserID,
			AssignerID: assignerID,
			PortalID:   req.PortalID,
			EntityType: entityType,
			EntityID:   req.EntityID,
			Status:     models.PlanStatusAssigned,
			Type:       models.PlanTypeAssigned,
			DueDate:    dueDate,
			Data:       req.Data,
		}
		if err := s.plans.Create(ctx, tx, plan); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create plan")
		}
		buffer.Add(models.EventMessage{
			Topic:    models.TopicPlanCreate,
			EntityID: plan.ID,
			After:    planDiffFields(plan),
			Context:  evCtx,
		})
		if err := s.linkProvenanceAndEnrolment(ctx, tx, req, plan); err != nil {
			return nil, err
		}
		return plan, nil
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve active plan")
	}
}

func (s *PlanService) linkProvenanceAndEnrolment(ctx context.Context, tx sqlx.ExtContext, req AssignPlanRequest, plan *models.Plan) error {
	if req.SourceType != "" && req.SourceID != "" {
		ref := &models.PlanReference{
			PlanID:     plan.ID,
			SourceType: req.SourceType,
			SourceID:   req.SourceID,
		}
		if err := s.plans.LinkReference(ctx, tx, ref); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link plan provenance")
		}
	}
	if plan.EntityType != models.PlanEntityLO {
		return nil
	}
	enrolment, err := s.enrolments.FindByUserLOPortal(ctx, tx, plan.UserID, plan.EntityID, plan.PortalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve enrolment")
	}
	if err := s.enrolments.LinkPlan(ctx, tx, enrolment.ID, plan.ID, plan.DueDate); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link plan to enrolment")
	}
	return nil
}

func (s *PlanService) planHasStartedEnrolment(ctx context.Context, tx sqlx.ExtContext, planID string) (bool, error) {
	linked, err := s.enrolments.FindByPlan(ctx, tx, planID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load linked enrolments")
	}
	for _, e := range linked {
		if e.Started() {
			return true, nil
		}
	}
	return false, nil
}

// Reassign archives the single resolved plan into a revision that keeps the
// original assigner, then creates a brand-new plan with the supplied due date.
// A not-yet-started linked enrolment is deleted; a started one only loses its
// plan link.
func (s *PlanService) Reassign(ctx context.Context, actor *models.JWTClaims, req ReassignPlanRequest) (*models.Plan, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reassignment payload")
	}
	byID := len(req.PlanIDs) > 0
	byKey := req.LOID != "" || req.UserID != "" || req.PortalID != ""
	if byID == byKey {
		return nil, appErrors.Clone(appErrors.ErrValidation, "supply either plan_ids or the lo_id/user_id/portal_id tuple")
	}
	if byKey && (req.LOID == "" || req.UserID == "" || req.PortalID == "") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "lo_id, user_id and portal_id are all required")
	}
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	// The key-based path serves scheduled backfill, so past due dates pass.
	if byID && dueDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "due date must not be in the past")
	}
	var reassignAt *time.Time
	if req.ReassignDate != "" {
		at, err := parseDueDate(req.ReassignDate)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
		}
		if at.After(dueDate) {
			return nil, appErrors.Clone(appErrors.ErrBusinessRule, "reassign date must not be later than the due date")
		}
		reassignAt = &at
	}

	old, err := s.resolveReassignTarget(ctx, req, byID)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanManage(actor, old.UserID, old.PortalID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to reassign this plan")
	}
	assignerID, err := s.resolveAssigner(ctx, actor, req.AssignerID)
	if err != nil {
		return nil, err
	}

	tx, err := s.plans.BeginTx(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	buffer := events.NewBuffer()
	actorID := actorRef(actor)
	action := models.EventActionReassigned
	if byKey {
		action = models.EventActionAutoReassigned
	}

	linked, err := s.enrolments.FindByPlan(ctx, tx, old.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load linked enrolments")
	}
	if err := s.enrolments.UnlinkPlan(ctx, tx, old.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to unlink plan")
	}
	var survivors []models.Enrolment
	for i := range linked {
		e := linked[i]
		if e.Started() {
			// Started enrolments survive; the removed link is still signalled.
			survivors = append(survivors, e)
			linkCtx := models.EventContext{
				Action:   action,
				ActorID:  actorValue(actorID),
				PortalID: old.PortalID,
			}
			buffer.Add(models.EventMessage{
				Topic:    models.TopicPlanDelete,
				EntityID: old.ID,
				Before:   planDiffFields(old),
				Context:  linkCtx,
			})
			buffer.Add(models.EventMessage{
				Topic:    models.TopicEnrolmentDelete,
				EntityID: e.ID,
				Before:   map[string]interface{}{"plan_id": old.ID},
				Context:  linkCtx,
			})
			continue
		}
		if err := s.enrolments.Delete(ctx, tx, &e, actorID, "superseded by reassignment"); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete enrolment")
		}
		buffer.Add(models.EventMessage{
			Topic:    models.TopicEnrolmentDelete,
			EntityID: e.ID,
			Before:   enrolmentDiffFields(&e),
			Context: models.EventContext{
				Action:   action,
				ActorID:  actorValue(actorID),
				PortalID: e.TakenPortalID,
			},
		})
	}

	original := planSnapshot(old)
	replacement, err := s.plans.ArchiveAndRecreate(ctx, tx, old, repository.PlanFields{
		AssignerID: assignerID,
		DueDate:    &dueDate,
		Status:     models.PlanStatusAssigned,
		Type:       models.PlanTypeAssigned,
	}, reassignAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive and recreate plan")
	}
	for _, e := range survivors {
		if err := s.enrolments.LinkPlan(ctx, tx, e.ID, replacement.ID, &dueDate); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link replacement plan")
		}
	}

	buffer.Add(models.EventMessage{
		Topic:    models.TopicPlanCreate,
		EntityID: replacement.ID,
		After:    planDiffFields(replacement),
		Context: models.EventContext{
			Action:   action,
			ActorID:  actorValue(actorID),
			PortalID: replacement.PortalID,
		},
		Embedded: map[string]interface{}{"original": original},
	})

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit reassignment")
	}
	committed = true
	s.metrics.RecordPlanOperation(action)
	s.flush(ctx, buffer)
	return replacement, nil
}

func (s *PlanService) resolveReassignTarget(ctx context.Context, req ReassignPlanRequest, byID bool) (*models.Plan, error) {
	if byID {
		if len(req.PlanIDs) > 1 {
			return nil, appErrors.Clone(appErrors.ErrBusinessRule, "Only support a single plan for now")
		}
		return s.Get(ctx, req.PlanIDs[0])
	}
	plan, err := s.plans.FindActive(ctx, nil, req.UserID, req.PortalID, models.PlanEntityLO, req.LOID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "plan not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve active plan")
	}
	return plan, nil
}

// Archive deletes a plan, flips its provenance references to deleted and
// emits PLAN_DELETE plus a generic RO_DELETE for downstream cleanup.
func (s *PlanService) Archive(ctx context.Context, actor *models.JWTClaims, planID string) error {
	plan, err := s.Get(ctx, planID)
	if err != nil {
		return err
	}
	if !s.policy.CanManage(actor, plan.UserID, plan.PortalID) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to archive this plan")
	}

	tx, err := s.plans.BeginTx(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	buffer := events.NewBuffer()
	if err := s.archiveInTx(ctx, tx, plan, actor, buffer, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit archival")
	}
	committed = true
	s.metrics.RecordPlanOperation(models.EventActionDelete)
	s.flush(ctx, buffer)
	return nil
}

func (s *PlanService) archiveInTx(ctx context.Context, tx sqlx.ExtContext, plan *models.Plan, actor *models.JWTClaims, buffer *events.Buffer, groupID string) error {
	if err := s.enrolments.UnlinkPlan(ctx, tx, plan.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to unlink plan")
	}
	if err := s.plans.SoftDeleteReferences(ctx, tx, plan.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire plan references")
	}
	if err := s.plans.Delete(ctx, tx, plan.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete plan")
	}
	evCtx := models.EventContext{
		Action:   models.EventActionDelete,
		ActorID:  actorValue(actorRef(actor)),
		PortalID: plan.PortalID,
		GroupID:  groupID,
	}
	buffer.Add(models.EventMessage{
		Topic:    models.TopicPlanDelete,
		EntityID: plan.ID,
		Before:   planDiffFields(plan),
		Context:  evCtx,
	})
	buffer.Add(models.EventMessage{
		Topic:    models.TopicRODelete,
		EntityID: plan.ID,
		Before:   map[string]interface{}{"entity_type": string(plan.EntityType), "entity_id": plan.EntityID},
		Context:  evCtx,
	})
	return nil
}

// ArchiveGroup deletes every plan produced by a group assignment and emits a
// single GROUP_ASSIGN_DELETE after the per-plan deletions.
func (s *PlanService) ArchiveGroup(ctx context.Context, actor *models.JWTClaims, groupID string) error {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	if !s.policy.CanManage(actor, group.OwnerID, group.PortalID) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to archive group assignments")
	}

	tx, err := s.plans.BeginTx(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	plans, err := s.plans.FindBySource(ctx, tx, models.PlanReferenceSourceGroup, groupID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve group plans")
	}

	buffer := events.NewBuffer()
	for i := range plans {
		if err := s.archiveInTx(ctx, tx, &plans[i], actor, buffer, groupID); err != nil {
			return err
		}
	}
	buffer.Add(models.EventMessage{
		Topic:    models.TopicGroupAssignDelete,
		EntityID: groupID,
		Before:   map[string]interface{}{"plan_count": len(plans)},
		Context: models.EventContext{
			Action:   models.EventActionDelete,
			ActorID:  actorValue(actorRef(actor)),
			PortalID: group.PortalID,
			GroupID:  groupID,
		},
	})

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit group archival")
	}
	committed = true
	s.metrics.RecordPlanOperation(models.EventActionDelete)
	s.flush(ctx, buffer)
	return nil
}

// AssignGroup fans one assignment out to each member, each in its own
// transaction. A member failure does not undo plans already created for
// others; the group-level event goes out only after every member was tried.
func (s *PlanService) AssignGroup(ctx context.Context, actor *models.JWTClaims, req GroupAssignRequest) (*GroupAssignResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group assignment payload")
	}
	group, err := s.groups.FindByID(ctx, req.GroupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	if !s.policy.CanManage(actor, group.OwnerID, group.PortalID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to assign plans to this group")
	}
	// Validated once up front so a bad date rejects the whole fan-out before
	// any member plan is written.
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if dueDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "due date must not be in the past")
	}

	members, err := s.groups.ListMembers(ctx, req.GroupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list group members")
	}
	targets := make([]string, 0, len(members)+1)
	seen := make(map[string]struct{}, len(members)+1)
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		targets = append(targets, m.UserID)
	}
	if !req.ExcludeSelf {
		if _, ok := seen[group.OwnerID]; !ok {
			targets = append(targets, group.OwnerID)
		}
	}

	result := &GroupAssignResult{Failed: map[string]string{}}
	buffer := events.NewBuffer()
	actorID := actorRef(actor)
	for _, userID := range targets {
		memberReq := AssignPlanRequest{
			UserID:     userID,
			PortalID:   group.PortalID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			DueDate:    req.DueDate,
			AssignerID: req.AssignerID,
			Notify:     req.Notify,
			SourceType: models.PlanReferenceSourceGroup,
			SourceID:   group.ID,
		}
		plan, err := s.assignMember(ctx, memberReq, actorID, dueDate)
		if err != nil {
			s.logger.Warn("group member assignment failed",
				zap.String("group_id", group.ID),
				zap.String("user_id", userID),
				zap.Error(err))
			result.Failed[userID] = err.Error()
			continue
		}
		result.Assigned = append(result.Assigned, userID)
		buffer.Add(models.EventMessage{
			Topic:    models.TopicDoEnrolmentPlanCreate,
			EntityID: plan.ID,
			After:    planDiffFields(plan),
			Context: models.EventContext{
				Action:   models.EventActionAssigned,
				ActorID:  actorValue(actorID),
				PortalID: group.PortalID,
				GroupID:  group.ID,
				Notify:   req.Notify,
			},
		})
	}

	buffer.Add(models.EventMessage{
		Topic:    models.TopicGroupAssignCreate,
		EntityID: group.ID,
		After: map[string]interface{}{
			"entity_type": req.EntityType,
			"entity_id":   req.EntityID,
			"due_date":    req.DueDate,
			"assigned":    len(result.Assigned),
		},
		Context: models.EventContext{
			Action:   models.EventActionAssigned,
			ActorID:  actorValue(actorID),
			PortalID: group.PortalID,
			GroupID:  group.ID,
			Notify:   req.Notify,
		},
	})
	s.metrics.RecordPlanOperation(models.EventActionAssigned)
	s.flush(ctx, buffer)

	if len(result.Assigned) == 0 && len(result.Failed) > 0 {
		return result, appErrors.Clone(appErrors.ErrInternal, "all group member assignments failed")
	}
	return result, nil
}

// assignMember runs one member assignment in its own transaction so a failure
// stays contained to that member.
func (s *PlanService) assignMember(ctx context.Context, req AssignPlanRequest, actorID *string, dueDate time.Time) (*models.Plan, error) {
	tx, err := s.plans.BeginTx(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	buffer := events.NewBuffer()
	plan, err := s.assignInTx(ctx, tx, req, models.PlanEntityType(req.EntityType), req.AssignerID, &dueDate, buffer, models.EventContext{
		Action:   models.EventActionAssigned,
		ActorID:  actorValue(actorID),
		PortalID: req.PortalID,
		GroupID:  req.SourceID,
		Notify:   req.Notify,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit member assignment")
	}
	committed = true
	s.flush(ctx, buffer)
	return plan, nil
}

func (s *PlanService) resolveAssigner(ctx context.Context, actor *models.JWTClaims, assignerID *string) (*string, error) {
	if assignerID == nil {
		return actorRef(actor), nil
	}
	if _, err := s.users.FindByID(ctx, *assignerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("assigner %s not found", *assignerID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve assigner")
	}
	return assignerID, nil
}

func (s *PlanService) flush(ctx context.Context, buffer *events.Buffer) {
	for _, msg := range buffer.Messages() {
		s.metrics.RecordEvent(msg.Topic)
	}
	if s.emitter == nil {
		buffer.Discard()
		return
	}
	if err := buffer.Flush(ctx, s.emitter); err != nil {
		s.logger.Warn("event emission failed", zap.Error(err))
	}
}

// planSnapshot captures the superseded plan for embedded.original payloads.
func planSnapshot(p *models.Plan) map[string]interface{} {
	snapshot := map[string]interface{}{
		"id":          p.ID,
		"user_id":     p.UserID,
		"portal_id":   p.PortalID,
		"entity_type": string(p.EntityType),
		"entity_id":   p.EntityID,
		"status":      string(p.Status),
		"type":        string(p.Type),
	}
	if p.AssignerID != nil {
		snapshot["assigner_id"] = *p.AssignerID
	}
	if p.DueDate != nil {
		snapshot["due_date"] = p.DueDate.UTC().Format(time.RFC3339)
	}
	return snapshot
}
