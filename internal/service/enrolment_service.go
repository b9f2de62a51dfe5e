package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
	"github.com/noah-isme/lms-enrolment-api/pkg/events"
)

type enrolmentStore interface {
	BeginTx(ctx context.Context) (*sqlx.Tx, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrolment, error)
	Update(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error
	Delete(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error
	LinkPlan(ctx context.Context, exec sqlx.ExtContext, enrolmentID, planID string, dueDate *time.Time) error
	ListRevisions(ctx context.Context, enrolmentID string) ([]models.EnrolmentRevision, error)
	List(ctx context.Context, filter models.EnrolmentFilter) ([]models.Enrolment, int, error)
}

type progressEngine interface {
	Propagate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) error
	Recalculate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) (bool, error)
}

type duePlanStore interface {
	FindActive(ctx context.Context, exec sqlx.ExtContext, userID, portalID string, entityType models.PlanEntityType, entityID string) (*models.Plan, error)
	Create(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error
	Update(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error
}

type managePolicy interface {
	CanManage(actor *models.JWTClaims, ownerUserID, portalID string) bool
	CanDowngrade(actor *models.JWTClaims) bool
}

// UpdateEnrolmentStatusRequest carries a direct status/pass/result write.
type UpdateEnrolmentStatusRequest struct {
	Status string   `json:"status" validate:"required"`
	Pass   *string  `json:"pass,omitempty"`
	Result *float64 `json:"result,omitempty"`
	Note   string   `json:"note,omitempty"`
}

// SetDueDateRequest carries a due date as unix seconds or RFC 3339.
type SetDueDateRequest struct {
	DueDate string `json:"due_date" validate:"required"`
}

// EnrolmentService owns the mutation entry points for enrolments. Every
// mutating operation runs inside one transaction covering the write and the
// full upward propagation; events are flushed only after commit.
type EnrolmentService struct {
	repo      enrolmentStore
	plans     duePlanStore
	progress  progressEngine
	policy    managePolicy
	emitter   events.Emitter
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// NewEnrolmentService constructs EnrolmentService.
func NewEnrolmentService(repo enrolmentStore, plans duePlanStore, progress progressEngine, policy managePolicy, emitter events.Emitter, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *EnrolmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrolmentService{
		repo:      repo,
		plans:     plans,
		progress:  progress,
		policy:    policy,
		emitter:   emitter,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
	}
}

// Get returns a single enrolment.
func (s *EnrolmentService) Get(ctx context.Context, id string) (*models.Enrolment, error) {
	enrolment, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrolment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrolment")
	}
	return enrolment, nil
}

// List returns enrolments with pagination metadata.
func (s *EnrolmentService) List(ctx context.Context, filter models.EnrolmentFilter) ([]models.Enrolment, *models.Pagination, error) {
	enrolments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrolments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrolments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// History returns the revision trail of an enrolment, newest first.
func (s *EnrolmentService) History(ctx context.Context, id string) ([]models.EnrolmentRevision, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	revisions, err := s.repo.ListRevisions(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrolment history")
	}
	return revisions, nil
}

// UpdateStatus writes a status/pass/result onto an enrolment and propagates
// the change to every ancestor. Check order: existence, permission, business
// rules, then the transactional write.
func (s *EnrolmentService) UpdateStatus(ctx context.Context, actor *models.JWTClaims, id string, req UpdateEnrolmentStatusRequest) (*models.Enrolment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	status := models.EnrolmentStatus(req.Status)
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown enrolment status %q", req.Status))
	}
	var pass models.PassStatus
	if req.Pass != nil {
		pass = models.PassStatus(*req.Pass)
		if !pass.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown pass value %q", *req.Pass))
		}
	}

	enrolment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanManage(actor, enrolment.UserID, enrolment.TakenPortalID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to manage this enrolment")
	}
	if enrolment.Status.IsDowngradeTo(status) && !s.policy.CanDowngrade(actor) {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "status downgrade requires an administrator")
	}

	tx, err := s.repo.BeginTx(ctx)
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

	before := enrolmentDiffFields(enrolment)
	now := time.Now().UTC()
	enrolment.Status = status
	if req.Pass != nil {
		enrolment.Pass = pass
	}
	if req.Result != nil {
		enrolment.Result = req.Result
	}
	if status == models.EnrolmentStatusInProgress && enrolment.StartDate == nil {
		enrolment.StartDate = &now
	}
	if status == models.EnrolmentStatusCompleted && enrolment.EndDate == nil {
		enrolment.EndDate = &now
	}
	if err := s.repo.Update(ctx, tx, enrolment, actorID, req.Note); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrolment")
	}

	action := models.EventActionUpdate
	if status == models.EnrolmentStatusCompleted {
		action = models.EventActionCompleted
	}
	buffer.Add(models.EventMessage{
		Topic:    models.TopicEnrolmentUpdate,
		EntityID: enrolment.ID,
		Before:   before,
		After:    enrolmentDiffFields(enrolment),
		Context: models.EventContext{
			Action:   action,
			ActorID:  actorValue(actorID),
			PortalID: enrolment.TakenPortalID,
		},
	})

	if err := s.progress.Propagate(ctx, tx, enrolment, actorID, buffer); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to propagate status change")
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit status change")
	}
	committed = true
	s.flush(ctx, buffer)
	return enrolment, nil
}

// SetDueDate creates the single active plan for the enrolment's LO when none
// exists (status SCHEDULED), or updates it in place. A second call never
// creates a second plan row.
func (s *EnrolmentService) SetDueDate(ctx context.Context, actor *models.JWTClaims, id string, req SetDueDateRequest) (*models.Enrolment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid due date payload")
	}
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if dueDate.Before(time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, "due date must not be in the past")
	}

	enrolment, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanManage(actor, enrolment.UserID, enrolment.TakenPortalID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to manage this enrolment")
	}

	tx, err := s.repo.BeginTx(ctx)
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

	plan, err := s.plans.FindActive(ctx, tx, enrolment.UserID, enrolment.TakenPortalID, models.PlanEntityLO, enrolment.LOID)
	switch {
	case err == nil:
		before := planDiffFields(plan)
		plan.DueDate = &dueDate
		if err := s.plans.Update(ctx, tx, plan); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update plan")
		}
		buffer.Add(models.EventMessage{
			Topic:    models.TopicPlanUpdate,
			EntityID: plan.ID,
			Before:   before,
			After:    planDiffFields(plan),
			Context: models.EventContext{
				Action:   models.EventActionUpdate,
				ActorID:  actorValue(actorID),
				PortalID: plan.PortalID,
			},
		})
	case errors.Is(err, sql.ErrNoRows):
		plan = &models.Plan{
			UserID:     enrolment.UserID,
			AssignerID: actorID,
			PortalID:   enrolment.TakenPortalID,
			EntityType: models.PlanEntityLO,
			EntityID:   enrolment.LOID,
			Status:     models.PlanStatusScheduled,
			Type:       models.PlanTypeSuggested,
			DueDate:    &dueDate,
		}
		if err := s.plans.Create(ctx, tx, plan); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create plan")
		}
		buffer.Add(models.EventMessage{
			Topic:    models.TopicPlanCreate,
			EntityID: plan.ID,
			After:    planDiffFields(plan),
			Context: models.EventContext{
				Action:   models.EventActionUpdate,
				ActorID:  actorValue(actorID),
				PortalID: plan.PortalID,
			},
		})
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve active plan")
	}

	if err := s.repo.LinkPlan(ctx, tx, enrolment.ID, plan.ID, &dueDate); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link plan")
	}
	enrolment.PlanID = &plan.ID
	enrolment.DueDate = &dueDate

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit due date change")
	}
	committed = true
	s.flush(ctx, buffer)
	return enrolment, nil
}

// Recalculate forces recomputation of the enrolment from its current children
// without requiring a status write. A no-op when nothing drifted.
func (s *EnrolmentService) Recalculate(ctx context.Context, actor *models.JWTClaims, id string) (*models.Enrolment, bool, error) {
	enrolment, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !s.policy.CanManage(actor, enrolment.UserID, enrolment.TakenPortalID) {
		return nil, false, appErrors.Clone(appErrors.ErrForbidden, "not allowed to manage this enrolment")
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	buffer := events.NewBuffer()
	changed, err := s.progress.Recalculate(ctx, tx, enrolment, actorRef(actor), buffer)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to recalculate enrolment")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit recalculation")
	}
	committed = true
	s.flush(ctx, buffer)
	return enrolment, changed, nil
}

// Unenroll archives the enrolment into its revision history and removes the
// row, emitting ENROLMENT_DELETE.
func (s *EnrolmentService) Unenroll(ctx context.Context, actor *models.JWTClaims, id string) error {
	enrolment, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.policy.CanManage(actor, enrolment.UserID, enrolment.TakenPortalID) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to manage this enrolment")
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	actorID := actorRef(actor)
	if err := s.repo.Delete(ctx, tx, enrolment, actorID, "unenrolled"); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete enrolment")
	}

	buffer := events.NewBuffer()
	buffer.Add(models.EventMessage{
		Topic:    models.TopicEnrolmentDelete,
		EntityID: enrolment.ID,
		Before:   enrolmentDiffFields(enrolment),
		Context: models.EventContext{
			Action:   models.EventActionDelete,
			ActorID:  actorValue(actorID),
			PortalID: enrolment.TakenPortalID,
		},
	})

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit unenrolment")
	}
	committed = true
	s.flush(ctx, buffer)
	return nil
}

func (s *EnrolmentService) flush(ctx context.Context, buffer *events.Buffer) {
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

func actorRef(actor *models.JWTClaims) *string {
	if actor == nil {
		return nil
	}
	return &actor.UserID
}

// parseDueDate accepts unix seconds or RFC 3339.
func parseDueDate(raw string) (time.Time, error) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date must be unix seconds or RFC 3339: %q", raw)
	}
	return ts.UTC(), nil
}

// planDiffFields captures the diffable plan fields for messages.
func planDiffFields(p *models.Plan) map[string]interface{} {
	fields := map[string]interface{}{
		"status": string(p.Status),
		"type":   string(p.Type),
	}
	if p.AssignerID != nil {
		fields["assigner_id"] = *p.AssignerID
	}
	if p.DueDate != nil {
		fields["due_date"] = p.DueDate.UTC().Format(time.RFC3339)
	}
	return fields
}
