package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
	"github.com/noah-isme/lms-enrolment-api/pkg/events"
)

type enrolmentStoreMock struct {
	db        *sqlx.DB
	enrolment *models.Enrolment
	findErr   error
	updateErr error
	deleteErr error
	updated   *models.Enrolment
	deleted   *models.Enrolment
	linked    []string
	revisions []models.EnrolmentRevision
}

func (m *enrolmentStoreMock) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return m.db.BeginTxx(ctx, nil)
}

func (m *enrolmentStoreMock) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrolment, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.enrolment == nil || m.enrolment.ID != id {
		return nil, sql.ErrNoRows
	}
	copied := *m.enrolment
	return &copied, nil
}

func (m *enrolmentStoreMock) Update(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	copied := *enrolment
	m.updated = &copied
	return nil
}

func (m *enrolmentStoreMock) Delete(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	copied := *enrolment
	m.deleted = &copied
	return nil
}

func (m *enrolmentStoreMock) LinkPlan(ctx context.Context, exec sqlx.ExtContext, enrolmentID, planID string, dueDate *time.Time) error {
	m.linked = append(m.linked, planID)
	return nil
}

func (m *enrolmentStoreMock) ListRevisions(ctx context.Context, enrolmentID string) ([]models.EnrolmentRevision, error) {
	return m.revisions, nil
}

func (m *enrolmentStoreMock) List(ctx context.Context, filter models.EnrolmentFilter) ([]models.Enrolment, int, error) {
	if m.enrolment == nil {
		return nil, 0, nil
	}
	return []models.Enrolment{*m.enrolment}, 1, nil
}

type duePlanStoreMock struct {
	active    *models.Plan
	created   []*models.Plan
	updated   []*models.Plan
	createErr error
	updateErr error
}

func (m *duePlanStoreMock) FindActive(ctx context.Context, exec sqlx.ExtContext, userID, portalID string, entityType models.PlanEntityType, entityID string) (*models.Plan, error) {
	if m.active == nil {
		return nil, sql.ErrNoRows
	}
	copied := *m.active
	return &copied, nil
}

func (m *duePlanStoreMock) Create(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error {
	if m.createErr != nil {
		return m.createErr
	}
	if plan.ID == "" {
		plan.ID = "plan-" + strconv.Itoa(len(m.created)+1)
	}
	copied := *plan
	m.created = append(m.created, &copied)
	m.active = &copied
	return nil
}

func (m *duePlanStoreMock) Update(ctx context.Context, exec sqlx.ExtContext, plan *models.Plan) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	copied := *plan
	m.updated = append(m.updated, &copied)
	m.active = &copied
	return nil
}

type progressEngineMock struct {
	propagations int
	recalcs      int
	changed      bool
	err          error
}

func (m *progressEngineMock) Propagate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) error {
	m.propagations++
	return m.err
}

func (m *progressEngineMock) Recalculate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) (bool, error) {
	m.recalcs++
	return m.changed, m.err
}

type policyMock struct {
	manage    bool
	downgrade bool
}

func (m policyMock) CanManage(actor *models.JWTClaims, ownerUserID, portalID string) bool {
	return m.manage
}

func (m policyMock) CanDowngrade(actor *models.JWTClaims) bool {
	return m.downgrade
}

type emitterRecorder struct {
	messages []models.EventMessage
	err      error
}

func (m *emitterRecorder) Emit(ctx context.Context, msg models.EventMessage) error {
	m.messages = append(m.messages, msg)
	return m.err
}

func newEnrolmentStoreMock(t *testing.T, enrolment *models.Enrolment) (*enrolmentStoreMock, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &enrolmentStoreMock{db: sqlx.NewDb(db, "sqlmock"), enrolment: enrolment}, mock
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin, PortalID: "portal-1"}
}

func learnerClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleLearner, PortalID: "portal-1"}
}

func learnerEnrolment() *models.Enrolment {
	return &models.Enrolment{
		ID:            "e-1",
		UserID:        "user-1",
		LOID:          "lo-1",
		TakenPortalID: "portal-1",
		Status:        models.EnrolmentStatusInProgress,
		Pass:          models.PassUnset,
	}
}

func TestEnrolmentServiceUpdateStatusCompleted(t *testing.T) {
	store, mock := newEnrolmentStoreMock(t, learnerEnrolment())
	progress := &progressEngineMock{}
	emitter := &emitterRecorder{}
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, progress, policyMock{manage: true}, emitter, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()

	pass := string(models.PassPassed)
	result := 87.5
	updated, err := svc.UpdateStatus(context.Background(), adminClaims(), "e-1", UpdateEnrolmentStatusRequest{
		Status: string(models.EnrolmentStatusCompleted),
		Pass:   &pass,
		Result: &result,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrolmentStatusCompleted, updated.Status)
	assert.Equal(t, models.PassPassed, updated.Pass)
	assert.NotNil(t, updated.EndDate)
	assert.Equal(t, 1, progress.propagations)

	require.Len(t, emitter.messages, 1)
	msg := emitter.messages[0]
	assert.Equal(t, models.TopicEnrolmentUpdate, msg.Topic)
	assert.Equal(t, "e-1", msg.EntityID)
	assert.Equal(t, models.EventActionCompleted, msg.Context.Action)
	assert.Equal(t, "admin-1", msg.Context.ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentServiceUpdateStatusUnknownValue(t *testing.T) {
	store, _ := newEnrolmentStoreMock(t, learnerEnrolment())
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, nil, nil, nil, nil)

	_, err := svc.UpdateStatus(context.Background(), adminClaims(), "e-1", UpdateEnrolmentStatusRequest{Status: "DONE"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestEnrolmentServiceUpdateStatusForbidden(t *testing.T) {
	store, _ := newEnrolmentStoreMock(t, learnerEnrolment())
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: false}, nil, nil, nil, nil)

	_, err := svc.UpdateStatus(context.Background(), adminClaims(), "e-1", UpdateEnrolmentStatusRequest{
		Status: string(models.EnrolmentStatusCompleted),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestEnrolmentServiceUpdateStatusDowngradeNeedsAdmin(t *testing.T) {
	enrolment := learnerEnrolment()
	enrolment.Status = models.EnrolmentStatusCompleted
	store, _ := newEnrolmentStoreMock(t, enrolment)
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true, downgrade: false}, nil, nil, nil, nil)

	_, err := svc.UpdateStatus(context.Background(), adminClaims(), "e-1", UpdateEnrolmentStatusRequest{
		Status: string(models.EnrolmentStatusInProgress),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrBusinessRule.Code, appErr.Code)
	assert.Equal(t, 422, appErr.Status)
}

func TestEnrolmentServiceUpdateStatusRollbackEmitsNothing(t *testing.T) {
	store, mock := newEnrolmentStoreMock(t, learnerEnrolment())
	store.updateErr = errors.New("write failed")
	emitter := &emitterRecorder{}
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, emitter, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.UpdateStatus(context.Background(), adminClaims(), "e-1", UpdateEnrolmentStatusRequest{
		Status: string(models.EnrolmentStatusCompleted),
	})
	require.Error(t, err)
	assert.Empty(t, emitter.messages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentServiceSetDueDateCreatesSinglePlan(t *testing.T) {
	store, mock := newEnrolmentStoreMock(t, learnerEnrolment())
	plans := &duePlanStoreMock{}
	emitter := &emitterRecorder{}
	svc := NewEnrolmentService(store, plans, &progressEngineMock{}, policyMock{manage: true}, emitter, nil, nil, nil)

	due := time.Now().UTC().Add(48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectCommit()
	updated, err := svc.SetDueDate(context.Background(), adminClaims(), "e-1", SetDueDateRequest{
		DueDate: strconv.FormatInt(due.Unix(), 10),
	})
	require.NoError(t, err)
	require.Len(t, plans.created, 1)
	assert.Equal(t, models.PlanStatusScheduled, plans.created[0].Status)
	assert.Equal(t, models.PlanTypeSuggested, plans.created[0].Type)
	require.NotNil(t, updated.PlanID)
	assert.Equal(t, plans.created[0].ID, *updated.PlanID)
	require.Len(t, emitter.messages, 1)
	assert.Equal(t, models.TopicPlanCreate, emitter.messages[0].Topic)

	// A second update addresses the existing plan in place.
	mock.ExpectBegin()
	mock.ExpectCommit()
	_, err = svc.SetDueDate(context.Background(), adminClaims(), "e-1", SetDueDateRequest{
		DueDate: due.Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Len(t, plans.created, 1)
	require.Len(t, plans.updated, 1)
	require.Len(t, emitter.messages, 2)
	assert.Equal(t, models.TopicPlanUpdate, emitter.messages[1].Topic)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentServiceSetDueDatePastRejected(t *testing.T) {
	store, _ := newEnrolmentStoreMock(t, learnerEnrolment())
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, nil, nil, nil, nil)

	past := time.Now().UTC().Add(-time.Hour)
	_, err := svc.SetDueDate(context.Background(), adminClaims(), "e-1", SetDueDateRequest{
		DueDate: past.Format(time.RFC3339),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrBusinessRule.Code, appErrors.FromError(err).Code)
}

func TestEnrolmentServiceSetDueDateBadFormat(t *testing.T) {
	store, _ := newEnrolmentStoreMock(t, learnerEnrolment())
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, nil, nil, nil, nil)

	_, err := svc.SetDueDate(context.Background(), adminClaims(), "e-1", SetDueDateRequest{DueDate: "next tuesday"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestEnrolmentServiceRecalculate(t *testing.T) {
	store, mock := newEnrolmentStoreMock(t, learnerEnrolment())
	progress := &progressEngineMock{changed: true}
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, progress, policyMock{manage: true}, nil, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()
	_, changed, err := svc.Recalculate(context.Background(), adminClaims(), "e-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, progress.recalcs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentServiceUnenroll(t *testing.T) {
	store, mock := newEnrolmentStoreMock(t, learnerEnrolment())
	emitter := &emitterRecorder{}
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, emitter, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, svc.Unenroll(context.Background(), adminClaims(), "e-1"))
	require.NotNil(t, store.deleted)
	require.Len(t, emitter.messages, 1)
	assert.Equal(t, models.TopicEnrolmentDelete, emitter.messages[0].Topic)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentServiceGetNotFound(t *testing.T) {
	store, _ := newEnrolmentStoreMock(t, nil)
	svc := NewEnrolmentService(store, &duePlanStoreMock{}, &progressEngineMock{}, policyMock{manage: true}, nil, nil, nil, nil)

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
