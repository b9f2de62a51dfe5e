package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

func planRows(plans ...models.Plan) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "assigner_id", "portal_id", "entity_type", "entity_id",
		"status", "type", "due_date", "data", "created_at", "updated_at",
	})
	for _, p := range plans {
		rows.AddRow(p.ID, p.UserID, p.AssignerID, p.PortalID, p.EntityType, p.EntityID,
			p.Status, p.Type, p.DueDate, []byte(`{}`), time.Now(), time.Now())
	}
	return rows
}

func TestPlanRepositoryFindActive(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	assigner := "assigner-1"
	mock.ExpectQuery(`SELECT .+ FROM plans\s+WHERE user_id = \$1 AND portal_id = \$2 AND entity_type = \$3 AND entity_id = \$4 AND status <> \$5`).
		WithArgs("user-1", "portal-1", models.PlanEntityLO, "lo-1", models.PlanStatusArchived).
		WillReturnRows(planRows(models.Plan{
			ID: "plan-1", UserID: "user-1", AssignerID: &assigner, PortalID: "portal-1",
			EntityType: models.PlanEntityLO, EntityID: "lo-1",
			Status: models.PlanStatusAssigned, Type: models.PlanTypeAssigned,
		}))

	plan, err := repo.FindActive(context.Background(), nil, "user-1", "portal-1", models.PlanEntityLO, "lo-1")
	require.NoError(t, err)
	require.Equal(t, "plan-1", plan.ID)
	require.Equal(t, models.PlanStatusAssigned, plan.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryFindActiveNone(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM plans\s+WHERE user_id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActive(context.Background(), nil, "user-1", "portal-1", models.PlanEntityLO, "lo-1")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectExec(`INSERT INTO plans`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	plan := &models.Plan{UserID: "user-1", PortalID: "portal-1", EntityType: models.PlanEntityLO, EntityID: "lo-1"}
	require.NoError(t, repo.Create(context.Background(), nil, plan))
	require.NotEmpty(t, plan.ID)
	require.Equal(t, models.PlanStatusAssigned, plan.Status)
	require.Equal(t, models.PlanTypeAssigned, plan.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryArchiveAndRecreate(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectExec(`INSERT INTO plan_revisions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM plans WHERE id = \$1`).
		WithArgs("plan-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO plans`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	originalAssigner := "assigner-0"
	newAssigner := "admin-1"
	due := time.Now().Add(72 * time.Hour)
	old := &models.Plan{
		ID: "plan-old", UserID: "user-1", AssignerID: &originalAssigner, PortalID: "portal-1",
		EntityType: models.PlanEntityLO, EntityID: "lo-1",
		Status: models.PlanStatusAssigned, Type: models.PlanTypeAssigned,
	}
	replacement, err := repo.ArchiveAndRecreate(context.Background(), nil, old, PlanFields{
		AssignerID: &newAssigner,
		DueDate:    &due,
		Status:     models.PlanStatusAssigned,
		Type:       models.PlanTypeAssigned,
	}, nil)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, replacement.ID)
	require.Equal(t, &newAssigner, replacement.AssignerID)
	require.Equal(t, old.UserID, replacement.UserID)
	require.Equal(t, old.EntityID, replacement.EntityID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryCreateRevisionHonoursTimestamp(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO plan_revisions`).
		WithArgs(sqlmock.AnyArg(), "plan-1", "user-1", nil, "portal-1",
			models.PlanEntityLO, "lo-1", models.PlanStatusAssigned, models.PlanTypeAssigned, nil, at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	plan := &models.Plan{
		ID: "plan-1", UserID: "user-1", PortalID: "portal-1",
		EntityType: models.PlanEntityLO, EntityID: "lo-1",
		Status: models.PlanStatusAssigned, Type: models.PlanTypeAssigned,
	}
	require.NoError(t, repo.CreateRevision(context.Background(), nil, plan, &at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryDeleteMissingRow(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectExec(`DELETE FROM plans WHERE id = \$1`).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), nil, "gone")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryReferenceLifecycle(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectExec(`INSERT INTO plan_references`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	ref := &models.PlanReference{PlanID: "plan-1", SourceType: models.PlanReferenceSourceGroup, SourceID: "group-1"}
	require.NoError(t, repo.LinkReference(context.Background(), nil, ref))
	require.NotEmpty(t, ref.ID)
	require.Equal(t, models.PlanReferenceActive, ref.Status)

	mock.ExpectExec(`UPDATE plan_references SET status = \$2 WHERE plan_id = \$1`).
		WithArgs("plan-1", models.PlanReferenceDeleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SoftDeleteReferences(context.Background(), nil, "plan-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepositoryFindBySource(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewPlanRepository(db)

	mock.ExpectQuery(`SELECT p\.id, .+ FROM plans p\s+JOIN plan_references pr ON pr\.plan_id = p\.id\s+WHERE pr\.source_type = \$1 AND pr\.source_id = \$2 AND pr\.status = \$3`).
		WithArgs(models.PlanReferenceSourceGroup, "group-1", models.PlanReferenceActive).
		WillReturnRows(planRows(
			models.Plan{ID: "plan-1", UserID: "member-1", PortalID: "portal-1",
				EntityType: models.PlanEntityLO, EntityID: "lo-1",
				Status: models.PlanStatusAssigned, Type: models.PlanTypeAssigned},
			models.Plan{ID: "plan-2", UserID: "member-2", PortalID: "portal-1",
				EntityType: models.PlanEntityLO, EntityID: "lo-1",
				Status: models.PlanStatusAssigned, Type: models.PlanTypeAssigned},
		))

	plans, err := repo.FindBySource(context.Background(), nil, models.PlanReferenceSourceGroup, "group-1")
	require.NoError(t, err)
	require.Len(t, plans, 2)
	require.Equal(t, "member-2", plans[1].UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}
