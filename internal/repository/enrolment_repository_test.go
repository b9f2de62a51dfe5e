package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

func newEnrolmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func enrolmentRows(enrolments ...models.Enrolment) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "profile_id", "lo_id", "taken_portal_id", "parent_enrolment_id",
		"status", "pass", "result", "plan_id", "start_date", "end_date", "due_date",
		"data", "created_at", "updated_at",
	})
	for _, e := range enrolments {
		rows.AddRow(e.ID, e.UserID, e.ProfileID, e.LOID, e.TakenPortalID, e.ParentEnrolmentID,
			e.Status, e.Pass, e.Result, e.PlanID, e.StartDate, e.EndDate, e.DueDate,
			[]byte(`{}`), time.Now(), time.Now())
	}
	return rows
}

func TestEnrolmentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM enrolments WHERE id = \$1`).
		WithArgs("e-1").
		WillReturnRows(enrolmentRows(models.Enrolment{
			ID: "e-1", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
			Status: models.EnrolmentStatusInProgress, Pass: models.PassUnset,
		}))

	enrolment, err := repo.FindByID(context.Background(), nil, "e-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", enrolment.UserID)
	require.Equal(t, models.EnrolmentStatusInProgress, enrolment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM enrolments WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), nil, "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryFindByUserLOPortal(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM enrolments\s+WHERE user_id = \$1 AND lo_id = \$2 AND taken_portal_id = \$3`).
		WithArgs("user-1", "lo-1", "portal-1").
		WillReturnRows(enrolmentRows(models.Enrolment{
			ID: "e-1", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
			Status: models.EnrolmentStatusNotStarted, Pass: models.PassUnset,
		}))

	enrolment, err := repo.FindByUserLOPortal(context.Background(), nil, "user-1", "lo-1", "portal-1")
	require.NoError(t, err)
	require.Equal(t, "e-1", enrolment.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryAncestorChainOrder(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	parent := "e-course"
	mock.ExpectQuery(`WITH RECURSIVE ancestors AS`).
		WithArgs("e-leaf").
		WillReturnRows(enrolmentRows(
			models.Enrolment{ID: "e-module", UserID: "user-1", LOID: "lo-module", TakenPortalID: "portal-1",
				ParentEnrolmentID: &parent, Status: models.EnrolmentStatusInProgress, Pass: models.PassUnset},
			models.Enrolment{ID: "e-course", UserID: "user-1", LOID: "lo-course", TakenPortalID: "portal-1",
				Status: models.EnrolmentStatusInProgress, Pass: models.PassUnset},
		))

	chain, err := repo.AncestorChain(context.Background(), nil, "e-leaf")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "e-module", chain[0].ID)
	require.Equal(t, "e-course", chain[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectExec(`INSERT INTO enrolments`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	enrolment := &models.Enrolment{UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1"}
	require.NoError(t, repo.Create(context.Background(), nil, enrolment))
	require.NotEmpty(t, enrolment.ID)
	require.Equal(t, models.EnrolmentStatusNotStarted, enrolment.Status)
	require.Equal(t, models.PassUnset, enrolment.Pass)
	require.False(t, enrolment.UpdatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryUpdateAppendsRevision(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectExec(`UPDATE enrolments SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO enrolment_revisions`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	actor := "admin-1"
	enrolment := &models.Enrolment{
		ID: "e-1", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
		Status: models.EnrolmentStatusCompleted, Pass: models.PassPassed,
	}
	require.NoError(t, repo.Update(context.Background(), nil, enrolment, &actor, "status change"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryDeleteSnapshotsFirst(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectExec(`INSERT INTO enrolment_revisions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM enrolments WHERE id = \$1`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	enrolment := &models.Enrolment{
		ID: "e-1", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
		Status: models.EnrolmentStatusNotStarted, Pass: models.PassUnset,
	}
	require.NoError(t, repo.Delete(context.Background(), nil, enrolment, nil, "unenrolled"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryDeleteMissingRow(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectExec(`INSERT INTO enrolment_revisions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM enrolments WHERE id = \$1`).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	enrolment := &models.Enrolment{
		ID: "gone", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
		Status: models.EnrolmentStatusNotStarted, Pass: models.PassUnset,
	}
	err := repo.Delete(context.Background(), nil, enrolment, nil, "")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryLinkAndUnlinkPlan(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	due := time.Now().Add(48 * time.Hour)
	mock.ExpectExec(`UPDATE enrolments SET plan_id = \$2, due_date = \$3, updated_at = \$4 WHERE id = \$1`).
		WithArgs("e-1", "plan-1", due, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.LinkPlan(context.Background(), nil, "e-1", "plan-1", &due))

	mock.ExpectExec(`UPDATE enrolments SET plan_id = NULL, due_date = NULL, updated_at = \$2 WHERE plan_id = \$1`).
		WithArgs("plan-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, repo.UnlinkPlan(context.Background(), nil, "plan-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryFoundLink(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectQuery(`SELECT 1 FROM enrolments WHERE id = \$1 AND plan_id = \$2 LIMIT 1`).
		WithArgs("e-1", "plan-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	found, err := repo.FoundLink(context.Background(), "plan-1", "e-1")
	require.NoError(t, err)
	require.True(t, found)

	mock.ExpectQuery(`SELECT 1 FROM enrolments WHERE id = \$1 AND plan_id = \$2 LIMIT 1`).
		WithArgs("e-2", "plan-1").
		WillReturnError(sql.ErrNoRows)
	found, err = repo.FoundLink(context.Background(), "plan-1", "e-2")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrolmentRepositoryListFiltersAndCounts(t *testing.T) {
	db, mock, cleanup := newEnrolmentRepoMock(t)
	defer cleanup()
	repo := NewEnrolmentRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM enrolments WHERE user_id = \$1 AND status = \$2 ORDER BY due_date ASC LIMIT 10 OFFSET 10`).
		WithArgs("user-1", models.EnrolmentStatusInProgress).
		WillReturnRows(enrolmentRows(models.Enrolment{
			ID: "e-1", UserID: "user-1", LOID: "lo-1", TakenPortalID: "portal-1",
			Status: models.EnrolmentStatusInProgress, Pass: models.PassUnset,
		}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrolments WHERE user_id = \$1 AND status = \$2`).
		WithArgs("user-1", models.EnrolmentStatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	enrolments, total, err := repo.List(context.Background(), models.EnrolmentFilter{
		UserID:    "user-1",
		Status:    models.EnrolmentStatusInProgress,
		SortBy:    "due_date",
		SortOrder: "asc",
		Page:      2,
		PageSize:  10,
	})
	require.NoError(t, err)
	require.Len(t, enrolments, 1)
	require.Equal(t, 11, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
