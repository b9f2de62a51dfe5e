package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

func TestLearningObjectRepositoryIsPublished(t *testing.T) {
	db, mock, closeFn := newEnrolmentRepoMock(t)
	defer closeFn()
	repo := NewLearningObjectRepository(db)

	mock.ExpectQuery(`SELECT status FROM learning_objects WHERE id = \$1`).
		WithArgs("lo-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.LOStatusPublished)))

	published, err := repo.IsPublished(context.Background(), "lo-1")
	require.NoError(t, err)
	assert.True(t, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLearningObjectRepositoryIsPublishedUnpublished(t *testing.T) {
	db, mock, closeFn := newEnrolmentRepoMock(t)
	defer closeFn()
	repo := NewLearningObjectRepository(db)

	mock.ExpectQuery(`SELECT status FROM learning_objects WHERE id = \$1`).
		WithArgs("lo-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.LOStatusUnpublished)))

	published, err := repo.IsPublished(context.Background(), "lo-1")
	require.NoError(t, err)
	assert.False(t, published)
}

func TestLearningObjectRepositoryIsPublishedMissing(t *testing.T) {
	db, mock, closeFn := newEnrolmentRepoMock(t)
	defer closeFn()
	repo := NewLearningObjectRepository(db)

	mock.ExpectQuery(`SELECT status FROM learning_objects WHERE id = \$1`).
		WithArgs("lo-missing").
		WillReturnError(sql.ErrNoRows)

	// Absence surfaces as sql.ErrNoRows, not as an unpublished object.
	_, err := repo.IsPublished(context.Background(), "lo-missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLearningObjectRepositoryChildrenOrdered(t *testing.T) {
	db, mock, closeFn := newEnrolmentRepoMock(t)
	defer closeFn()
	repo := NewLearningObjectRepository(db)

	rows := sqlmock.NewRows([]string{"id", "type", "elective", "weight"}).
		AddRow("lo-m1", string(models.LOTypeModule), false, 1).
		AddRow("lo-m2", string(models.LOTypeModule), true, 2)
	mock.ExpectQuery(`SELECT lo\.id, lo\.type, e\.elective, e\.weight\s+FROM lo_edges e`).
		WithArgs("lo-course", string(models.LOEdgeHasChild)).
		WillReturnRows(rows)

	children, err := repo.Children(context.Background(), "lo-course")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "lo-m1", children[0].ID)
	assert.True(t, children[1].Elective)
}
