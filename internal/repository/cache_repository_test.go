package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
)

func TestCacheRepositoryNilClientReportsMiss(t *testing.T) {
	repo := NewCacheRepository(nil, zap.NewNop())

	var out string
	err := repo.Get(context.Background(), "progress:user-1", &out)
	require.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestCacheRepositoryNilClientWritesAreNoOps(t *testing.T) {
	repo := NewCacheRepository(nil, zap.NewNop())

	require.NoError(t, repo.Set(context.Background(), "progress:user-1", "payload", time.Minute))
	require.NoError(t, repo.DeleteByPattern(context.Background(), "progress:*"))
	require.NoError(t, repo.Close())
}
