package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
)

type cacheRepoStub struct {
	getErr   error
	value    string
	setTTLs  map[string]time.Duration
	patterns []string
}

func (s *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	if s.getErr != nil {
		return s.getErr
	}
	if out, ok := dest.(*string); ok {
		*out = s.value
	}
	return nil
}

func (s *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s.setTTLs == nil {
		s.setTTLs = map[string]time.Duration{}
	}
	s.setTTLs[key] = ttl
	return nil
}

func (s *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	s.patterns = append(s.patterns, pattern)
	return nil
}

func TestCacheServiceGetMissIsNotAnError(t *testing.T) {
	repo := &cacheRepoStub{getErr: appErrors.ErrCacheMiss}
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)

	var out string
	hit, err := svc.Get(context.Background(), "progress:user-1", &out)

	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheServiceGetHit(t *testing.T) {
	repo := &cacheRepoStub{value: "cached payload"}
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)

	var out string
	hit, err := svc.Get(context.Background(), "progress:user-1", &out)

	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached payload", out)
}

func TestCacheServiceGetFailurePropagates(t *testing.T) {
	repo := &cacheRepoStub{getErr: errors.New("connection refused")}
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)

	var out string
	hit, err := svc.Get(context.Background(), "progress:user-1", &out)

	require.Error(t, err)
	assert.False(t, hit)
}

func TestCacheServiceDisabledSkipsRepository(t *testing.T) {
	repo := &cacheRepoStub{getErr: errors.New("should not be called")}
	svc := NewCacheService(repo, nil, time.Minute, zap.NewNop(), false)

	var out string
	hit, err := svc.Get(context.Background(), "progress:user-1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(context.Background(), "progress:user-1", "payload", time.Minute))
	require.NoError(t, svc.Invalidate(context.Background(), "progress:*"))
	assert.Empty(t, repo.setTTLs)
	assert.Empty(t, repo.patterns)
}

func TestCacheServiceSetAppliesDefaultTTL(t *testing.T) {
	repo := &cacheRepoStub{}
	svc := NewCacheService(repo, nil, 10*time.Minute, zap.NewNop(), true)

	require.NoError(t, svc.Set(context.Background(), "progress:user-1", "payload", 0))
	assert.Equal(t, 10*time.Minute, repo.setTTLs["progress:user-1"])
}
