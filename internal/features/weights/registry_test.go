package weights

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store/memstore"
)

func loaded(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	r := NewRegistry(s, nil)
	require.NoError(t, r.Load(context.Background(), ""))
	return r, s
}

func TestLoadBootstrapsDefault(t *testing.T) {
	r, s := loaded(t)
	p := r.GetActiveProfile()
	assert.Equal(t, models.DefaultProfileName, p.Name)
	assert.Equal(t, 2.0, p.VoteWeight)
	assert.Equal(t, 3.0, p.CommentWeight)
	assert.True(t, p.IsSystem)
	assert.Equal(t, 1, p.Version)

	// повторная загрузка ничего не дублирует
	require.NoError(t, r.Load(context.Background(), ""))
	all, err := s.ListProfiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetActiveProfile(t *testing.T) {
	ctx := context.Background()
	r, _ := loaded(t)

	err := r.SetActiveProfile(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrUnknownProfile)
	assert.Equal(t, models.DefaultProfileName, r.GetActiveProfile().Name)

	_, err = r.UpsertProfile(ctx, models.WeightProfile{Name: "comments", VoteWeight: 1, CommentWeight: 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultProfileName, r.GetActiveProfile().Name)

	require.NoError(t, r.SetActiveProfile(ctx, "comments"))
	assert.Equal(t, 10.0, r.GetActiveProfile().CommentWeight)
}

func TestUpsertProfileValidation(t *testing.T) {
	ctx := context.Background()
	r, s := loaded(t)

	bad := []models.WeightProfile{
		{Name: "neg", VoteWeight: -1},
		{Name: "nan", CommentWeight: math.NaN()},
		{Name: "inf", ViewWeight: math.Inf(1)},
		{Name: "  "},
	}
	for _, p := range bad {
		_, err := r.UpsertProfile(ctx, p, nil)
		assert.ErrorIs(t, err, common.ErrInvalidWeight, p.Name)
	}
	all, _ := s.ListProfiles(ctx)
	assert.Len(t, all, 1)
}

func TestUpsertProfileSystemImmutable(t *testing.T) {
	r, _ := loaded(t)
	_, err := r.UpsertProfile(context.Background(), models.WeightProfile{Name: models.DefaultProfileName, VoteWeight: 100}, nil)
	assert.ErrorIs(t, err, common.ErrSystemProfile)
	assert.Equal(t, 2.0, r.GetActiveProfile().VoteWeight)
}

func TestUpsertActiveProfileBumpsVersion(t *testing.T) {
	ctx := context.Background()
	r, _ := loaded(t)
	actor := uuid.New()

	p, err := r.UpsertProfile(ctx, models.WeightProfile{Name: "custom", VoteWeight: 1}, &actor)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	require.NoError(t, r.SetActiveProfile(ctx, "custom"))

	p, err = r.UpsertProfile(ctx, models.WeightProfile{Name: "custom", VoteWeight: 4}, &actor)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)

	active := r.GetActiveProfile()
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, 4.0, active.VoteWeight)
	require.NotNil(t, active.UpdatedBy)
	assert.Equal(t, actor, *active.UpdatedBy)
}

func TestReloadPicksUpOtherProcess(t *testing.T) {
	ctx := context.Background()
	r, s := loaded(t)

	// второй процесс пишет в то же хранилище
	other := NewRegistry(s, nil)
	_, err := other.UpsertProfile(ctx, models.WeightProfile{Name: "views", ViewWeight: 9}, nil)
	require.NoError(t, err)
	require.NoError(t, other.SetActiveProfile(ctx, "views"))

	assert.Equal(t, models.DefaultProfileName, r.GetActiveProfile().Name)
	require.NoError(t, r.Reload(ctx))
	assert.Equal(t, "views", r.GetActiveProfile().Name)
}

func TestConcurrentReadersSeeWholeProfiles(t *testing.T) {
	ctx := context.Background()
	r, _ := loaded(t)
	_, err := r.UpsertProfile(ctx, models.WeightProfile{Name: "a", VoteWeight: 1, CommentWeight: 1, FavoriteWeight: 1, ViewWeight: 1}, nil)
	require.NoError(t, err)
	_, err = r.UpsertProfile(ctx, models.WeightProfile{Name: "b", VoteWeight: 7, CommentWeight: 7, FavoriteWeight: 7, ViewWeight: 7}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := r.GetActiveProfile()
				if p.Name == "a" || p.Name == "b" {
					assert.Equal(t, p.VoteWeight, p.ViewWeight)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		name := "a"
		if i%2 == 1 {
			name = "b"
		}
		require.NoError(t, r.SetActiveProfile(ctx, name))
	}
	close(stop)
	wg.Wait()
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	content := `profiles:
  - name: discussion_heavy
    description: Обсуждения важнее голосов
    vote_weight: 1
    comment_weight: 5
    favorite_weight: 1
    view_weight: 0.5
    is_system: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := memstore.New()
	r := NewRegistry(s, nil)
	require.NoError(t, r.Load(context.Background(), path))

	all, err := s.ListProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "discussion_heavy", all[1].Name)
	assert.True(t, all[1].IsSystem)
	assert.Equal(t, models.DefaultProfileName, r.GetActiveProfile().Name)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("profiles:\n  - name: x\n    vote_weight: -2\n"), 0o600))
	_, err = LoadSeedFile(bad)
	assert.ErrorIs(t, err, common.ErrInvalidWeight)
}
