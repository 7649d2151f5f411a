package admin

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/features/weights"
	"serotonyl.ru/reputation/internal/jobs"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
	"serotonyl.ru/reputation/internal/store/memstore"
)

const password = "s3cret-pass"

type runnerStub struct{ ran []string }

func (r *runnerStub) Run(_ context.Context, name string) error {
	r.ran = append(r.ran, name)
	return nil
}

type usersStub struct{ ids []uuid.UUID }

func (u *usersStub) RecomputeUser(_ context.Context, id uuid.UUID) error {
	u.ids = append(u.ids, id)
	return nil
}

type postsStub struct {
	checked []uuid.UUID
	err     error
}

func (p *postsStub) VerifyPost(_ context.Context, id uuid.UUID) error {
	p.checked = append(p.checked, id)
	return p.err
}

type env struct {
	store  *memstore.Store
	svc    *Service
	runner *runnerStub
	users  *usersStub
	posts  *postsStub
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)

	e := &env{store: memstore.New(), runner: &runnerStub{}, users: &usersStub{}, posts: &postsStub{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	reg := weights.NewRegistry(e.store, clock)
	require.NoError(t, reg.Load(context.Background(), ""))
	rep := reputation.NewService(e.store, counters.NewMaintainer(), reg, &alerts.Recorder{}, clock)
	e.svc = NewService(hash, e.store, rep, reg, e.users, e.posts, e.runner, clock)
	return e
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword(password)
	require.NoError(t, err)
	assert.True(t, verifyArgon2id(password, hash))
	assert.False(t, verifyArgon2id("wrong", hash))
	assert.False(t, verifyArgon2id(password, "not-a-hash"))

	other, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "соль случайная")
}

func TestLoginLockout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	actor := uuid.New()

	_, err := e.svc.Login(ctx, uuid.Nil, password)
	assert.ErrorIs(t, err, common.ErrActorRequired)

	for i := 0; i < maxFailedLogins; i++ {
		_, err := e.svc.Login(ctx, actor, "wrong")
		assert.ErrorIs(t, err, common.ErrUnauthorized)
	}
	_, err = e.svc.Login(ctx, actor, password)
	assert.ErrorIs(t, err, common.ErrTooManyAttempts, "даже верный пароль после блокировки")

	// через час блокировка снимается
	e.now = e.now.Add(lockoutPeriod + time.Minute)
	s, err := e.svc.Login(ctx, actor, password)
	require.NoError(t, err)
	assert.Equal(t, actor, s.Actor)
}

func TestSessionExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.svc.Login(ctx, uuid.New(), password)
	require.NoError(t, err)
	require.NoError(t, s.TriggerRecompute(ctx, ScopeFeeds))

	e.now = e.now.Add(sessionTTL)
	assert.ErrorIs(t, s.TriggerRecompute(ctx, ScopeFeeds), common.ErrUnauthorized)

	var forged Session
	assert.ErrorIs(t, forged.Reconcile(ctx, uuid.New()), common.ErrUnauthorized)
}

func TestTriggerRecomputeScopes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.svc.Login(ctx, uuid.New(), password)
	require.NoError(t, err)

	require.NoError(t, s.TriggerRecompute(ctx, ScopeTrust))
	require.NoError(t, s.TriggerRecompute(ctx, ScopeAll))
	assert.Equal(t, []string{
		jobs.JobTrustRecompute,
		jobs.JobTrustRecompute, jobs.JobEngagement, jobs.JobFeedRefresh, jobs.JobLeaderboards,
	}, e.runner.ran)

	user := uuid.New()
	require.NoError(t, s.TriggerRecompute(ctx, "user:"+user.String()))
	assert.Equal(t, []uuid.UUID{user}, e.users.ids)

	assert.ErrorIs(t, s.TriggerRecompute(ctx, "galaxy"), common.ErrUnknownScope)
	assert.ErrorIs(t, s.TriggerRecompute(ctx, "user:42"), common.ErrUnknownScope)
}

func TestWeightProfiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.svc.Login(ctx, uuid.New(), password)
	require.NoError(t, err)

	p, err := s.UpsertWeightProfile(ctx, models.WeightProfile{Name: "creators", VoteWeight: 1, CommentWeight: 4, FavoriteWeight: 2, ViewWeight: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	require.NotNil(t, p.UpdatedBy)
	assert.Equal(t, s.Actor, *p.UpdatedBy)

	require.NoError(t, s.SetActiveWeightProfile(ctx, "creators"))
	assert.ErrorIs(t, s.SetActiveWeightProfile(ctx, "missing"), common.ErrUnknownProfile)

	_, err = s.UpsertWeightProfile(ctx, models.WeightProfile{Name: "bad", VoteWeight: -1})
	assert.ErrorIs(t, err, common.ErrInvalidWeight)

	profiles, err := s.ListWeightProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestManualReputationOps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.svc.Login(ctx, uuid.New(), password)
	require.NoError(t, err)

	user := uuid.New()
	require.NoError(t, e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.EnsureUser(ctx, user, e.now.Add(-48*time.Hour))
	}))

	karma, err := s.AdjustKarma(ctx, user, 150, "конкурс")
	require.NoError(t, err)
	assert.EqualValues(t, 150, karma)
	require.NoError(t, s.Reconcile(ctx, user))

	require.NoError(t, s.SetTrustScore(ctx, user, 77, "ручная проверка"))
	u, err := e.store.GetReputation(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 77, u.TrustScore)
	assert.ErrorIs(t, s.SetTrustScore(ctx, user, 101, ""), common.ErrInvalidTrustScore)

	diff, err := s.RepairKarma(ctx, user, "")
	require.NoError(t, err)
	assert.Zero(t, diff, "журнал уже сходится")
}

func TestVerifyPostRequiresSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	post := uuid.New()

	var forged Session
	assert.ErrorIs(t, forged.VerifyPost(ctx, post), common.ErrUnauthorized)
	assert.Empty(t, e.posts.checked)

	s, err := e.svc.Login(ctx, uuid.New(), password)
	require.NoError(t, err)
	require.NoError(t, s.VerifyPost(ctx, post))
	assert.Equal(t, []uuid.UUID{post}, e.posts.checked)

	e.posts.err = common.ErrReconciliationMismatch
	assert.ErrorIs(t, s.VerifyPost(ctx, post), common.ErrReconciliationMismatch)
}
