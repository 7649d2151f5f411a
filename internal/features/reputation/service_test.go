package reputation

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
	"serotonyl.ru/reputation/internal/store/memstore"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedProfile models.WeightProfile

func (p fixedProfile) GetActiveProfile() models.WeightProfile { return models.WeightProfile(p) }

type env struct {
	store  *memstore.Store
	svc    *Service
	alerts *alerts.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := memstore.New()
	rec := &alerts.Recorder{}
	svc := NewService(s, counters.NewMaintainer(), fixedProfile(models.DefaultProfile()), rec, func() time.Time { return now })
	return &env{store: s, svc: svc, alerts: rec}
}

func (e *env) user(t *testing.T, age time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, e.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.EnsureUser(context.Background(), id, now.Add(-age))
	}))
	return id
}

func (e *env) karma(t *testing.T, userID uuid.UUID, delta int64) {
	t.Helper()
	require.NoError(t, e.store.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := e.svc.RecordKarma(context.Background(), tx, KarmaChange{
			UserID: userID, Delta: delta, Reason: models.ReasonClipVote, SourceID: uuid.New(),
		})
		return err
	}))
}

func TestKarmaHistorySumEqualsKarma(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, 24*time.Hour)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		e.karma(t, userID, int64(rng.Intn(21)-12))

		u, err := e.store.GetReputation(ctx, userID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u.KarmaPoints, int64(0))
		folded, err := e.svc.Reconstruct(ctx, userID)
		require.NoError(t, err)
		require.Equal(t, u.KarmaPoints, folded, "шаг %d", i)
	}
	require.NoError(t, e.svc.Reconcile(ctx, userID))
	assert.Empty(t, e.alerts.Titles())
}

func TestRecordKarmaIdempotentPerSource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, time.Hour)
	src := uuid.New()

	for i := 0; i < 2; i++ {
		require.NoError(t, e.store.WithTx(ctx, func(tx store.Tx) error {
			_, err := e.svc.RecordKarma(ctx, tx, KarmaChange{UserID: userID, Delta: 5, Reason: models.ReasonClipVote, SourceID: src})
			return err
		}))
	}
	u, _ := e.store.GetReputation(ctx, userID)
	assert.Equal(t, int64(5), u.KarmaPoints)
	h, _ := e.store.ListKarmaHistory(ctx, userID, 0)
	assert.Len(t, h, 1)
}

func TestRecomputeTrustSuppressesNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, 400*24*time.Hour)

	b, changed, err := e.svc.RecomputeTrust(ctx, userID, models.ReasonScheduledRecalc)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 20, b.Total)

	_, changed, err = e.svc.RecomputeTrust(ctx, userID, models.ReasonScheduledRecalc)
	require.NoError(t, err)
	assert.False(t, changed)

	h, err := e.store.ListTrustHistory(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, 0, h[0].OldScore)
	assert.Equal(t, 20, h[0].NewScore)
	assert.Equal(t, models.ReasonScheduledRecalc, h[0].Reason)
	assert.Nil(t, h[0].ChangedBy)
	assert.Equal(t, 20, h[0].Components["account_age"])
}

func TestManualAdjustmentsRequireActor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, time.Hour)

	_, err := e.svc.AdjustKarma(ctx, userID, 10, nil, "")
	assert.ErrorIs(t, err, common.ErrActorRequired)
	nilActor := uuid.Nil
	_, err = e.svc.AdjustKarma(ctx, userID, 10, &nilActor, "")
	assert.ErrorIs(t, err, common.ErrActorRequired)
	assert.ErrorIs(t, e.svc.SetTrustScore(ctx, userID, 50, nil, ""), common.ErrActorRequired)
	_, err = e.svc.RepairKarma(ctx, userID, nil, "")
	assert.ErrorIs(t, err, common.ErrActorRequired)
}

func TestAdjustKarma(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, time.Hour)
	admin := uuid.New()

	karma, err := e.svc.AdjustKarma(ctx, userID, 1500, &admin, "спор по жалобе")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), karma)

	karma, err = e.svc.AdjustKarma(ctx, userID, -5000, &admin, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), karma)

	h, err := e.svc.KarmaHistory(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, int64(-1500), h[0].Delta)
	assert.Equal(t, models.ReasonManualAdjustment, h[0].Reason)
	require.NotNil(t, h[1].ActorID)
	assert.Equal(t, admin, *h[1].ActorID)
	require.NotNil(t, h[1].Notes)

	_, err = e.svc.AdjustKarma(ctx, uuid.New(), 1, &admin, "")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSetTrustScore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, time.Hour)
	admin := uuid.New()

	assert.ErrorIs(t, e.svc.SetTrustScore(ctx, userID, 101, &admin, ""), common.ErrInvalidTrustScore)
	assert.ErrorIs(t, e.svc.SetTrustScore(ctx, userID, -1, &admin, ""), common.ErrInvalidTrustScore)

	require.NoError(t, e.svc.SetTrustScore(ctx, userID, 77, &admin, "проверен вручную"))
	view, err := e.svc.GetUserReputation(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 77, view.TrustScore)

	h, _ := e.svc.TrustHistory(ctx, userID, 1)
	require.Len(t, h, 1)
	assert.Equal(t, models.ReasonManualAdjustment, h[0].Reason)
	require.NotNil(t, h[0].ChangedBy)
	assert.Equal(t, admin, *h[0].ChangedBy)
}

func TestReconcileMismatchAlertsAndRepair(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, 30*24*time.Hour)
	admin := uuid.New()
	e.karma(t, userID, 40)

	// карма изменена мимо журнала
	require.NoError(t, e.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AddToCounter(ctx, models.CounterRef{Entity: models.EntityUser, ID: userID, Counter: models.CounterKarmaPoints}, 260, true)
		return err
	}))

	err := e.svc.Reconcile(ctx, userID)
	require.ErrorIs(t, err, common.ErrReconciliationMismatch)
	assert.Len(t, e.alerts.Titles(), 1)

	// принудительный пересчёт trust видит новую карму: 300/250 = 1 + возраст 30/18 = 1
	u, _ := e.store.GetReputation(ctx, userID)
	assert.Equal(t, 2, u.TrustScore)
	h, _ := e.svc.TrustHistory(ctx, userID, 1)
	require.Len(t, h, 1)
	assert.Equal(t, models.ReasonForcedRecalc, h[0].Reason)

	// карма не исправлена молча
	assert.Equal(t, int64(300), u.KarmaPoints)

	diff, err := e.svc.RepairKarma(ctx, userID, &admin, "расхождение после миграции")
	require.NoError(t, err)
	assert.Equal(t, int64(260), diff)
	require.NoError(t, e.svc.Reconcile(ctx, userID))

	kh, _ := e.svc.KarmaHistory(ctx, userID, 1)
	assert.Equal(t, models.ReasonReconciliation, kh[0].Reason)
}

func TestRecomputeEngagement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	owner := e.user(t, time.Hour)
	require.NoError(t, e.store.WithTx(ctx, func(tx store.Tx) error {
		for _, c := range []models.Counters{{VoteScore: 3, ViewCount: 10}, {CommentCount: 2, FavoriteCount: 1}} {
			if err := tx.InsertPost(ctx, &models.Post{ID: uuid.New(), OwnerID: owner, Kind: models.PostClip, CreatedAt: now, Counters: c}); err != nil {
				return err
			}
		}
		return tx.InsertPost(ctx, &models.Post{ID: uuid.New(), OwnerID: owner, Kind: models.PostClip, IsRemoved: true, Counters: models.Counters{VoteScore: 100}})
	}))

	score, err := e.svc.RecomputeEngagement(ctx, owner)
	require.NoError(t, err)
	// 3*2 + 2*3 + 1*2 + 10*1
	assert.InDelta(t, 24.0, score, 1e-9)
	u, _ := e.store.GetReputation(ctx, owner)
	assert.InDelta(t, 24.0, u.EngagementScore, 1e-9)
}

func TestAwardBadgesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, 400*24*time.Hour)
	e.karma(t, userID, 1200)

	u, _ := e.store.GetReputation(ctx, userID)
	got, err := e.svc.AwardBadges(ctx, u)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{BadgeTrustedUser, BadgeVeteran}, got)

	got, err = e.svc.AwardBadges(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, got)

	view, err := e.svc.GetUserReputation(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.RankContributor, view.Rank)
	assert.Len(t, view.Badges, 2)
}

func TestPruneTrustHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.user(t, 400*24*time.Hour)
	_, _, err := e.svc.RecomputeTrust(ctx, userID, models.ReasonScheduledRecalc)
	require.NoError(t, err)

	n, err := e.svc.PruneTrustHistory(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.svc.now = func() time.Time { return now.AddDate(0, 0, 100) }
	n, err = e.svc.PruneTrustHistory(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// failingStore роняет пересчёт для одного пользователя.
type failingStore struct {
	*memstore.Store
	bad uuid.UUID
}

type failingTx struct {
	store.Tx
	bad uuid.UUID
}

var errBoom = errors.New("boom")

func (f *failingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, bad: f.bad})
	})
}

func (f *failingTx) GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error) {
	if userID == f.bad {
		return nil, errBoom
	}
	return f.Tx.GetReputation(ctx, userID)
}

func TestRecomputerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, e.user(t, 400*24*time.Hour))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	fs := &failingStore{Store: e.store, bad: ids[2]}
	svc := NewService(fs, counters.NewMaintainer(), fixedProfile(models.DefaultProfile()), e.alerts, func() time.Time { return now })
	r := NewRecomputer(svc, fs, 2, 2)

	processed, err := r.Run(ctx, JobTrust)
	require.ErrorIs(t, err, common.ErrRecomputeJobFailure)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, processed)

	last, ok, err := e.store.GetCheckpoint(ctx, string(JobTrust))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[1], last)

	fs.bad = uuid.Nil
	processed, err = r.Run(ctx, JobTrust)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	_, ok, _ = e.store.GetCheckpoint(ctx, string(JobTrust))
	assert.False(t, ok)
	for _, id := range ids {
		u, _ := e.store.GetReputation(ctx, id)
		assert.Equal(t, 20, u.TrustScore)
	}
}

func TestRecomputerCancelled(t *testing.T) {
	e := newEnv(t)
	e.user(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRecomputer(e.svc, e.store, 10, 1).Run(ctx, JobEngagement)
	assert.ErrorIs(t, err, common.ErrRecomputeJobFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecomputerUnknownJob(t *testing.T) {
	e := newEnv(t)
	_, err := NewRecomputer(e.svc, e.store, 10, 1).Run(context.Background(), Job("nope"))
	assert.ErrorIs(t, err, common.ErrUnknownScope)
}
