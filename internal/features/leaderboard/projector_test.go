package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type usersStub struct {
	users []models.UserReputation
	calls int
}

func (u *usersStub) ListReputations(context.Context) ([]models.UserReputation, error) {
	u.calls++
	out := make([]models.UserReputation, len(u.users))
	copy(out, u.users)
	return out, nil
}

type reconcilerStub struct {
	bad     map[uuid.UUID]bool
	checked []uuid.UUID
}

func (r *reconcilerStub) Reconcile(_ context.Context, id uuid.UUID) error {
	r.checked = append(r.checked, id)
	if r.bad[id] {
		return fmt.Errorf("%w: %s", common.ErrReconciliationMismatch, id)
	}
	return nil
}

func user(karma int64, trust int, engagement float64, banned bool) models.UserReputation {
	return models.UserReputation{
		UserID: uuid.New(), KarmaPoints: karma, TrustScore: trust,
		EngagementScore: engagement, IsBanned: banned,
	}
}

func order(entries []Entry) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserID)
	}
	return out
}

func TestLeaderboardsSortAndExcludeBanned(t *testing.T) {
	a := user(1500, 30, 10, false)
	b := user(200, 90, 50, false)
	c := user(9000, 100, 500, true)
	d := user(50, 60, 99.5, false)
	src := &usersStub{users: []models.UserReputation{a, b, c, d}}
	p := NewProjector(src, nil, func() time.Time { return now })
	ctx := context.Background()

	karma, err := p.Get(ctx, KindKarma, common.Page{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.UserID, b.UserID, d.UserID}, order(karma.Entries))
	assert.Equal(t, models.RankContributor, karma.Entries[0].Tier)
	assert.Equal(t, 1, karma.Entries[0].Rank)
	assert.Equal(t, now, karma.ComputedAt)

	trust, err := p.Get(ctx, KindTrust, common.Page{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.UserID, d.UserID, a.UserID}, order(trust.Entries))

	eng, err := p.Get(ctx, KindEngagement, common.Page{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{d.UserID, b.UserID, a.UserID}, order(eng.Entries))

	// первая выдача собрала все три лидерборда за одно чтение
	assert.Equal(t, 1, src.calls)
}

func TestLeaderboardTieBreakByUserID(t *testing.T) {
	x := user(100, 0, 0, false)
	y := user(100, 0, 0, false)
	p := NewProjector(&usersStub{users: []models.UserReputation{x, y}}, nil, nil)
	pg, err := p.Get(context.Background(), KindKarma, common.Page{})
	require.NoError(t, err)

	want := []uuid.UUID{x.UserID, y.UserID}
	if y.UserID.String() < x.UserID.String() {
		want = []uuid.UUID{y.UserID, x.UserID}
	}
	assert.Equal(t, want, order(pg.Entries))
}

func TestLeaderboardPagingAndRank(t *testing.T) {
	var users []models.UserReputation
	for i := 0; i < 10; i++ {
		users = append(users, user(int64(100*(10-i)), 0, 0, false))
	}
	p := NewProjector(&usersStub{users: users}, nil, nil)
	ctx := context.Background()
	require.NoError(t, p.Rebuild(ctx))

	pg, err := p.Get(ctx, KindKarma, common.Page{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, pg.Entries, 3)
	assert.Equal(t, 4, pg.Entries[0].Rank)
	assert.Equal(t, 10, pg.Total)

	rank, ok := p.RankOf(KindKarma, users[6].UserID)
	assert.True(t, ok)
	assert.Equal(t, 7, rank)
	_, ok = p.RankOf(KindKarma, uuid.New())
	assert.False(t, ok)
}

func TestLeaderboardUnknownKind(t *testing.T) {
	p := NewProjector(&usersStub{}, nil, nil)
	_, err := p.Get(context.Background(), Kind("likes"), common.Page{})
	assert.ErrorIs(t, err, common.ErrUnknownLeaderboard)
	_, err = ParseKind("likes")
	assert.ErrorIs(t, err, common.ErrUnknownLeaderboard)
}

func TestVerifyReconcilesTopEntries(t *testing.T) {
	a := user(300, 0, 0, false)
	b := user(200, 0, 0, false)
	c := user(100, 0, 0, false)
	rec := &reconcilerStub{bad: map[uuid.UUID]bool{b.UserID: true}}
	p := NewProjector(&usersStub{users: []models.UserReputation{a, b, c}}, rec, nil)

	n, err := p.Verify(context.Background(), KindKarma, 2)
	assert.Equal(t, 1, n)
	assert.True(t, errors.Is(err, common.ErrReconciliationMismatch))
	assert.Equal(t, []uuid.UUID{a.UserID, b.UserID}, rec.checked)
}
