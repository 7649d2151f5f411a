package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/scoring"
	"serotonyl.ru/reputation/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedProfile struct{}

func (fixedProfile) GetActiveProfile() models.WeightProfile {
	p := models.DefaultProfile()
	p.Version = 3
	return p
}

// postsStub — источник постов, который умеет задерживать выборку.
type postsStub struct {
	mu      sync.Mutex
	posts   []models.Post
	saved   []models.PostScores
	saves   int
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (p *postsStub) ListRankablePosts(_ context.Context, since time.Time, _ int) ([]models.Post, error) {
	p.calls.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Post, 0, len(p.posts))
	for _, post := range p.posts {
		if !post.CreatedAt.Before(since) {
			out = append(out, post)
		}
	}
	return out, nil
}

func (p *postsStub) SaveScores(_ context.Context, scores []models.PostScores) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.saved = append(p.saved, scores...)
	return nil
}

func (p *postsStub) add(age time.Duration, c models.Counters) uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.New()
	p.posts = append(p.posts, models.Post{
		ID: id, OwnerID: uuid.New(), Kind: models.PostClip, CreatedAt: now.Add(-age), Counters: c,
	})
	return id
}

type mirrorStub struct {
	mu    sync.Mutex
	kinds []Kind
}

func (m *mirrorStub) Publish(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, snap.Kind)
	return nil
}

func newMaterializer(posts *postsStub, clock common.Clock, mirror Mirror) *Materializer {
	scorer := scoring.NewService(nil, fixedProfile{}, clock)
	return NewMaterializer(posts, scorer, fixedProfile{}, mirror, clock, Options{
		StaleAfter: time.Minute,
		MaxPosts:   100,
	})
}

func ids(entries []Entry) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PostID)
	}
	return out
}

func TestFeedOrdering(t *testing.T) {
	posts := &postsStub{}
	old := posts.add(48*time.Hour, models.Counters{VoteScore: 100, CommentCount: 1})
	fresh := posts.add(time.Hour, models.Counters{VoteScore: 10, CommentCount: 50})
	mid := posts.add(5*time.Hour, models.Counters{VoteScore: 50, CommentCount: 5})

	mirror := &mirrorStub{}
	m := newMaterializer(posts, func() time.Time { return now }, mirror)
	ctx := context.Background()
	require.NoError(t, m.RefreshAll(ctx))

	top := m.Snapshot(KindTop)
	require.NotNil(t, top)
	assert.Equal(t, []uuid.UUID{old, mid, fresh}, ids(top.Entries))
	assert.Equal(t, 3, top.ProfileVersion)

	assert.Equal(t, []uuid.UUID{fresh, mid, old}, ids(m.Snapshot(KindNew).Entries))
	assert.Equal(t, []uuid.UUID{fresh, mid, old}, ids(m.Snapshot(KindDiscussed).Entries))
	assert.Len(t, mirror.kinds, len(Kinds))
	assert.NotEmpty(t, posts.saved, "скоры сохраняются для отката")
}

func TestRefreshAllSavesScoresOnce(t *testing.T) {
	posts := &postsStub{}
	a := posts.add(time.Hour, models.Counters{VoteScore: 3})
	b := posts.add(2*time.Hour, models.Counters{VoteScore: 7})

	m := newMaterializer(posts, func() time.Time { return now }, nil)
	ctx := context.Background()
	require.NoError(t, m.RefreshAll(ctx))
	assert.Equal(t, 1, posts.saves)
	assert.Len(t, posts.saved, 2)

	// одиночная пересборка тоже сохраняет скоры
	_, err := m.Refresh(ctx, KindHot)
	require.NoError(t, err)
	assert.Equal(t, 2, posts.saves)

	top, err := m.TopPosts(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, top)
}

func TestFeedTieBreak(t *testing.T) {
	posts := &postsStub{}
	a := posts.add(2*time.Hour, models.Counters{VoteScore: 5})
	b := posts.add(time.Hour, models.Counters{VoteScore: 5})

	m := newMaterializer(posts, func() time.Time { return now }, nil)
	snap, err := m.Refresh(context.Background(), KindTop)
	require.NoError(t, err)
	// при равном скоре выше более новый
	assert.Equal(t, []uuid.UUID{b, a}, ids(snap.Entries))
}

func TestGetFeedPagingAndUnknown(t *testing.T) {
	posts := &postsStub{}
	for i := 0; i < 5; i++ {
		posts.add(time.Duration(i+1)*time.Hour, models.Counters{VoteScore: int64(i)})
	}
	m := newMaterializer(posts, func() time.Time { return now }, nil)
	ctx := context.Background()

	page, err := m.GetFeed(ctx, KindHot, common.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 5, page.Total)
	assert.False(t, page.Stale)

	_, err = m.GetFeed(ctx, Kind("best"), common.Page{})
	assert.ErrorIs(t, err, common.ErrUnknownFeed)
	_, err = ParseKind("best")
	assert.ErrorIs(t, err, common.ErrUnknownFeed)
}

func TestStateTransitions(t *testing.T) {
	posts := &postsStub{}
	posts.add(time.Hour, models.Counters{VoteScore: 1})
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }
	m := newMaterializer(posts, clock, nil)

	assert.Equal(t, StateStale, m.State(KindHot))
	_, err := m.Refresh(context.Background(), KindHot)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, m.State(KindHot))

	offset.Store(int64(2 * time.Minute))
	assert.Equal(t, StateStale, m.State(KindHot))
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	posts := &postsStub{entered: make(chan struct{}), release: make(chan struct{})}
	posts.add(time.Hour, models.Counters{VoteScore: 1})
	m := newMaterializer(posts, func() time.Time { return now }, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Snapshot, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = m.Refresh(ctx, KindHot)
	}()
	<-posts.entered
	assert.Equal(t, StateRefreshing, m.State(KindHot))

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = m.Refresh(ctx, KindHot)
	}()
	time.Sleep(50 * time.Millisecond)
	close(posts.release)
	wg.Wait()

	assert.EqualValues(t, 1, posts.calls.Load())
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
}

func TestReadersNeverSeePartialSnapshot(t *testing.T) {
	posts := &postsStub{}
	for i := 0; i < 50; i++ {
		posts.add(time.Duration(i+1)*time.Minute, models.Counters{VoteScore: int64(i)})
	}
	m := newMaterializer(posts, func() time.Time { return now }, nil)
	ctx := context.Background()
	_, err := m.Refresh(ctx, KindTop)
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// пока идут пересборки, снимок не бывает меньше 50
				if snap := m.Snapshot(KindTop); snap == nil || len(snap.Entries) < 50 {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		posts.add(time.Second, models.Counters{VoteScore: int64(i)})
		_, err := m.Refresh(ctx, KindTop)
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()

	assert.Zero(t, bad.Load())
	assert.Len(t, m.Snapshot(KindTop).Entries, 70)
}

func TestRefreshErrorKeepsOldSnapshot(t *testing.T) {
	posts := &postsStub{}
	posts.add(time.Hour, models.Counters{VoteScore: 1})
	m := newMaterializer(posts, func() time.Time { return now }, nil)
	ctx := context.Background()
	first, err := m.Refresh(ctx, KindHot)
	require.NoError(t, err)

	posts.err = errors.New("база недоступна")
	_, err = m.Refresh(ctx, KindHot)
	require.Error(t, err)
	assert.Same(t, first, m.Snapshot(KindHot))
}

func TestWindowLimitsPosts(t *testing.T) {
	posts := &postsStub{}
	recent := posts.add(time.Hour, models.Counters{VoteScore: 1})
	posts.add(72*time.Hour, models.Counters{VoteScore: 100})

	scorer := scoring.NewService(nil, fixedProfile{}, func() time.Time { return now })
	m := NewMaterializer(posts, scorer, fixedProfile{}, nil, func() time.Time { return now }, Options{Window: 24 * time.Hour})
	snap, err := m.Refresh(context.Background(), KindTop)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{recent}, ids(snap.Entries))
}
