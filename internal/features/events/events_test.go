package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/features/ledger"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store/memstore"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedProfile struct{}

func (fixedProfile) GetActiveProfile() models.WeightProfile { return models.DefaultProfile() }

func newHandler(t *testing.T) (*Handler, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	clock := func() time.Time { return now }
	cm := counters.NewMaintainer()
	rep := reputation.NewService(s, cm, fixedProfile{}, &alerts.Recorder{}, clock)
	l := ledger.NewService(s, cm, rep, &alerts.Recorder{}, clock, 0)
	return NewHandler(l), s
}

func TestDecode(t *testing.T) {
	post := uuid.New()
	data, err := Encode(Envelope{ID: "1-0", Type: TypeVoteCast, TargetID: post, Polarity: -1})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeVoteCast, env.Type)
	assert.Equal(t, post, env.TargetID)
	assert.Equal(t, -1, env.Polarity)

	_, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, common.ErrInvalidEvent)
	_, err = Decode([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, common.ErrInvalidEvent)
}

func TestHandlerVoteLifecycle(t *testing.T) {
	h, s := newHandler(t)
	ctx := context.Background()
	owner, voter, post := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, h.Handle(ctx, Envelope{ID: "1", Type: TypePostCreated, ActorID: owner, TargetID: post}))
	vote := Envelope{ID: "2", Type: TypeVoteCast, ActorID: voter, TargetID: post, Polarity: 1}
	require.NoError(t, h.Handle(ctx, vote))
	// повторная доставка
	vote.ID = "3"
	require.NoError(t, h.Handle(ctx, vote))

	p, err := s.GetPost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, models.PostClip, p.Kind, "тип поста по умолчанию — клип")
	assert.EqualValues(t, 1, p.VoteScore)

	retract := Envelope{ID: "4", Type: TypeVoteRetracted, ActorID: voter, TargetID: post}
	require.NoError(t, h.Handle(ctx, retract))
	require.NoError(t, h.Handle(ctx, retract), "отзыв отсутствующего голоса — не ошибка")

	p, err = s.GetPost(ctx, post)
	require.NoError(t, err)
	assert.EqualValues(t, 0, p.VoteScore)
}

func TestHandlerCommentsAndTags(t *testing.T) {
	h, s := newHandler(t)
	ctx := context.Background()
	owner, author, post, comment := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, h.Handle(ctx, Envelope{Type: TypePostCreated, ActorID: owner, TargetID: post, PostKind: "discussion"}))
	require.NoError(t, h.Handle(ctx, Envelope{Type: TypeCommentPosted, ActorID: author, TargetID: post, ObjectID: &comment}))
	require.NoError(t, h.Handle(ctx, Envelope{Type: TypeTagApplied, ActorID: owner, TargetID: post, Tag: "Speedrun"}))

	p, err := s.GetPost(ctx, post)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.CommentCount)
	tag, err := s.GetTag(ctx, "speedrun")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tag.UsageCount)

	require.NoError(t, h.Handle(ctx, Envelope{Type: TypeCommentRemoved, TargetID: post, ObjectID: &comment}))
	require.NoError(t, h.Handle(ctx, Envelope{Type: TypeTagRemoved, TargetID: post, Tag: "speedrun"}))

	p, err = s.GetPost(ctx, post)
	require.NoError(t, err)
	assert.EqualValues(t, 0, p.CommentCount)
	tag, err = s.GetTag(ctx, "speedrun")
	require.NoError(t, err)
	assert.EqualValues(t, 0, tag.UsageCount)
}

func TestHandlerErrorsAndRetry(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	// голос пришёл раньше поста — повторим позже
	err := h.Handle(ctx, Envelope{Type: TypeVoteCast, ActorID: uuid.New(), TargetID: uuid.New(), Polarity: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.True(t, Retryable(err))

	err = h.Handle(ctx, Envelope{Type: "Teleported", TargetID: uuid.New()})
	assert.ErrorIs(t, err, common.ErrUnknownEvent)
	assert.False(t, Retryable(err))

	err = h.Handle(ctx, Envelope{Type: TypeCommentRemoved, TargetID: uuid.New()})
	assert.ErrorIs(t, err, common.ErrInvalidEvent)
	assert.False(t, Retryable(err))

	assert.False(t, Retryable(nil))
}

// recorder запоминает порядок обработки по парам (actor, target).
type recorder struct {
	mu    sync.Mutex
	seen  map[string][]int
	panic string
}

func (r *recorder) Handle(_ context.Context, env Envelope) error {
	if env.ID == r.panic {
		panic("boom")
	}
	seq, _ := strconv.Atoi(env.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	key := env.ActorID.String() + env.TargetID.String()
	r.seen[key] = append(r.seen[key], seq)
	return nil
}

func TestDispatcherKeepsPairOrder(t *testing.T) {
	rec := &recorder{seen: map[string][]int{}}
	d := NewDispatcher(rec, 4, 8)
	d.Start(context.Background())

	type pair struct{ actor, target uuid.UUID }
	pairs := make([]pair, 10)
	for i := range pairs {
		pairs[i] = pair{uuid.New(), uuid.New()}
	}

	var done atomic.Int32
	ctx := context.Background()
	for seq := 0; seq < 500; seq++ {
		p := pairs[seq%len(pairs)]
		err := d.Submit(ctx, Message{
			Env:  Envelope{ID: strconv.Itoa(seq), ActorID: p.actor, TargetID: p.target},
			Done: func(error) { done.Add(1) },
		})
		require.NoError(t, err)
	}
	d.Close()

	assert.EqualValues(t, 500, done.Load(), "Close дожидается разбора очередей")
	for _, p := range pairs {
		got := rec.seen[p.actor.String()+p.target.String()]
		require.Len(t, got, 50)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "события одной пары идут по порядку")
		}
	}

	err := d.Submit(ctx, Message{Env: Envelope{ID: "x"}})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcherCommentLifecycleSameShard(t *testing.T) {
	d := NewDispatcher(&recorder{seen: map[string][]int{}}, 16, 1)
	for i := 0; i < 100; i++ {
		author, post, comment := uuid.New(), uuid.New(), uuid.New()
		posted := Envelope{Type: TypeCommentPosted, ActorID: author, TargetID: post, ObjectID: &comment}
		removed := Envelope{Type: TypeCommentRemoved, TargetID: post, ObjectID: &comment}
		moderated := Envelope{Type: TypeCommentRemoved, ActorID: uuid.New(), TargetID: post, ObjectID: &comment}
		assert.Equal(t, d.shardFor(posted), d.shardFor(removed), "удаление идёт за публикацией")
		assert.Equal(t, d.shardFor(posted), d.shardFor(moderated))
	}

	// голоса по-прежнему шардируются по паре
	actor, target := uuid.New(), uuid.New()
	up := Envelope{Type: TypeVoteCast, ActorID: actor, TargetID: target}
	down := Envelope{Type: TypeVoteRetracted, ActorID: actor, TargetID: target}
	assert.Equal(t, d.shardFor(up), d.shardFor(down))
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	rec := &recorder{seen: map[string][]int{}, panic: "1"}
	d := NewDispatcher(rec, 1, 4)
	d.Start(context.Background())

	actor, target := uuid.New(), uuid.New()
	results := make([]error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, d.Submit(context.Background(), Message{
			Env:  Envelope{ID: fmt.Sprint(i), ActorID: actor, TargetID: target},
			Done: func(err error) { results[i] = err; wg.Done() },
		}))
	}
	wg.Wait()
	d.Close()

	assert.NoError(t, results[0])
	assert.Error(t, results[1], "паника не подтверждает событие")
	assert.NoError(t, results[2])
	assert.Equal(t, []int{0, 2}, rec.seen[actor.String()+target.String()])
}

func TestDispatcherSubmitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(processorFunc(func(context.Context, Envelope) error {
		<-block
		return nil
	}), 1, 1)
	d.Start(context.Background())
	defer func() {
		close(block)
		d.Close()
	}()

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, Message{Env: Envelope{ID: "1"}})) // в обработке
	// ждём, пока воркер заберёт первое событие
	require.Eventually(t, func() bool {
		try, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		defer cancel()
		return d.Submit(try, Message{Env: Envelope{ID: "2"}}) == nil
	}, time.Second, 10*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := d.Submit(short, Message{Env: Envelope{ID: "3"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type processorFunc func(ctx context.Context, env Envelope) error

func (f processorFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }
