// Package feed — материализованные ленты (hot, top, new, trending и др.).
//
// Каждая лента хранит готовый снимок за атомарным указателем. Пересборка
// строит новый снимок в стороне и подменяет указатель целиком, поэтому
// читатель видит либо старый, либо новый полный снимок. Одновременные
// запросы на пересборку одной ленты схлопываются в один.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/scoring"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
)

// Kind — тип ленты.
type Kind string

const (
	KindHot       Kind = "hot"
	KindTop       Kind = "top"
	KindNew       Kind = "new"
	KindTrending  Kind = "trending"
	KindRising    Kind = "rising"
	KindDiscussed Kind = "discussed"
	KindPopular   Kind = "popular"
)

// Kinds — все ленты в порядке пересборки.
var Kinds = []Kind{KindHot, KindTop, KindNew, KindTrending, KindRising, KindDiscussed, KindPopular}

// ParseKind проверяет имя ленты.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownFeed, s)
}

// State — состояние ленты.
type State string

const (
	StateStale      State = "stale"
	StateRefreshing State = "refreshing"
	StateFresh      State = "fresh"
)

// Entry — пост в ленте.
type Entry struct {
	PostID    uuid.UUID
	Score     float64
	CreatedAt time.Time
}

// Snapshot — готовая лента.
type Snapshot struct {
	Kind           Kind
	Entries        []Entry
	ComputedAt     time.Time
	ProfileName    string
	ProfileVersion int
}

// Page — страница ленты для читателя.
type Page struct {
	Kind           Kind
	Entries        []Entry
	Total          int
	ComputedAt     time.Time
	ProfileVersion int
	Stale          bool
}

// PostSource — откуда берутся посты для лент.
type PostSource interface {
	ListRankablePosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error)
	SaveScores(ctx context.Context, scores []models.PostScores) error
}

// Mirror публикует готовый снимок наружу (например, в Redis).
type Mirror interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// Options — параметры лент.
type Options struct {
	StaleAfter time.Duration // после этого лента считается устаревшей
	Window     time.Duration // в ленты попадают посты не старше; 0 — все
	MaxPosts   int           // размер снимка
}

type feedState struct {
	snap       atomic.Pointer[Snapshot]
	refreshing atomic.Bool
}

// Materializer собирает и отдаёт ленты.
type Materializer struct {
	posts   PostSource
	scorer  *scoring.Service
	weights scoring.ProfileSource
	mirror  Mirror
	now     common.Clock
	opts    Options

	group singleflight.Group
	feeds map[Kind]*feedState
}

// NewMaterializer создаёт материализатор. mirror может быть nil.
func NewMaterializer(posts PostSource, scorer *scoring.Service, weights scoring.ProfileSource, mirror Mirror, clock common.Clock, opts Options) *Materializer {
	if clock == nil {
		clock = common.SystemClock
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = 1000
	}
	m := &Materializer{
		posts:   posts,
		scorer:  scorer,
		weights: weights,
		mirror:  mirror,
		now:     clock,
		opts:    opts,
		feeds:   make(map[Kind]*feedState, len(Kinds)),
	}
	for _, k := range Kinds {
		m.feeds[k] = &feedState{}
	}
	return m
}

// State возвращает состояние ленты.
func (m *Materializer) State(kind Kind) State {
	f, ok := m.feeds[kind]
	if !ok {
		return StateStale
	}
	if f.refreshing.Load() {
		return StateRefreshing
	}
	snap := f.snap.Load()
	if snap == nil || m.now().Sub(snap.ComputedAt) > m.opts.StaleAfter {
		return StateStale
	}
	return StateFresh
}

// Snapshot возвращает текущий снимок ленты или nil.
func (m *Materializer) Snapshot(kind Kind) *Snapshot {
	f, ok := m.feeds[kind]
	if !ok {
		return nil
	}
	return f.snap.Load()
}

// Refresh пересобирает ленту. Если пересборка уже идёт, ждёт её и
// возвращает тот же результат, не запуская вторую.
func (m *Materializer) Refresh(ctx context.Context, kind Kind) (*Snapshot, error) {
	return m.refresh(ctx, kind, true)
}

// refresh пересобирает ленту; saveScores — сохранить скоры постов заодно.
func (m *Materializer) refresh(ctx context.Context, kind Kind, saveScores bool) (*Snapshot, error) {
	f, ok := m.feeds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownFeed, kind)
	}
	v, err, shared := m.group.Do(string(kind), func() (interface{}, error) {
		f.refreshing.Store(true)
		defer f.refreshing.Store(false)
		return m.rebuild(ctx, kind, f, saveScores)
	})
	if shared {
		log.WithField("feed", kind).Debug("Пересборка ленты уже шла, взяли её результат")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// RefreshAll пересобирает все ленты. Ошибка одной ленты не мешает остальным.
// Скоры постов сохраняются один раз, первой удачной пересборкой.
func (m *Materializer) RefreshAll(ctx context.Context) error {
	var firstErr error
	saved := false
	for _, k := range Kinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := m.refresh(ctx, k, !saved)
		if err == nil {
			saved = true
		}
		if err != nil {
			log.WithError(err).WithField("feed", k).Error("[CRON] Ошибка пересборки ленты")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// TopPosts возвращает до n постов с верха лент hot и top без повторов.
func (m *Materializer) TopPosts(ctx context.Context, n int) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, kind := range []Kind{KindHot, KindTop} {
		page, err := m.GetFeed(ctx, kind, common.Page{Limit: n})
		if err != nil {
			return out, err
		}
		for _, e := range page.Entries {
			if _, ok := seen[e.PostID]; ok {
				continue
			}
			seen[e.PostID] = struct{}{}
			out = append(out, e.PostID)
		}
	}
	return out, nil
}

// GetFeed отдаёт страницу ленты. Пустую ленту собирает сразу,
// устаревшую отдаёт как есть и пересобирает в фоне.
func (m *Materializer) GetFeed(ctx context.Context, kind Kind, page common.Page) (*Page, error) {
	f, ok := m.feeds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownFeed, kind)
	}
	snap := f.snap.Load()
	if snap == nil {
		var err error
		if snap, err = m.Refresh(ctx, kind); err != nil {
			return nil, err
		}
	}

	stale := m.now().Sub(snap.ComputedAt) > m.opts.StaleAfter
	if stale && !f.refreshing.Load() {
		go func() {
			defer common.RecoverFromPanic("feed")
			if _, err := m.Refresh(context.Background(), kind); err != nil {
				log.WithError(err).WithField("feed", kind).Warn("Фоновая пересборка ленты не удалась")
			}
		}()
	}

	from, to := page.Bounds(len(snap.Entries))
	return &Page{
		Kind:           kind,
		Entries:        snap.Entries[from:to],
		Total:          len(snap.Entries),
		ComputedAt:     snap.ComputedAt,
		ProfileVersion: snap.ProfileVersion,
		Stale:          stale,
	}, nil
}

func (m *Materializer) rebuild(ctx context.Context, kind Kind, f *feedState, saveScores bool) (*Snapshot, error) {
	start := time.Now()
	now := m.now()
	var since time.Time
	if m.opts.Window > 0 {
		since = now.Add(-m.opts.Window)
	}

	posts, err := m.posts.ListRankablePosts(ctx, since, 0)
	if err != nil {
		metrics.FeedRefreshes.WithLabelValues(string(kind), "error").Inc()
		return nil, fmt.Errorf("лента %s: %w", kind, err)
	}

	profile := m.weights.GetActiveProfile()
	entries := make([]Entry, 0, len(posts))
	var scores []models.PostScores
	if saveScores {
		scores = make([]models.PostScores, 0, len(posts))
	}
	for i := range posts {
		p := &posts[i]
		entries = append(entries, Entry{PostID: p.ID, Score: m.score(p, kind, profile, now), CreatedAt: p.CreatedAt})
		if saveScores {
			scores = append(scores, models.PostScores{PostID: p.ID, Scores: m.scorer.ScoreAll(p, profile, now)})
		}
	}
	sortEntries(entries)
	if len(entries) > m.opts.MaxPosts {
		entries = entries[:m.opts.MaxPosts]
	}

	snap := &Snapshot{
		Kind:           kind,
		Entries:        entries,
		ComputedAt:     now,
		ProfileName:    profile.Name,
		ProfileVersion: profile.Version,
	}
	f.snap.Store(snap)

	// последний известный скор нужен для отката на чтении
	if saveScores {
		if err := m.posts.SaveScores(ctx, scores); err != nil {
			log.WithError(err).WithField("feed", kind).Warn("Не удалось сохранить скоры постов")
		}
	}
	if m.mirror != nil {
		if err := m.mirror.Publish(ctx, snap); err != nil {
			log.WithError(err).WithField("feed", kind).Warn("Не удалось опубликовать ленту в зеркало")
		}
	}

	metrics.FeedRefreshes.WithLabelValues(string(kind), "ok").Inc()
	metrics.FeedRefreshDuration.WithLabelValues(string(kind)).Observe(metrics.Since(start))
	metrics.FeedSize.WithLabelValues(string(kind)).Set(float64(len(entries)))
	log.WithFields(log.Fields{
		"feed":  kind,
		"posts": len(entries),
	}).Debug("Лента пересобрана")
	return snap, nil
}

func (m *Materializer) score(p *models.Post, kind Kind, profile models.WeightProfile, now time.Time) float64 {
	switch kind {
	case KindHot:
		return m.scorer.Score(p, scoring.KindHot, profile, now)
	case KindTrending:
		return m.scorer.Score(p, scoring.KindTrending, profile, now)
	case KindRising:
		return m.scorer.Score(p, scoring.KindRising, profile, now)
	case KindPopular:
		return m.scorer.Score(p, scoring.KindPopularity, profile, now)
	case KindTop:
		return float64(p.VoteScore)
	case KindDiscussed:
		return float64(p.CommentCount)
	case KindNew:
		return float64(p.CreatedAt.Unix())
	}
	return 0
}

// sortEntries: по скору, затем новее, затем по ID.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.PostID.String() > b.PostID.String()
	})
}
