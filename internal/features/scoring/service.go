package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
)

// Kind — тип скора поста.
type Kind string

const (
	KindHot        Kind = "hot"
	KindTrending   Kind = "trending"
	KindEngagement Kind = "engagement"
	KindPopularity Kind = "popularity"
	KindRising     Kind = "rising"
)

// ParseKind проверяет имя скора.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHot, KindTrending, KindEngagement, KindPopularity, KindRising:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownScoreKind, s)
}

// PostReader читает пост со счётчиками.
type PostReader interface {
	GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error)
}

// ProfileSource отдаёт активный профиль весов.
type ProfileSource interface {
	GetActiveProfile() models.WeightProfile
}

// Service считает скоры на чтении.
type Service struct {
	posts   PostReader
	weights ProfileSource
	now     common.Clock
}

// NewService создаёт сервис скоров.
func NewService(posts PostReader, weights ProfileSource, clock common.Clock) *Service {
	if clock == nil {
		clock = common.SystemClock
	}
	return &Service{posts: posts, weights: weights, now: clock}
}

// GetScore возвращает скор поста. Ошибка калькулятора читателю не отдаётся:
// вместо неё возвращается последний известный скор.
func (s *Service) GetScore(ctx context.Context, postID uuid.UUID, kind Kind) (float64, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return 0, err
	}
	p, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return 0, fmt.Errorf("пост %s: %w", postID, err)
	}
	return s.Score(p, kind, s.weights.GetActiveProfile(), s.now()), nil
}

// Score считает один скор с откатом на последний известный.
func (s *Service) Score(p *models.Post, kind Kind, profile models.WeightProfile, now time.Time) float64 {
	v, ok := compute(p, kind, profile, now)
	if ok {
		return v
	}
	metrics.ScoreFallbacks.WithLabelValues(string(kind)).Inc()
	log.WithFields(log.Fields{
		"post_id": p.ID,
		"kind":    kind,
	}).Warn("Скор не посчитан, отдаём последний известный")
	return lastKnown(p, kind)
}

// ScoreAll считает скоры, которые хранятся у поста.
func (s *Service) ScoreAll(p *models.Post, profile models.WeightProfile, now time.Time) models.Scores {
	at := now
	return models.Scores{
		Hot:        s.Score(p, KindHot, profile, now),
		Trending:   s.Score(p, KindTrending, profile, now),
		Engagement: s.Score(p, KindEngagement, profile, now),
		ScoredAt:   &at,
	}
}

func compute(p *models.Post, kind Kind, profile models.WeightProfile, now time.Time) (v float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v, ok = 0, false
		}
	}()
	switch kind {
	case KindHot:
		v = HotScore(p.VoteScore, p.CreatedAt, now)
	case KindTrending:
		v = TrendingScore(p.Counters, p.CreatedAt, now)
	case KindEngagement:
		v = EngagementScore(p.Counters, profile)
	case KindPopularity:
		v = PopularityIndex(p.Counters)
	case KindRising:
		v = RisingScore(p.Counters, p.CreatedAt, now)
	default:
		return 0, false
	}
	return v, Finite(v)
}

func lastKnown(p *models.Post, kind Kind) float64 {
	var v float64
	switch kind {
	case KindHot:
		v = p.Hot
	case KindTrending:
		v = p.Trending
	case KindEngagement:
		v = p.Engagement
	}
	if !Finite(v) {
		return 0
	}
	return v
}
