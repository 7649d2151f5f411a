package app

import (
	"context"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/events"
	"serotonyl.ru/reputation/internal/features/feed"
	"serotonyl.ru/reputation/internal/features/leaderboard"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/features/scoring"
	"serotonyl.ru/reputation/internal/models"
)

// Service — фасад чтения для внешних потребителей.
// Читатели не видят ошибок калькуляторов: при сбое отдаётся последний известный скор.
type Service struct {
	app *App
}

// GetScore возвращает скор поста: hot, trending, engagement, popularity или rising.
func (s *Service) GetScore(ctx context.Context, postID uuid.UUID, kind string) (float64, error) {
	k, err := scoring.ParseKind(kind)
	if err != nil {
		return 0, err
	}
	return s.app.Scoring.GetScore(ctx, postID, k)
}

// GetFeed возвращает страницу ленты. Устаревшая лента отдаётся сразу
// и обновляется в фоне.
func (s *Service) GetFeed(ctx context.Context, kind string, page common.Page) (*feed.Page, error) {
	k, err := feed.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return s.app.Feeds.GetFeed(ctx, k, page)
}

// GetUserReputation возвращает карму, trust score, ранг и награды.
func (s *Service) GetUserReputation(ctx context.Context, userID uuid.UUID) (*reputation.UserView, error) {
	return s.app.Reputation.GetUserReputation(ctx, userID)
}

// GetLeaderboard возвращает страницу лидерборда: karma, trust или engagement.
func (s *Service) GetLeaderboard(ctx context.Context, kind string, page common.Page) (*leaderboard.Page, error) {
	k, err := leaderboard.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return s.app.Boards.Get(ctx, k, page)
}

// GetKarmaHistory возвращает последние изменения кармы (новые первыми).
func (s *Service) GetKarmaHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.KarmaHistory, error) {
	return s.app.Reputation.KarmaHistory(ctx, userID, limit)
}

// GetTrustHistory возвращает последние изменения trust score (новые первыми).
func (s *Service) GetTrustHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TrustScoreHistory, error) {
	return s.app.Reputation.TrustHistory(ctx, userID, limit)
}

// Ingest обрабатывает событие синхронно, минуя стрим.
func (s *Service) Ingest(ctx context.Context, env events.Envelope) error {
	return s.app.Events.Handle(ctx, env)
}
