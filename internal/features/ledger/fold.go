package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
)

// Fold пересчитывает счётчики поста из активных записей журнала.
func (s *Service) Fold(ctx context.Context, postID uuid.UUID) (models.Counters, error) {
	var c models.Counters
	entries, err := s.store.ListActiveByTarget(ctx, postID)
	if err != nil {
		return c, fmt.Errorf("журнал поста %s: %w", postID, err)
	}
	for _, e := range entries {
		switch e.Kind {
		case models.KindVote:
			c.VoteScore += int64(e.Polarity)
		case models.KindComment:
			c.CommentCount++
		case models.KindFavorite:
			c.FavoriteCount++
		case models.KindView:
			c.ViewCount++
		}
	}

	replies, err := s.store.ListActiveByParent(ctx, postID)
	if err != nil {
		return c, fmt.Errorf("ответы на %s: %w", postID, err)
	}
	for _, e := range replies {
		if e.Kind == models.KindComment {
			c.ReplyCount++
		}
	}
	return c, nil
}

// VerifyPost сверяет живые счётчики поста со свёрткой журнала.
// Расхождение уходит в оповещения и возвращается как ErrReconciliationMismatch.
func (s *Service) VerifyPost(ctx context.Context, postID uuid.UUID) error {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("пост %s: %w", postID, err)
	}
	folded, err := s.Fold(ctx, postID)
	if err != nil {
		return err
	}
	if folded == p.Counters {
		return nil
	}

	fields := log.Fields{
		"post_id": postID,
		"live":    fmt.Sprintf("%+v", p.Counters),
		"folded":  fmt.Sprintf("%+v", folded),
	}
	metrics.ReconciliationMismatches.Inc()
	s.alerts.Alert(ctx, "Счётчики поста расходятся с журналом", fields)
	return fmt.Errorf("%w: пост %s", common.ErrReconciliationMismatch, postID)
}
