// Package reputation — карма, trust score и engagement пользователей
// и журнал всех их изменений.
//
// Любое изменение кармы проходит через RecordKarma и пишет строку в
// karma_history с фактической дельтой, поэтому свёртка журнала всегда
// равна текущей карме. Trust score пишет строку в историю только при
// реальном изменении значения.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/features/scoring"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Service управляет репутацией пользователей.
type Service struct {
	store    store.Store
	counters *counters.Maintainer
	weights  scoring.ProfileSource
	alerts   alerts.Notifier
	now      common.Clock
}

// NewService создаёт сервис репутации.
func NewService(st store.Store, cm *counters.Maintainer, weights scoring.ProfileSource, notifier alerts.Notifier, clock common.Clock) *Service {
	if clock == nil {
		clock = common.SystemClock
	}
	if notifier == nil {
		notifier = alerts.LogNotifier{}
	}
	return &Service{store: st, counters: cm, weights: weights, alerts: notifier, now: clock}
}

// KarmaChange — изменение кармы внутри транзакции журнала событий.
type KarmaChange struct {
	UserID   uuid.UUID
	Delta    int64
	Reason   string
	SourceID uuid.UUID    // запись журнала событий или ID ручной правки
	Phase    models.Phase // apply | retract
	ActorID  *uuid.UUID
	Notes    *string
}

// RecordKarma применяет дельту кармы и пишет строку в журнал кармы.
// В журнал попадает фактическая дельта после зажима в 0.
func (s *Service) RecordKarma(ctx context.Context, tx store.Tx, ch KarmaChange) (counters.Result, error) {
	if ch.Phase == "" {
		ch.Phase = models.PhaseApply
	}
	ref := models.CounterRef{Entity: models.EntityUser, ID: ch.UserID, Counter: models.CounterKarmaPoints}
	res, err := s.counters.ApplyDelta(ctx, tx, ch.SourceID, ch.Phase, ref, ch.Delta)
	if err != nil {
		return res, fmt.Errorf("карма %s: %w", ch.UserID, err)
	}
	if !res.Applied {
		return res, nil
	}

	src := ch.SourceID
	h := &models.KarmaHistory{
		ID:        uuid.New(),
		UserID:    ch.UserID,
		Delta:     res.Effective(),
		Reason:    ch.Reason,
		SourceID:  &src,
		ActorID:   ch.ActorID,
		Notes:     ch.Notes,
		CreatedAt: s.now(),
	}
	if err := tx.InsertKarmaHistory(ctx, h); err != nil {
		return res, fmt.Errorf("журнал кармы %s: %w", ch.UserID, err)
	}
	return res, nil
}

// TrustChange — изменение trust score для журнала.
type TrustChange struct {
	UserID     uuid.UUID
	Old        int
	New        int
	Reason     string
	ActorID    *uuid.UUID
	Components map[string]int
	Notes      *string
}

// RecordChange записывает новое значение trust score и строку журнала.
// Если значение не изменилось, ничего не пишет и возвращает false.
func (s *Service) RecordChange(ctx context.Context, tx store.Tx, ch TrustChange) (bool, error) {
	if ch.Old == ch.New {
		return false, nil
	}
	now := s.now()
	if err := tx.SetTrustScore(ctx, ch.UserID, ch.New, now); err != nil {
		return false, fmt.Errorf("trust score %s: %w", ch.UserID, err)
	}
	h := &models.TrustScoreHistory{
		ID:         uuid.New(),
		UserID:     ch.UserID,
		OldScore:   ch.Old,
		NewScore:   ch.New,
		Reason:     ch.Reason,
		Components: ch.Components,
		ChangedBy:  ch.ActorID,
		Notes:      ch.Notes,
		CreatedAt:  now,
	}
	if err := tx.InsertTrustHistory(ctx, h); err != nil {
		return false, fmt.Errorf("журнал trust score %s: %w", ch.UserID, err)
	}
	metrics.TrustChanges.WithLabelValues(ch.Reason).Inc()
	return true, nil
}

// RecomputeTrust пересчитывает trust score пользователя.
func (s *Service) RecomputeTrust(ctx context.Context, userID uuid.UUID, reason string) (scoring.TrustBreakdown, bool, error) {
	var (
		b       scoring.TrustBreakdown
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetReputation(ctx, userID)
		if err != nil {
			return err
		}
		b = scoring.TrustScore(scoring.TrustInputFor(u, s.now()))
		changed, err = s.RecordChange(ctx, tx, TrustChange{
			UserID:     userID,
			Old:        u.TrustScore,
			New:        b.Total,
			Reason:     reason,
			Components: b.Map(),
		})
		return err
	})
	if err != nil {
		return b, false, fmt.Errorf("пересчёт trust score %s: %w", userID, err)
	}
	if changed {
		log.WithFields(log.Fields{
			"user_id": userID,
			"trust":   b.Total,
			"reason":  reason,
		}).Debug("Trust score изменён")
	}
	return b, changed, nil
}

// RecomputeEngagement пересчитывает engagement пользователя по его живым постам
// с активным профилем весов.
func (s *Service) RecomputeEngagement(ctx context.Context, userID uuid.UUID) (float64, error) {
	sum, err := s.store.SumOwnerCounters(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("счётчики постов %s: %w", userID, err)
	}
	score := scoring.EngagementScore(sum, s.weights.GetActiveProfile())
	if !scoring.Finite(score) {
		log.WithField("user_id", userID).Warn("Engagement не посчитан, оставляем прежний")
		return 0, nil
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetReputation(ctx, userID)
		if err != nil {
			return err
		}
		if math.Abs(u.EngagementScore-score) < 1e-9 {
			return nil
		}
		return tx.SetEngagementScore(ctx, userID, score, s.now())
	})
	if err != nil {
		return 0, fmt.Errorf("engagement %s: %w", userID, err)
	}
	return score, nil
}

// AdjustKarma — ручная правка кармы администратором.
func (s *Service) AdjustKarma(ctx context.Context, userID uuid.UUID, delta int64, actor *uuid.UUID, notes string) (int64, error) {
	if actor == nil || *actor == uuid.Nil {
		return 0, common.ErrActorRequired
	}
	var karma int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetReputation(ctx, userID); err != nil {
			return err
		}
		res, err := s.RecordKarma(ctx, tx, KarmaChange{
			UserID:   userID,
			Delta:    delta,
			Reason:   models.ReasonManualAdjustment,
			SourceID: uuid.New(),
			ActorID:  actor,
			Notes:    notePtr(notes),
		})
		karma = res.New
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ручная правка кармы %s: %w", userID, err)
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"delta":   delta,
		"karma":   karma,
		"actor":   *actor,
	}).Info("Карма изменена администратором")

	if _, _, err := s.RecomputeTrust(ctx, userID, models.ReasonManualAdjustment); err != nil {
		log.WithError(err).Warn("Не удалось пересчитать trust score после правки кармы")
	}
	return karma, nil
}

// SetTrustScore — ручная установка trust score администратором.
// Плановый пересчёт позже может вернуть вычисленное значение.
func (s *Service) SetTrustScore(ctx context.Context, userID uuid.UUID, score int, actor *uuid.UUID, notes string) error {
	if actor == nil || *actor == uuid.Nil {
		return common.ErrActorRequired
	}
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: %d", common.ErrInvalidTrustScore, score)
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetReputation(ctx, userID)
		if err != nil {
			return err
		}
		_, err = s.RecordChange(ctx, tx, TrustChange{
			UserID:  userID,
			Old:     u.TrustScore,
			New:     score,
			Reason:  models.ReasonManualAdjustment,
			ActorID: actor,
			Notes:   notePtr(notes),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("ручная установка trust score %s: %w", userID, err)
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"trust":   score,
		"actor":   *actor,
	}).Info("Trust score установлен администратором")
	return nil
}

// UserView — репутация пользователя для чтения.
type UserView struct {
	models.UserReputation
	Rank   string
	Badges []models.Badge
}

// GetUserReputation возвращает карму, trust score и ранг пользователя.
func (s *Service) GetUserReputation(ctx context.Context, userID uuid.UUID) (*UserView, error) {
	u, err := s.store.GetReputation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("репутация %s: %w", userID, err)
	}
	badges, err := s.store.ListBadges(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось прочитать награды")
	}
	return &UserView{UserReputation: *u, Rank: models.RankForKarma(u.KarmaPoints), Badges: badges}, nil
}

// KarmaHistory возвращает последние изменения кармы.
func (s *Service) KarmaHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.KarmaHistory, error) {
	return s.store.ListKarmaHistory(ctx, userID, limit)
}

// TrustHistory возвращает последние изменения trust score.
func (s *Service) TrustHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TrustScoreHistory, error) {
	return s.store.ListTrustHistory(ctx, userID, limit)
}

// PruneTrustHistory удаляет историю trust score старше retention.
// Журнал кармы не чистится: на нём держится сверка.
func (s *Service) PruneTrustHistory(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	before := s.now().AddDate(0, 0, -retentionDays)
	n, err := s.store.PruneTrustHistory(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("очистка истории trust score: %w", err)
	}
	return n, nil
}

func notePtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isNotFound — нет репутационной записи.
func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
