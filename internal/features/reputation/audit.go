package reputation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Reconstruct сворачивает журнал кармы пользователя.
func (s *Service) Reconstruct(ctx context.Context, userID uuid.UUID) (int64, error) {
	sum, err := s.store.SumKarmaHistory(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("свёртка журнала кармы %s: %w", userID, err)
	}
	return sum, nil
}

// Reconcile сверяет свёртку журнала с текущей кармой.
// При расхождении поднимает оповещение, принудительно пересчитывает
// trust score и engagement и возвращает ErrReconciliationMismatch.
// Сама карма не исправляется: для этого есть RepairKarma.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) error {
	// карма и свёртка читаются под блокировкой строки пользователя,
	// чтобы не поймать событие посередине
	var live, folded int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetReputation(ctx, userID)
		if err != nil {
			return err
		}
		live = u.KarmaPoints
		folded, err = tx.SumKarmaHistory(ctx, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("сверка кармы %s: %w", userID, err)
	}
	if folded == live {
		return nil
	}

	fields := log.Fields{
		"user_id": userID,
		"live":    live,
		"folded":  folded,
	}
	metrics.ReconciliationMismatches.Inc()
	s.alerts.Alert(ctx, "Журнал кармы расходится с текущим значением", fields)

	if _, _, err := s.RecomputeTrust(ctx, userID, models.ReasonForcedRecalc); err != nil {
		log.WithError(err).WithFields(fields).Error("Принудительный пересчёт trust score не удался")
	}
	if _, err := s.RecomputeEngagement(ctx, userID); err != nil {
		log.WithError(err).WithFields(fields).Error("Принудительный пересчёт engagement не удался")
	}
	return fmt.Errorf("%w: пользователь %s, карма %d, журнал %d",
		common.ErrReconciliationMismatch, userID, live, folded)
}

// RepairKarma — явное исправление расхождения администратором.
// Текущая карма остаётся, в журнал дописывается корректирующая строка,
// после которой свёртка снова равна карме.
func (s *Service) RepairKarma(ctx context.Context, userID uuid.UUID, actor *uuid.UUID, notes string) (int64, error) {
	if actor == nil || *actor == uuid.Nil {
		return 0, common.ErrActorRequired
	}
	var diff int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetReputation(ctx, userID)
		if err != nil {
			return err
		}
		folded, err := tx.SumKarmaHistory(ctx, userID)
		if err != nil {
			return err
		}
		diff = u.KarmaPoints - folded
		if diff == 0 {
			return nil
		}
		src := uuid.New()
		return tx.InsertKarmaHistory(ctx, &models.KarmaHistory{
			ID:        uuid.New(),
			UserID:    userID,
			Delta:     diff,
			Reason:    models.ReasonReconciliation,
			SourceID:  &src,
			ActorID:   actor,
			Notes:     notePtr(notes),
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("исправление журнала кармы %s: %w", userID, err)
	}
	if diff != 0 {
		log.WithFields(log.Fields{
			"user_id": userID,
			"delta":   diff,
			"actor":   *actor,
		}).Warn("Журнал кармы исправлен администратором")
	}
	return diff, nil
}
