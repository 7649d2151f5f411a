package reputation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Job — фоновый пересчёт по всем пользователям.
type Job string

const (
	JobTrust      Job = "trust_recompute"
	JobEngagement Job = "engagement_recompute"
)

// Recomputer проходит по пользователям пачками и сохраняет чекпоинт
// после каждой пачки. Перезапуск продолжает с последнего чекпоинта.
type Recomputer struct {
	svc         *Service
	store       store.Store
	batchSize   int
	concurrency int
}

// NewRecomputer создаёт исполнителя пересчётов.
func NewRecomputer(svc *Service, st store.Store, batchSize, concurrency int) *Recomputer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Recomputer{svc: svc, store: st, batchSize: batchSize, concurrency: concurrency}
}

// Run выполняет задачу до конца или до отмены ctx.
// Ошибка пачки возвращается как ErrRecomputeJobFailure, чекпоинт
// остаётся на последней успешной пачке.
func (r *Recomputer) Run(ctx context.Context, job Job) (int, error) {
	process, err := r.processor(job)
	if err != nil {
		return 0, err
	}

	after, resumed, err := r.store.GetCheckpoint(ctx, string(job))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: чекпоинт: %w", common.ErrRecomputeJobFailure, job, err)
	}
	if resumed {
		log.WithFields(log.Fields{
			"job":   job,
			"after": after,
		}).Info("[CRON] Продолжаем пересчёт с чекпоинта")
	}

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("%w: %s: остановлен: %w", common.ErrRecomputeJobFailure, job, err)
		}

		users, err := r.store.ListReputationsAfter(ctx, after, r.batchSize)
		if err != nil {
			return processed, fmt.Errorf("%w: %s: чтение пачки: %w", common.ErrRecomputeJobFailure, job, err)
		}
		if len(users) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for i := range users {
			u := users[i]
			g.Go(func() error {
				return process(gctx, &u)
			})
		}
		if err := g.Wait(); err != nil {
			return processed, fmt.Errorf("%w: %s: %w", common.ErrRecomputeJobFailure, job, err)
		}

		after = users[len(users)-1].UserID
		if err := r.store.SaveCheckpoint(ctx, string(job), after); err != nil {
			return processed, fmt.Errorf("%w: %s: сохранение чекпоинта: %w", common.ErrRecomputeJobFailure, job, err)
		}
		processed += len(users)
		metrics.RecomputedUsers.WithLabelValues(string(job)).Add(float64(len(users)))
	}

	if err := r.store.ClearCheckpoint(ctx, string(job)); err != nil {
		return processed, fmt.Errorf("%w: %s: сброс чекпоинта: %w", common.ErrRecomputeJobFailure, job, err)
	}
	log.WithFields(log.Fields{
		"job":       job,
		"processed": processed,
	}).Info("[CRON] Пересчёт завершён")
	return processed, nil
}

// RecomputeUser пересчитывает одного пользователя вне расписания.
func (r *Recomputer) RecomputeUser(ctx context.Context, userID uuid.UUID) error {
	if _, _, err := r.svc.RecomputeTrust(ctx, userID, models.ReasonForcedRecalc); err != nil {
		return err
	}
	if _, err := r.svc.RecomputeEngagement(ctx, userID); err != nil {
		return err
	}
	u, err := r.store.GetReputation(ctx, userID)
	if err != nil {
		return err
	}
	_, err = r.svc.AwardBadges(ctx, u)
	return err
}

func (r *Recomputer) processor(job Job) (func(ctx context.Context, u *models.UserReputation) error, error) {
	switch job {
	case JobTrust:
		return func(ctx context.Context, u *models.UserReputation) error {
			if _, _, err := r.svc.RecomputeTrust(ctx, u.UserID, models.ReasonScheduledRecalc); err != nil {
				if isNotFound(err) {
					return nil
				}
				return err
			}
			_, err := r.svc.AwardBadges(ctx, u)
			return err
		}, nil
	case JobEngagement:
		return func(ctx context.Context, u *models.UserReputation) error {
			if _, err := r.svc.RecomputeEngagement(ctx, u.UserID); err != nil && !isNotFound(err) {
				return err
			}
			return nil
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", common.ErrUnknownScope, job)
}
