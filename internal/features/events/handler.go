package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/ledger"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
)

// Ledger — то, что нужно обработчику от журнала событий.
type Ledger interface {
	Append(ctx context.Context, ev ledger.Event) (uuid.UUID, error)
	RetractByKey(ctx context.Context, ev ledger.Event) (ledger.Delta, error)
}

// Handler переводит входящие события в записи журнала.
type Handler struct {
	ledger Ledger
}

// NewHandler создаёт обработчик.
func NewHandler(l Ledger) *Handler {
	return &Handler{ledger: l}
}

// Handle обрабатывает одно событие. Повторная доставка и отзыв того,
// чего уже нет, ошибкой не считаются.
func (h *Handler) Handle(ctx context.Context, env Envelope) error {
	start := time.Now()
	result, err := h.handle(ctx, env)
	metrics.EventsProcessed.WithLabelValues(string(env.Type), result).Inc()
	metrics.EventHandleDuration.WithLabelValues(string(env.Type)).Observe(metrics.Since(start))

	fields := log.Fields{
		"event_id": env.ID,
		"type":     env.Type,
		"result":   result,
	}
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Ошибка обработки события")
		return err
	}
	log.WithFields(fields).Debug("Событие обработано")
	return nil
}

func (h *Handler) handle(ctx context.Context, env Envelope) (string, error) {
	ev, retract, err := toLedgerEvent(env)
	if err != nil {
		return "invalid", err
	}

	if retract {
		_, err = h.ledger.RetractByKey(ctx, ev)
		switch {
		case err == nil:
			return "ok", nil
		case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrAlreadyRetracted):
			return "noop", nil
		}
		return "error", err
	}

	_, err = h.ledger.Append(ctx, ev)
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, common.ErrDuplicateEvent):
		return "duplicate", nil
	}
	return "error", err
}

// Retryable — стоит ли доставить событие ещё раз.
// Некорректные события повтор не исправит. ErrNotFound повторяем:
// голос может прийти раньше события о создании поста.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, common.ErrInvalidEvent),
		errors.Is(err, common.ErrUnknownEvent),
		errors.Is(err, common.ErrMaxDepth):
		return false
	}
	return true
}

// toLedgerEvent возвращает событие журнала и признак отзыва.
func toLedgerEvent(env Envelope) (ledger.Event, bool, error) {
	ev := ledger.Event{
		EventID:    env.ID,
		ActorID:    env.ActorID,
		TargetID:   env.TargetID,
		ObjectID:   env.ObjectID,
		ParentID:   env.ParentID,
		Polarity:   env.Polarity,
		Tag:        env.Tag,
		Correct:    env.Correct,
		PostKind:   models.PostKind(env.PostKind),
		OccurredAt: env.OccurredAt,
	}

	switch env.Type {
	case TypeVoteCast:
		ev.Kind = models.KindVote
	case TypeVoteRetracted:
		ev.Kind = models.KindVote
		return ev, true, nil
	case TypeCommentPosted:
		ev.Kind = models.KindComment
	case TypeCommentRemoved:
		ev.Kind = models.KindComment
		if ev.ObjectID == nil {
			return ev, false, fmt.Errorf("%w: %s без object_id", common.ErrInvalidEvent, env.Type)
		}
		return ev, true, nil
	case TypeFavoriteAdded:
		ev.Kind = models.KindFavorite
	case TypeFavoriteRemoved:
		ev.Kind = models.KindFavorite
		return ev, true, nil
	case TypeReportAdjudicated:
		ev.Kind = models.KindReport
	case TypeUserBanned:
		ev.Kind = models.KindBan
	case TypeUserUnbanned:
		ev.Kind = models.KindUnban
	case TypePostCreated:
		ev.Kind = models.KindPostCreated
		if ev.PostKind == "" {
			ev.PostKind = models.PostClip
		}
	case TypePostRemoved:
		ev.Kind = models.KindPostRemoved
	case TypeViewRecorded:
		ev.Kind = models.KindView
	case TypeTagApplied:
		ev.Kind = models.KindTag
	case TypeTagRemoved:
		ev.Kind = models.KindTag
		return ev, true, nil
	case TypeUserRegistered:
		ev.Kind = models.KindUserRegistered
	default:
		return ev, false, fmt.Errorf("%w: %q", common.ErrUnknownEvent, env.Type)
	}
	return ev, false, nil
}
