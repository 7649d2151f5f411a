// Package ledger — журнал событий, влияющих на скоры и репутацию.
//
// Журнал единственный пишет «что произошло». Каждая запись или отзыв
// применяет ровно один набор дельт к счётчикам в той же транзакции,
// что и сама запись. Смена голоса не отзывает старый голос отдельно:
// новая запись замещает старую и применяет разницу (new − old).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// DefaultMaxCommentDepth — глубина вложенности комментариев по умолчанию.
const DefaultMaxCommentDepth = 10

// Event — входное событие журнала.
type Event struct {
	Kind       models.EventKind
	EventID    string // ID сообщения у источника, защищает от повторной доставки
	ActorID    uuid.UUID
	TargetID   uuid.UUID
	ObjectID   *uuid.UUID // ID комментария или жалобы
	ParentID   *uuid.UUID // родительский комментарий
	Polarity   int
	Tag        string
	Correct    bool
	PostKind   models.PostKind
	OccurredAt time.Time
}

// Service — журнал событий.
type Service struct {
	store    store.Store
	counters *counters.Maintainer
	rep      *reputation.Service
	alerts   alerts.Notifier
	now      common.Clock
	maxDepth int
}

// NewService создаёт журнал событий.
func NewService(st store.Store, cm *counters.Maintainer, rep *reputation.Service, notifier alerts.Notifier, clock common.Clock, maxDepth int) *Service {
	if clock == nil {
		clock = common.SystemClock
	}
	if notifier == nil {
		notifier = alerts.LogNotifier{}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCommentDepth
	}
	return &Service{store: st, counters: cm, rep: rep, alerts: notifier, now: clock, maxDepth: maxDepth}
}

// Append записывает событие и применяет его дельты.
// ErrDuplicateEvent — активная запись с тем же ключом уже есть.
func (s *Service) Append(ctx context.Context, ev Event) (uuid.UUID, error) {
	ev.Tag = normalizeTag(ev.Tag)
	if err := validate(ev); err != nil {
		return uuid.Nil, err
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = s.now()
	}

	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		Kind:      ev.Kind,
		ActorID:   ev.ActorID,
		TargetID:  ev.TargetID,
		ObjectID:  ev.ObjectID,
		ParentID:  ev.ParentID,
		Polarity:  ev.Polarity,
		Tag:       ev.Tag,
		Correct:   ev.Correct,
		DedupKey:  dedupKey(ev),
		Active:    true,
		CreatedAt: at,
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var prev *models.LedgerEntry
		if entry.DedupKey != nil {
			existing, err := tx.FindActiveEntry(ctx, *entry.DedupKey)
			switch {
			case err == nil:
				if ev.Kind != models.KindVote || existing.Polarity == ev.Polarity {
					return common.ErrDuplicateEvent
				}
				prev = existing
			case errors.Is(err, common.ErrNotFound):
			default:
				return err
			}
		}

		if prev != nil {
			if err := tx.RetractLedgerEntry(ctx, prev.ID, at); err != nil {
				return err
			}
			entry.Supersedes = &prev.ID
		}
		if err := s.applyState(ctx, tx, ev, at); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		d, err := effects(ctx, tx, entry)
		if err != nil {
			return err
		}
		if prev != nil {
			old, err := effects(ctx, tx, prev)
			if err != nil {
				return err
			}
			d = d.Minus(old)
			if d.KarmaUser != uuid.Nil {
				// старый голос мог быть зажат в 0: снимаем то, что реально записано
				recorded, err := recordedKarma(ctx, tx, prev, d.KarmaUser)
				if err != nil {
					return err
				}
				d.Karma = int64(entry.Polarity) - recorded
			}
		}
		return s.applyDelta(ctx, tx, entry.ID, models.PhaseApply, d)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", ev.Kind, err)
	}

	s.afterCommit(ctx, entry, false)
	return entry.ID, nil
}

// Retract отзывает запись и применяет обратную дельту.
func (s *Service) Retract(ctx context.Context, entryID uuid.UUID) (Delta, error) {
	return s.retract(ctx, func(tx store.Tx) (*models.LedgerEntry, error) {
		return tx.GetLedgerEntry(ctx, entryID)
	})
}

// RetractByKey отзывает активную запись, найденную по тем же полям,
// что и при записи: голос и избранное по (actor, target), тег по (target, tag),
// комментарий по ObjectID.
func (s *Service) RetractByKey(ctx context.Context, ev Event) (Delta, error) {
	ev.Tag = normalizeTag(ev.Tag)
	key := dedupKey(ev)
	if key == nil {
		return Delta{}, fmt.Errorf("%w: %s нельзя отозвать по ключу", common.ErrInvalidEvent, ev.Kind)
	}
	return s.retract(ctx, func(tx store.Tx) (*models.LedgerEntry, error) {
		return tx.FindActiveEntry(ctx, *key)
	})
}

func (s *Service) retract(ctx context.Context, find func(tx store.Tx) (*models.LedgerEntry, error)) (Delta, error) {
	var (
		entry *models.LedgerEntry
		inv   Delta
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		e, err := find(tx)
		if err != nil {
			return err
		}
		if !e.Active {
			return common.ErrAlreadyRetracted
		}
		entry = e
		if err := tx.RetractLedgerEntry(ctx, e.ID, s.now()); err != nil {
			return err
		}
		if err := s.revertState(ctx, tx, e); err != nil {
			return err
		}
		d, err := effects(ctx, tx, e)
		if err != nil {
			return err
		}
		inv = d.Negate()
		if e.Kind == models.KindVote && inv.KarmaUser != uuid.Nil {
			recorded, err := recordedKarma(ctx, tx, e, inv.KarmaUser)
			if err != nil {
				return err
			}
			inv.Karma = -recorded
		}
		return s.applyDelta(ctx, tx, e.ID, models.PhaseRetract, inv)
	})
	if err != nil {
		return Delta{}, fmt.Errorf("отзыв: %w", err)
	}
	s.afterCommit(ctx, entry, true)
	return inv, nil
}

// recordedKarma — сколько кармы пользователю фактически принесли запись
// и все голоса, которые она заменила.
func recordedKarma(ctx context.Context, tx store.Tx, e *models.LedgerEntry, userID uuid.UUID) (int64, error) {
	chain := []uuid.UUID{e.ID}
	for next := e.Supersedes; next != nil; {
		prev, err := tx.GetLedgerEntry(ctx, *next)
		if err != nil {
			return 0, fmt.Errorf("заменённый голос %s: %w", *next, err)
		}
		chain = append(chain, prev.ID)
		next = prev.Supersedes
	}
	return tx.SumKarmaBySources(ctx, userID, chain)
}

// applyDelta применяет набор дельт одной записи.
func (s *Service) applyDelta(ctx context.Context, tx store.Tx, ledgerID uuid.UUID, phase models.Phase, d Delta) error {
	for _, c := range d.Counters {
		if _, err := s.counters.ApplyDelta(ctx, tx, ledgerID, phase, c.Ref, c.Delta); err != nil {
			return err
		}
	}
	if d.Karma != 0 {
		_, err := s.rep.RecordKarma(ctx, tx, reputation.KarmaChange{
			UserID:   d.KarmaUser,
			Delta:    d.Karma,
			Reason:   d.KarmaReason,
			SourceID: ledgerID,
			Phase:    phase,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// applyState — изменения состояния, которые не являются счётчиками.
func (s *Service) applyState(ctx context.Context, tx store.Tx, ev Event, at time.Time) error {
	if ev.ActorID != uuid.Nil {
		if err := tx.EnsureUser(ctx, ev.ActorID, at); err != nil {
			return err
		}
		if isActivity(ev.Kind) {
			if err := tx.TouchActivity(ctx, ev.ActorID, at); err != nil {
				return err
			}
		}
	}

	switch ev.Kind {
	case models.KindPostCreated:
		return tx.InsertPost(ctx, &models.Post{
			ID:        ev.TargetID,
			OwnerID:   ev.ActorID,
			Kind:      ev.PostKind,
			Path:      ev.TargetID.String(),
			CreatedAt: at,
		})

	case models.KindPostRemoved:
		return tx.SetPostRemoved(ctx, ev.TargetID, true)

	case models.KindComment:
		return s.insertComment(ctx, tx, ev, at)

	case models.KindTag:
		return tx.EnsureTag(ctx, ev.Tag)

	case models.KindUserRegistered, models.KindReport:
		return tx.EnsureUser(ctx, ev.TargetID, at)

	case models.KindBan, models.KindUnban:
		if err := tx.EnsureUser(ctx, ev.TargetID, at); err != nil {
			return err
		}
		return tx.SetBanned(ctx, ev.TargetID, ev.Kind == models.KindBan)
	}
	return nil
}

// revertState откатывает состояние при отзыве записи.
func (s *Service) revertState(ctx context.Context, tx store.Tx, e *models.LedgerEntry) error {
	switch e.Kind {
	case models.KindPostCreated:
		return tx.SetPostRemoved(ctx, e.TargetID, true)
	case models.KindPostRemoved:
		return tx.SetPostRemoved(ctx, e.TargetID, false)
	case models.KindComment:
		return tx.SetPostRemoved(ctx, *e.ObjectID, true)
	case models.KindBan:
		return tx.SetBanned(ctx, e.TargetID, false)
	case models.KindUnban:
		return tx.SetBanned(ctx, e.TargetID, true)
	}
	return nil
}

// insertComment создаёт пост-комментарий с глубиной и путём.
func (s *Service) insertComment(ctx context.Context, tx store.Tx, ev Event, at time.Time) error {
	root, err := tx.GetPost(ctx, ev.TargetID)
	if err != nil {
		return fmt.Errorf("пост %s: %w", ev.TargetID, err)
	}
	c := &models.Post{
		ID:        *ev.ObjectID,
		OwnerID:   ev.ActorID,
		Kind:      models.PostComment,
		RootID:    &root.ID,
		Path:      root.Path + "/" + ev.ObjectID.String(),
		CreatedAt: at,
	}
	if ev.ParentID != nil {
		parent, err := tx.GetPost(ctx, *ev.ParentID)
		if err != nil {
			return fmt.Errorf("родительский комментарий %s: %w", *ev.ParentID, err)
		}
		if parent.Kind != models.PostComment {
			return fmt.Errorf("%w: родитель %s не комментарий", common.ErrInvalidEvent, parent.ID)
		}
		if parent.Depth+1 > s.maxDepth {
			return fmt.Errorf("%w: %d", common.ErrMaxDepth, parent.Depth+1)
		}
		c.ParentID = &parent.ID
		c.Depth = parent.Depth + 1
		c.Path = parent.Path + "/" + ev.ObjectID.String()
	}
	return tx.InsertPost(ctx, c)
}

// afterCommit запускает пересчёт trust score там, где событие его меняет.
func (s *Service) afterCommit(ctx context.Context, e *models.LedgerEntry, retracted bool) {
	var reason string
	switch e.Kind {
	case models.KindReport:
		reason = models.ReasonReportActioned
	case models.KindBan:
		reason = models.ReasonBanned
		if retracted {
			reason = models.ReasonUnbanned
		}
	case models.KindUnban:
		reason = models.ReasonUnbanned
		if retracted {
			reason = models.ReasonBanned
		}
	default:
		return
	}
	if _, _, err := s.rep.RecomputeTrust(ctx, e.TargetID, reason); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": e.TargetID,
			"reason":  reason,
		}).Warn("Не удалось пересчитать trust score после события")
	}
}

// ActiveEntries возвращает активные записи по цели (пост, тег, пользователь).
func (s *Service) ActiveEntries(ctx context.Context, targetID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.store.ListActiveByTarget(ctx, targetID)
}

func isActivity(k models.EventKind) bool {
	switch k {
	case models.KindVote, models.KindComment, models.KindFavorite, models.KindTag, models.KindPostCreated:
		return true
	}
	return false
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func validate(ev Event) error {
	bad := func(msg string) error {
		return fmt.Errorf("%w: %s: %s", common.ErrInvalidEvent, ev.Kind, msg)
	}
	if ev.TargetID == uuid.Nil {
		return bad("нет target")
	}
	switch ev.Kind {
	case models.KindVote:
		if ev.Polarity != 1 && ev.Polarity != -1 {
			return bad("polarity должна быть +1 или -1")
		}
		if ev.ActorID == uuid.Nil {
			return bad("нет actor")
		}
	case models.KindFavorite:
		if ev.ActorID == uuid.Nil {
			return bad("нет actor")
		}
	case models.KindComment:
		if ev.ObjectID == nil || *ev.ObjectID == uuid.Nil {
			return bad("нет ID комментария")
		}
	case models.KindTag:
		if ev.Tag == "" {
			return bad("пустой тег")
		}
	case models.KindPostCreated:
		if ev.PostKind != models.PostClip && ev.PostKind != models.PostDiscussion {
			return bad("пост должен быть клипом или обсуждением")
		}
		if ev.ActorID == uuid.Nil {
			return bad("нет владельца")
		}
	case models.KindView, models.KindReport, models.KindBan, models.KindUnban,
		models.KindPostRemoved, models.KindUserRegistered:
	default:
		return fmt.Errorf("%w: %q", common.ErrUnknownEvent, ev.Kind)
	}
	return nil
}

// dedupKey — ключ идемпотентности. nil — событие может повторяться.
func dedupKey(ev Event) *string {
	var k string
	switch ev.Kind {
	case models.KindVote, models.KindFavorite:
		k = fmt.Sprintf("%s:%s:%s", ev.Kind, ev.ActorID, ev.TargetID)
	case models.KindTag:
		k = fmt.Sprintf("tag:%s:%s", ev.TargetID, ev.Tag)
	case models.KindComment:
		if ev.ObjectID == nil {
			return nil
		}
		k = "comment:" + ev.ObjectID.String()
	case models.KindPostCreated:
		k = "post:" + ev.TargetID.String()
	case models.KindPostRemoved:
		k = "post_removed:" + ev.TargetID.String()
	case models.KindUserRegistered:
		k = "user:" + ev.TargetID.String()
	case models.KindReport:
		switch {
		case ev.ObjectID != nil:
			k = "report:" + ev.ObjectID.String()
		case ev.EventID != "":
			k = "event:report:" + ev.EventID
		default:
			return nil
		}
	default:
		if ev.EventID == "" {
			return nil
		}
		k = fmt.Sprintf("event:%s:%s", ev.Kind, ev.EventID)
	}
	return &k
}
