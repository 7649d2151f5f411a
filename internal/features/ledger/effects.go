package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// CounterDelta — изменение одного счётчика.
type CounterDelta struct {
	Ref   models.CounterRef
	Delta int64
}

// Delta — полный набор изменений одной записи журнала.
type Delta struct {
	Counters    []CounterDelta
	KarmaUser   uuid.UUID
	Karma       int64
	KarmaReason string
}

// Empty — нечего применять.
func (d Delta) Empty() bool {
	return len(d.Counters) == 0 && d.Karma == 0
}

// Negate возвращает обратную дельту.
func (d Delta) Negate() Delta {
	out := Delta{KarmaUser: d.KarmaUser, Karma: -d.Karma, KarmaReason: d.KarmaReason}
	for _, c := range d.Counters {
		out.Counters = append(out.Counters, CounterDelta{Ref: c.Ref, Delta: -c.Delta})
	}
	return out
}

// Minus возвращает d − o по каждому счётчику. Нулевые изменения отбрасываются.
func (d Delta) Minus(o Delta) Delta {
	sums := make(map[models.CounterRef]int64)
	var order []models.CounterRef
	add := func(ref models.CounterRef, v int64) {
		if _, ok := sums[ref]; !ok {
			order = append(order, ref)
		}
		sums[ref] += v
	}
	for _, c := range d.Counters {
		add(c.Ref, c.Delta)
	}
	for _, c := range o.Counters {
		add(c.Ref, -c.Delta)
	}

	out := Delta{KarmaUser: d.KarmaUser, Karma: d.Karma - o.Karma, KarmaReason: d.KarmaReason}
	for _, ref := range order {
		if v := sums[ref]; v != 0 {
			out.Counters = append(out.Counters, CounterDelta{Ref: ref, Delta: v})
		}
	}
	return out
}

func postRef(id uuid.UUID, c models.Counter) models.CounterRef {
	return models.CounterRef{Entity: models.EntityPost, ID: id, Counter: c}
}

func userRef(id uuid.UUID, c models.Counter) models.CounterRef {
	return models.CounterRef{Entity: models.EntityUser, ID: id, Counter: c}
}

// effects — изменения счётчиков, которые даёт активная запись сама по себе.
// Отзыв применяет ту же дельту с обратным знаком.
func effects(ctx context.Context, tx store.Tx, e *models.LedgerEntry) (Delta, error) {
	var d Delta
	switch e.Kind {
	case models.KindVote:
		p, err := tx.GetPost(ctx, e.TargetID)
		if err != nil {
			return d, fmt.Errorf("пост %s: %w", e.TargetID, err)
		}
		pol := int64(e.Polarity)
		d.Counters = append(d.Counters, CounterDelta{postRef(p.ID, models.CounterVoteScore), pol})
		if e.ActorID != uuid.Nil {
			d.Counters = append(d.Counters, CounterDelta{userRef(e.ActorID, models.CounterTotalVotesCast), 1})
		}
		// за голос за свой пост карма не начисляется
		if p.OwnerID != e.ActorID {
			d.KarmaUser = p.OwnerID
			d.Karma = pol
			d.KarmaReason = models.ReasonClipVote
			if p.Kind == models.PostComment {
				d.KarmaReason = models.ReasonCommentVote
			}
		}

	case models.KindComment:
		d.Counters = append(d.Counters, CounterDelta{postRef(e.TargetID, models.CounterCommentCount), 1})
		if e.ParentID != nil {
			d.Counters = append(d.Counters, CounterDelta{postRef(*e.ParentID, models.CounterReplyCount), 1})
		}
		if e.ActorID != uuid.Nil {
			d.Counters = append(d.Counters, CounterDelta{userRef(e.ActorID, models.CounterTotalComments), 1})
		}

	case models.KindFavorite:
		d.Counters = append(d.Counters, CounterDelta{postRef(e.TargetID, models.CounterFavoriteCount), 1})

	case models.KindView:
		d.Counters = append(d.Counters, CounterDelta{postRef(e.TargetID, models.CounterViewCount), 1})

	case models.KindTag:
		d.Counters = append(d.Counters, CounterDelta{
			models.CounterRef{Entity: models.EntityTag, ID: models.TagID(e.Tag), Counter: models.CounterUsageCount}, 1,
		})

	case models.KindReport:
		c := models.CounterIncorrectReports
		if e.Correct {
			c = models.CounterCorrectReports
		}
		d.Counters = append(d.Counters, CounterDelta{userRef(e.TargetID, c), 1})

	case models.KindPostCreated, models.KindPostRemoved, models.KindUserRegistered,
		models.KindBan, models.KindUnban:
		// только состояние, счётчиков нет

	default:
		return d, fmt.Errorf("%w: %q", common.ErrUnknownEvent, e.Kind)
	}
	return d, nil
}
