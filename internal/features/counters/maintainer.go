// Package counters применяет дельты к денормализованным счётчикам.
//
// Каждое применение привязано к записи журнала и фазе (apply/retract):
// повтор той же дельты ничего не меняет. Количества и карма зажимаются в 0,
// vote_score со знаком.
package counters

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Result — итог применения одной дельты.
type Result struct {
	Old       int64
	New       int64
	Applied   bool // false — дельта уже применялась
	Underflow bool // значение было зажато в 0
}

// Effective — фактическое изменение счётчика.
func (r Result) Effective() int64 {
	return r.New - r.Old
}

// Signed — счётчики, которые могут быть отрицательными.
func Signed(c models.Counter) bool {
	return c == models.CounterVoteScore
}

// Maintainer применяет дельты внутри транзакции журнала.
type Maintainer struct{}

// NewMaintainer создаёт Maintainer.
func NewMaintainer() *Maintainer {
	return &Maintainer{}
}

// ApplyDelta атомарно меняет счётчик ref на delta.
// Повторное применение той же (ledgerID, phase, ref) возвращает Applied=false.
func (m *Maintainer) ApplyDelta(ctx context.Context, tx store.Tx, ledgerID uuid.UUID, phase models.Phase, ref models.CounterRef, delta int64) (Result, error) {
	if delta == 0 {
		return Result{}, nil
	}
	fresh, err := tx.MarkApplied(ctx, models.ApplicationKey{LedgerID: ledgerID, Phase: phase, Ref: ref})
	if err != nil {
		return Result{}, fmt.Errorf("ключ применения %s/%s: %w", ref.Entity, ref.Counter, err)
	}
	if !fresh {
		log.WithFields(log.Fields{
			"ledger_id": ledgerID,
			"phase":     phase,
			"entity":    ref.Entity,
			"counter":   ref.Counter,
		}).Debug("Дельта уже применена, пропускаем")
		return Result{}, nil
	}

	clamp := !Signed(ref.Counter)
	res, err := tx.AddToCounter(ctx, ref, delta, clamp)
	if err != nil {
		return Result{}, fmt.Errorf("счётчик %s/%s %s: %w", ref.Entity, ref.Counter, ref.ID, err)
	}

	out := Result{Old: res.Old, New: res.New, Applied: true}
	if clamp && res.Old+delta < 0 {
		out.Underflow = true
		metrics.CounterUnderflows.WithLabelValues(string(ref.Entity), string(ref.Counter)).Inc()
		log.WithFields(log.Fields{
			"ledger_id": ledgerID,
			"entity":    ref.Entity,
			"id":        ref.ID,
			"counter":   ref.Counter,
			"old":       res.Old,
			"delta":     delta,
		}).Warn("Счётчик ушёл бы ниже нуля, зажат в 0")
	}
	return out, nil
}
