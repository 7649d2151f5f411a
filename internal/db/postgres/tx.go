package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// txStore — операции хранилища внутри транзакции pgx.
type txStore struct {
	tx pgx.Tx
}

var _ store.Tx = (*txStore)(nil)

// ---- журнал событий ----

func (t *txStore) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.Kind, e.ActorID, e.TargetID, e.ObjectID, e.ParentID, e.Polarity, e.Tag, e.Correct,
		e.DedupKey, e.Active, e.Supersedes, e.CreatedAt, e.RetractedAt)
	return mapErr(err)
}

func (t *txStore) GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return getLedgerEntry(ctx, t.tx, id, true)
}

func (t *txStore) FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error) {
	return findActiveEntry(ctx, t.tx, dedupKey, true)
}

func (t *txStore) RetractLedgerEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	var active bool
	err := t.tx.QueryRow(ctx, `SELECT active FROM ledger_entries WHERE id = $1 FOR UPDATE`, id).Scan(&active)
	if err != nil {
		return mapErr(err)
	}
	if !active {
		return common.ErrAlreadyRetracted
	}
	_, err = t.tx.Exec(ctx, `UPDATE ledger_entries SET active = FALSE, retracted_at = $2 WHERE id = $1`, id, at)
	return err
}

// ---- счётчики ----

// MarkApplied фиксирует применение дельты; false — уже применялась.
func (t *txStore) MarkApplied(ctx context.Context, key models.ApplicationKey) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO counter_applications (ledger_id, phase, entity, entity_id, counter)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, key.LedgerID, key.Phase, key.Ref.Entity, key.Ref.ID, key.Ref.Counter)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки применения: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) AddToCounter(ctx context.Context, ref models.CounterRef, delta int64, clamp bool) (store.CounterResult, error) {
	query, err := counterSQL(ref)
	if err != nil {
		return store.CounterResult{}, err
	}
	var res store.CounterResult
	if err := t.tx.QueryRow(ctx, query, ref.ID, delta, clamp).Scan(&res.Old, &res.New); err != nil {
		return store.CounterResult{}, mapErr(err)
	}
	return res, nil
}

// ---- посты и теги ----

// InsertPost добавляет пост; существующий не трогает.
func (t *txStore) InsertPost(ctx context.Context, p *models.Post) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO posts (id, owner_id, kind, parent_id, root_id, depth, path, created_at, is_removed, is_hidden)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.OwnerID, p.Kind, p.ParentID, p.RootID, p.Depth, p.Path, p.CreatedAt, p.IsRemoved, p.IsHidden)
	return mapErr(err)
}

func (t *txStore) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	return getPost(ctx, t.tx, id)
}

func (t *txStore) SetPostRemoved(ctx context.Context, id uuid.UUID, removed bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE posts SET is_removed = $2 WHERE id = $1`, id, removed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (t *txStore) EnsureTag(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tags (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, models.TagID(name), name)
	return err
}

// ---- пользователи ----

func (t *txStore) EnsureUser(ctx context.Context, userID uuid.UUID, createdAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_reputation (user_id, account_created_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET account_created_at = LEAST(user_reputation.account_created_at, EXCLUDED.account_created_at)
	`, userID, createdAt)
	return err
}

func (t *txStore) GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error) {
	return getReputation(ctx, t.tx, userID, true)
}

// updateUser выполняет UPDATE по user_id; нет строки — ErrNotFound.
func (t *txStore) updateUser(ctx context.Context, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (t *txStore) SetBanned(ctx context.Context, userID uuid.UUID, banned bool) error {
	return t.updateUser(ctx, `UPDATE user_reputation SET is_banned = $2 WHERE user_id = $1`, userID, banned)
}

// TouchActivity засчитывает день активности один раз за сутки.
// Запоздавшее событие за прошедший день дату не откатывает и день не добавляет.
func (t *txStore) TouchActivity(ctx context.Context, userID uuid.UUID, day time.Time) error {
	return t.updateUser(ctx, `
		UPDATE user_reputation
		SET days_active = days_active + CASE
		        WHEN last_active_date IS NULL OR $2::date > last_active_date THEN 1 ELSE 0 END,
		    last_active_date = GREATEST(last_active_date, $2::date)
		WHERE user_id = $1
	`, userID, common.DayOf(day))
}

func (t *txStore) SetTrustScore(ctx context.Context, userID uuid.UUID, score int, at time.Time) error {
	return t.updateUser(ctx,
		`UPDATE user_reputation SET trust_score = $2, last_recomputed_at = $3 WHERE user_id = $1`,
		userID, score, at)
}

func (t *txStore) SetEngagementScore(ctx context.Context, userID uuid.UUID, score float64, at time.Time) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return t.updateUser(ctx,
		`UPDATE user_reputation SET engagement_score = $2, last_recomputed_at = $3 WHERE user_id = $1`,
		userID, score, at)
}

// ---- журналы репутации ----

func (t *txStore) InsertKarmaHistory(ctx context.Context, h *models.KarmaHistory) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO karma_history (id, user_id, delta, reason, source_id, actor_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.ID, h.UserID, h.Delta, h.Reason, h.SourceID, h.ActorID, h.Notes, h.CreatedAt)
	return mapErr(err)
}

func (t *txStore) SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	return sumKarmaHistory(ctx, t.tx, userID)
}

func (t *txStore) SumKarmaBySources(ctx context.Context, userID uuid.UUID, sources []uuid.UUID) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	ids := make([]string, len(sources))
	for i, id := range sources {
		ids[i] = id.String()
	}
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0)::bigint FROM karma_history
		WHERE user_id = $1 AND source_id = ANY($2::uuid[])
	`, userID, ids).Scan(&sum)
	return sum, mapErr(err)
}

func (t *txStore) InsertTrustHistory(ctx context.Context, h *models.TrustScoreHistory) error {
	components := h.Components
	if components == nil {
		components = map[string]int{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trust_score_history (id, user_id, old_score, new_score, change_reason, component_scores,
			changed_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, h.ID, h.UserID, h.OldScore, h.NewScore, h.Reason, components, h.ChangedBy, h.Notes, h.CreatedAt)
	return mapErr(err)
}
