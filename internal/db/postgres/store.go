package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Store — хранилище сервиса поверх пула pgx.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore создаёт хранилище.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close закрывает пул соединений.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx выполняет fn в одной транзакции.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// ---- посты ----

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	return getPost(ctx, s.pool, id)
}

func (s *Store) GetTag(ctx context.Context, name string) (*models.Tag, error) {
	var t models.Tag
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, usage_count FROM tags WHERE id = $1`, models.TagID(name),
	).Scan(&t.ID, &t.Name, &t.UsageCount)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// ListRankablePosts возвращает живые клипы и обсуждения, созданные после since.
func (s *Store) ListRankablePosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE NOT is_removed AND NOT is_hidden AND kind <> 'comment' AND created_at >= $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки постов: %w", err)
	}
	return collect(rows, scanPost)
}

// SaveScores сохраняет последние посчитанные скоры одним батчем.
func (s *Store) SaveScores(ctx context.Context, scores []models.PostScores) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sc := range scores {
		batch.Queue(`
			UPDATE posts
			SET hot_score = $2, trending_score = $3, engagement_score = $4, scored_at = $5
			WHERE id = $1
		`, sc.PostID, sc.Hot, sc.Trending, sc.Engagement, sc.ScoredAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range scores {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("ошибка сохранения скоров: %w", err)
		}
	}
	return nil
}

// SumOwnerCounters суммирует счётчики живых постов автора.
func (s *Store) SumOwnerCounters(ctx context.Context, ownerID uuid.UUID) (models.Counters, error) {
	var c models.Counters
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(vote_score), 0)::bigint,
		       COALESCE(SUM(comment_count), 0)::bigint,
		       COALESCE(SUM(favorite_count), 0)::bigint,
		       COALESCE(SUM(reply_count), 0)::bigint,
		       COALESCE(SUM(view_count), 0)::bigint
		FROM posts
		WHERE owner_id = $1 AND NOT is_removed
	`, ownerID).Scan(&c.VoteScore, &c.CommentCount, &c.FavoriteCount, &c.ReplyCount, &c.ViewCount)
	return c, mapErr(err)
}

// ---- журнал событий ----

func (s *Store) GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return getLedgerEntry(ctx, s.pool, id, false)
}

func (s *Store) FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error) {
	return findActiveEntry(ctx, s.pool, dedupKey, false)
}

func (s *Store) ListActiveByTarget(ctx context.Context, targetID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE target_id = $1 AND active
		ORDER BY created_at, id
	`, targetID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLedgerEntry)
}

func (s *Store) ListActiveByParent(ctx context.Context, parentID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE parent_id = $1 AND active
		ORDER BY created_at, id
	`, parentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLedgerEntry)
}

// ---- репутация ----

func (s *Store) GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error) {
	return getReputation(ctx, s.pool, userID, false)
}

// ListReputationsAfter — keyset-пагинация по user_id.
func (s *Store) ListReputationsAfter(ctx context.Context, after uuid.UUID, limit int) ([]models.UserReputation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reputationColumns+` FROM user_reputation
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT NULLIF($2::int, 0)
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки репутаций: %w", err)
	}
	return collect(rows, scanReputation)
}

func (s *Store) ListReputations(ctx context.Context) ([]models.UserReputation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reputationColumns+` FROM user_reputation ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки репутаций: %w", err)
	}
	return collect(rows, scanReputation)
}

func (s *Store) SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	return sumKarmaHistory(ctx, s.pool, userID)
}

// ListKarmaHistory возвращает последние записи кармы (новые первыми).
func (s *Store) ListKarmaHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.KarmaHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, delta, reason, source_id, actor_id, notes, created_at
		FROM karma_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*models.KarmaHistory, error) {
		var h models.KarmaHistory
		err := row.Scan(&h.ID, &h.UserID, &h.Delta, &h.Reason, &h.SourceID, &h.ActorID, &h.Notes, &h.CreatedAt)
		return &h, err
	})
}

// ListTrustHistory возвращает последние записи trust score (новые первыми).
func (s *Store) ListTrustHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TrustScoreHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, old_score, new_score, change_reason, component_scores, changed_by, notes, created_at
		FROM trust_score_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*models.TrustScoreHistory, error) {
		var h models.TrustScoreHistory
		err := row.Scan(&h.ID, &h.UserID, &h.OldScore, &h.NewScore, &h.Reason, &h.Components, &h.ChangedBy, &h.Notes, &h.CreatedAt)
		return &h, err
	})
}

// PruneTrustHistory удаляет записи trust score старше before.
func (s *Store) PruneTrustHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trust_score_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки истории: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AwardBadge выдаёт награду; false — уже была.
func (s *Store) AwardBadge(ctx context.Context, userID uuid.UUID, badgeID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO user_badges (user_id, badge_id, awarded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, userID, badgeID, at)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListBadges(ctx context.Context, userID uuid.UUID) ([]models.Badge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, badge_id, awarded_at FROM user_badges
		WHERE user_id = $1
		ORDER BY badge_id
	`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*models.Badge, error) {
		var b models.Badge
		err := row.Scan(&b.UserID, &b.BadgeID, &b.AwardedAt)
		return &b, err
	})
}

// ---- профили весов ----

func (s *Store) ListProfiles(ctx context.Context) ([]models.WeightProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM weight_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки профилей: %w", err)
	}
	return collect(rows, scanProfile)
}

// UpsertProfile создаёт или обновляет профиль, увеличивая версию.
// Системный профиль не меняется; флаг активности сохраняется.
func (s *Store) UpsertProfile(ctx context.Context, p *models.WeightProfile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		old, err := scanProfile(tx.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM weight_profiles WHERE name = $1 FOR UPDATE`, p.Name))
		switch {
		case err == nil:
			if old.IsSystem {
				return common.ErrSystemProfile
			}
			p.Version = old.Version + 1
			p.IsActive = old.IsActive
		case errors.Is(err, common.ErrNotFound):
			p.Version = 1
			p.IsActive = false
		default:
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO weight_profiles (name, description, vote_weight, comment_weight, favorite_weight, view_weight,
				is_system, is_active, version, updated_at, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (name) DO UPDATE SET
				description = EXCLUDED.description,
				vote_weight = EXCLUDED.vote_weight,
				comment_weight = EXCLUDED.comment_weight,
				favorite_weight = EXCLUDED.favorite_weight,
				view_weight = EXCLUDED.view_weight,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				updated_by = EXCLUDED.updated_by
		`, p.Name, p.Description, p.VoteWeight, p.CommentWeight, p.FavoriteWeight, p.ViewWeight,
			p.IsSystem, p.IsActive, p.Version, p.UpdatedAt, p.UpdatedBy)
		if err != nil {
			return fmt.Errorf("ошибка сохранения профиля: %w", err)
		}
		return nil
	})
}

// ActivateProfile делает профиль единственным активным.
func (s *Store) ActivateProfile(ctx context.Context, name string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM weight_profiles WHERE name = $1)`, name).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", common.ErrUnknownProfile, name)
		}
		// сначала снимаем флаг: уникальный индекс допускает один активный профиль
		if _, err := tx.Exec(ctx,
			`UPDATE weight_profiles SET is_active = FALSE WHERE is_active AND name <> $1`, name); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE weight_profiles SET is_active = TRUE WHERE name = $1`, name)
		return err
	})
}

// ---- попытки входа ----

// LogLoginAttempt записывает попытку входа администратора.
func (s *Store) LogLoginAttempt(ctx context.Context, actor uuid.UUID, success bool, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_login_attempts (actor_id, attempt_time, success) VALUES ($1, $2, $3)`,
		actor, at, success)
	if err != nil {
		return fmt.Errorf("ошибка записи попытки входа: %w", err)
	}
	return nil
}

// CountFailedLogins возвращает количество неудачных попыток начиная с since.
func (s *Store) CountFailedLogins(ctx context.Context, actor uuid.UUID, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE actor_id = $1 AND NOT success AND attempt_time >= $2
	`, actor, since).Scan(&count)
	return count, err
}

// ---- чекпоинты ----

func (s *Store) GetCheckpoint(ctx context.Context, job string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT last_user_id FROM recompute_checkpoints WHERE job = $1`, job).Scan(&id)
	if err != nil {
		if errors.Is(mapErr(err), common.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, job string, last uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recompute_checkpoints (job, last_user_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job) DO UPDATE SET last_user_id = EXCLUDED.last_user_id, updated_at = NOW()
	`, job, last)
	return err
}

func (s *Store) ClearCheckpoint(ctx context.Context, job string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recompute_checkpoints WHERE job = $1`, job)
	return err
}
