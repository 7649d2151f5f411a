// Package postgres — вспомогательные функции для работы с БД.
// queries.go содержит общие утилиты: транзакции, разбор ошибок,
// белый список счётчиков и сканирование строк.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
)

// querier — общее у пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txAttempts — сколько раз повторяем транзакцию после взаимоблокировки
// или конфликта сериализации.
const txAttempts = 3

// withTx выполняет fn в транзакции.
// Если fn вернёт ошибку — транзакция откатится автоматически.
// Взаимоблокировку (40P01) и конфликт сериализации (40001) Postgres
// разрешает откатом одной из сторон: такую транзакцию повторяем целиком.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = runTx(ctx, pool, fn)
		if !retryableTx(err) || attempt == txAttempts {
			break
		}
		log.WithFields(log.Fields{"attempt": attempt, "error": err}).Warn("Транзакция откатилась из-за конфликта, повторяем")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// retryableTx — ошибка, после которой транзакцию можно просто повторить.
func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40P01" || pgErr.Code == "40001"
}

func runTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	// Откатываем транзакцию, если что-то пошло не так (после Commit — no-op)
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr переводит ошибки pgx в общие ошибки сервиса.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return common.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", common.ErrDuplicateEvent, pgErr.ConstraintName)
	}
	return err
}

// counterTable — таблица и колонки счётчиков одной сущности.
type counterTable struct {
	table   string
	key     string
	columns map[models.Counter]string
}

// counterTables — белый список: имя колонки никогда не берётся из входных данных.
var counterTables = map[models.Entity]counterTable{
	models.EntityPost: {
		table: "posts",
		key:   "id",
		columns: map[models.Counter]string{
			models.CounterVoteScore:     "vote_score",
			models.CounterCommentCount:  "comment_count",
			models.CounterFavoriteCount: "favorite_count",
			models.CounterReplyCount:    "reply_count",
			models.CounterViewCount:     "view_count",
		},
	},
	models.EntityTag: {
		table: "tags",
		key:   "id",
		columns: map[models.Counter]string{
			models.CounterUsageCount: "usage_count",
		},
	},
	models.EntityUser: {
		table: "user_reputation",
		key:   "user_id",
		columns: map[models.Counter]string{
			models.CounterKarmaPoints:      "karma_points",
			models.CounterTotalComments:    "total_comments",
			models.CounterTotalVotesCast:   "total_votes_cast",
			models.CounterCorrectReports:   "correct_reports",
			models.CounterIncorrectReports: "incorrect_reports",
		},
	},
}

// counterSQL собирает атомарное изменение счётчика.
// Старое значение читается под блокировкой строки в том же запросе.
func counterSQL(ref models.CounterRef) (string, error) {
	t, ok := counterTables[ref.Entity]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", common.ErrUnknownCounter, ref.Entity, ref.Counter)
	}
	col, ok := t.columns[ref.Counter]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", common.ErrUnknownCounter, ref.Entity, ref.Counter)
	}
	return fmt.Sprintf(`
		WITH old AS (
			SELECT %[3]s AS v FROM %[1]s WHERE %[2]s = $1 FOR UPDATE
		)
		UPDATE %[1]s t
		SET %[3]s = CASE WHEN $3::boolean THEN GREATEST(t.%[3]s + $2::bigint, 0) ELSE t.%[3]s + $2::bigint END
		FROM old
		WHERE t.%[2]s = $1
		RETURNING old.v, t.%[3]s
	`, t.table, t.key, col), nil
}

// ---- сканирование строк ----

const postColumns = `id, owner_id, kind, parent_id, root_id, depth, path, created_at,
	is_removed, is_hidden, vote_score, comment_count, favorite_count, reply_count, view_count,
	hot_score, trending_score, engagement_score, scored_at`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Kind, &p.ParentID, &p.RootID, &p.Depth, &p.Path, &p.CreatedAt,
		&p.IsRemoved, &p.IsHidden, &p.VoteScore, &p.CommentCount, &p.FavoriteCount, &p.ReplyCount, &p.ViewCount,
		&p.Hot, &p.Trending, &p.Engagement, &p.ScoredAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

const ledgerColumns = `id, kind, actor_id, target_id, object_id, parent_id, polarity, tag, correct,
	dedup_key, active, supersedes, created_at, retracted_at`

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(
		&e.ID, &e.Kind, &e.ActorID, &e.TargetID, &e.ObjectID, &e.ParentID, &e.Polarity, &e.Tag, &e.Correct,
		&e.DedupKey, &e.Active, &e.Supersedes, &e.CreatedAt, &e.RetractedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

const reputationColumns = `user_id, karma_points, trust_score, engagement_score, is_banned, account_created_at,
	correct_reports, incorrect_reports, total_comments, total_votes_cast, days_active,
	last_active_date, last_recomputed_at`

func scanReputation(row pgx.Row) (*models.UserReputation, error) {
	var u models.UserReputation
	err := row.Scan(
		&u.UserID, &u.KarmaPoints, &u.TrustScore, &u.EngagementScore, &u.IsBanned, &u.AccountCreatedAt,
		&u.CorrectReports, &u.IncorrectReports, &u.TotalComments, &u.TotalVotesCast, &u.DaysActive,
		&u.LastActiveDate, &u.LastRecomputedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

const profileColumns = `name, description, vote_weight, comment_weight, favorite_weight, view_weight,
	is_system, is_active, version, updated_at, updated_by`

func scanProfile(row pgx.Row) (*models.WeightProfile, error) {
	var p models.WeightProfile
	err := row.Scan(
		&p.Name, &p.Description, &p.VoteWeight, &p.CommentWeight, &p.FavoriteWeight, &p.ViewWeight,
		&p.IsSystem, &p.IsActive, &p.Version, &p.UpdatedAt, &p.UpdatedBy,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// collect читает все строки запроса через scan.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ---- запросы, общие для пула и транзакции ----

func getPost(ctx context.Context, q querier, id interface{}) (*models.Post, error) {
	return scanPost(q.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
}

func getLedgerEntry(ctx context.Context, q querier, id interface{}, lock bool) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanLedgerEntry(q.QueryRow(ctx, query, id))
}

func findActiveEntry(ctx context.Context, q querier, dedupKey string, lock bool) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE dedup_key = $1 AND active`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanLedgerEntry(q.QueryRow(ctx, query, dedupKey))
}

func getReputation(ctx context.Context, q querier, userID interface{}, lock bool) (*models.UserReputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM user_reputation WHERE user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanReputation(q.QueryRow(ctx, query, userID))
}

func sumKarmaHistory(ctx context.Context, q querier, userID interface{}) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM karma_history WHERE user_id = $1`, userID).Scan(&sum)
	return sum, mapErr(err)
}
