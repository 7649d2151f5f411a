// Package store описывает хранилище сервиса репутации.
// Реализации: internal/db/postgres (боевая, pgx) и internal/store/memstore
// (в памяти, для тестов и локального запуска).
//
// Все изменения журнала и счётчиков идут через Tx внутри Store.WithTx,
// чтобы запись в журнал и применение дельт были одной единицей работы.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/models"
)

// CounterResult — значение счётчика до и после атомарного изменения.
type CounterResult struct {
	Old int64
	New int64
}

// Tx — операции внутри одной транзакции.
type Tx interface {
	// Журнал событий
	InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error // common.ErrDuplicateEvent при конфликте ключа
	GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error) // блокирует строку
	RetractLedgerEntry(ctx context.Context, id uuid.UUID, at time.Time) error

	// Счётчики
	MarkApplied(ctx context.Context, key models.ApplicationKey) (bool, error)
	AddToCounter(ctx context.Context, ref models.CounterRef, delta int64, clamp bool) (CounterResult, error)

	// Посты и теги
	InsertPost(ctx context.Context, p *models.Post) error // существующий пост не трогает
	GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error)
	SetPostRemoved(ctx context.Context, id uuid.UUID, removed bool) error
	EnsureTag(ctx context.Context, name string) error

	// Пользователи
	// EnsureUser создаёт запись; более ранняя createdAt сдвигает account_created_at.
	EnsureUser(ctx context.Context, userID uuid.UUID, createdAt time.Time) error
	// GetReputation блокирует строку до конца транзакции.
	GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error)
	SetBanned(ctx context.Context, userID uuid.UUID, banned bool) error
	TouchActivity(ctx context.Context, userID uuid.UUID, day time.Time) error
	SetTrustScore(ctx context.Context, userID uuid.UUID, score int, at time.Time) error
	SetEngagementScore(ctx context.Context, userID uuid.UUID, score float64, at time.Time) error

	// Журнал репутации (только вставка и свёртка)
	InsertKarmaHistory(ctx context.Context, h *models.KarmaHistory) error
	SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error)
	// SumKarmaBySources — сумма дельт кармы пользователя, записанных от указанных записей журнала.
	SumKarmaBySources(ctx context.Context, userID uuid.UUID, sources []uuid.UUID) (int64, error)
	InsertTrustHistory(ctx context.Context, h *models.TrustScoreHistory) error
}

// Store — хранилище целиком.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Чтение постов
	GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error)
	GetTag(ctx context.Context, name string) (*models.Tag, error)
	ListRankablePosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error)
	SaveScores(ctx context.Context, scores []models.PostScores) error
	SumOwnerCounters(ctx context.Context, ownerID uuid.UUID) (models.Counters, error)

	// Чтение журнала событий
	GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error)
	ListActiveByTarget(ctx context.Context, targetID uuid.UUID) ([]models.LedgerEntry, error)
	ListActiveByParent(ctx context.Context, parentID uuid.UUID) ([]models.LedgerEntry, error)

	// Репутация
	GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error)
	ListReputationsAfter(ctx context.Context, after uuid.UUID, limit int) ([]models.UserReputation, error)
	ListReputations(ctx context.Context) ([]models.UserReputation, error)
	SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error)
	ListKarmaHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.KarmaHistory, error)
	ListTrustHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TrustScoreHistory, error)
	PruneTrustHistory(ctx context.Context, before time.Time) (int64, error)
	AwardBadge(ctx context.Context, userID uuid.UUID, badgeID string, at time.Time) (bool, error)
	ListBadges(ctx context.Context, userID uuid.UUID) ([]models.Badge, error)

	// Профили весов
	ListProfiles(ctx context.Context) ([]models.WeightProfile, error)
	UpsertProfile(ctx context.Context, p *models.WeightProfile) error // Version выставляет хранилище
	ActivateProfile(ctx context.Context, name string) error           // common.ErrUnknownProfile

	// Попытки входа администратора
	LogLoginAttempt(ctx context.Context, actor uuid.UUID, success bool, at time.Time) error
	CountFailedLogins(ctx context.Context, actor uuid.UUID, since time.Time) (int, error)

	// Чекпоинты фоновых пересчётов
	GetCheckpoint(ctx context.Context, job string) (uuid.UUID, bool, error)
	SaveCheckpoint(ctx context.Context, job string, last uuid.UUID) error
	ClearCheckpoint(ctx context.Context, job string) error

	Close()
}
