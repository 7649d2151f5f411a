// Package admin — service.go содержит вход администратора
// с защитой от перебора и ручные операции над репутацией.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/features/weights"
	"serotonyl.ru/reputation/internal/jobs"
	"serotonyl.ru/reputation/internal/models"
)

const (
	maxFailedLogins = 3
	lockoutPeriod   = 1 * time.Hour
	sessionTTL      = 24 * time.Hour
)

// LoginLog — журнал попыток входа.
type LoginLog interface {
	LogLoginAttempt(ctx context.Context, actor uuid.UUID, success bool, at time.Time) error
	CountFailedLogins(ctx context.Context, actor uuid.UUID, since time.Time) (int, error)
}

// JobRunner — немедленный запуск фоновой задачи по имени.
type JobRunner interface {
	Run(ctx context.Context, name string) error
}

// UserRecomputer — внеплановый пересчёт одного пользователя.
type UserRecomputer interface {
	RecomputeUser(ctx context.Context, userID uuid.UUID) error
}

// PostVerifier — сверка счётчиков поста с журналом событий.
type PostVerifier interface {
	VerifyPost(ctx context.Context, postID uuid.UUID) error
}

// Service — административные операции.
type Service struct {
	passwordHash string
	logins       LoginLog
	rep          *reputation.Service
	weights      *weights.Registry
	users        UserRecomputer
	posts        PostVerifier
	jobs         JobRunner
	now          common.Clock
}

// NewService создаёт сервис администратора.
func NewService(passwordHash string, logins LoginLog, rep *reputation.Service, reg *weights.Registry, users UserRecomputer, posts PostVerifier, runner JobRunner, clock common.Clock) *Service {
	if clock == nil {
		clock = common.SystemClock
	}
	return &Service{
		passwordHash: passwordHash,
		logins:       logins,
		rep:          rep,
		weights:      reg,
		users:        users,
		posts:        posts,
		jobs:         runner,
		now:          clock,
	}
}

// Login проверяет пароль администратора с использованием Argon2id.
// Включает защиту от перебора: 3 неудачные попытки = блокировка на 1 час.
func (s *Service) Login(ctx context.Context, actor uuid.UUID, password string) (*Session, error) {
	if actor == uuid.Nil {
		return nil, common.ErrActorRequired
	}
	now := s.now()

	attempts, err := s.logins.CountFailedLogins(ctx, actor, now.Add(-lockoutPeriod))
	if err != nil {
		return nil, err
	}
	if attempts >= maxFailedLogins {
		return nil, common.ErrTooManyAttempts
	}

	match := verifyArgon2id(password, s.passwordHash)
	if err := s.logins.LogLoginAttempt(ctx, actor, match, now); err != nil {
		log.WithError(err).Warn("Не удалось записать попытку входа")
	}
	if !match {
		log.WithField("actor", actor).Warn("Неверный пароль администратора")
		return nil, common.ErrUnauthorized
	}

	log.WithField("actor", actor).Info("Администратор вошёл")
	return &Session{svc: s, Actor: actor, AuthenticatedAt: now, ExpiresAt: now.Add(sessionTTL)}, nil
}

// check проверяет, что сессия получена через Login и не истекла.
func (ss *Session) check() error {
	if ss == nil || ss.svc == nil || ss.Actor == uuid.Nil {
		return common.ErrUnauthorized
	}
	if !ss.svc.now().Before(ss.ExpiresAt) {
		return fmt.Errorf("%w: сессия истекла", common.ErrUnauthorized)
	}
	return nil
}

// ---- профили весов ----

// ListWeightProfiles возвращает все профили весов.
func (ss *Session) ListWeightProfiles(ctx context.Context) ([]models.WeightProfile, error) {
	if err := ss.check(); err != nil {
		return nil, err
	}
	return ss.svc.weights.ListProfiles(ctx)
}

// SetActiveWeightProfile делает профиль активным для всех последующих расчётов.
func (ss *Session) SetActiveWeightProfile(ctx context.Context, name string) error {
	if err := ss.check(); err != nil {
		return err
	}
	if err := ss.svc.weights.SetActiveProfile(ctx, name); err != nil {
		return err
	}
	log.WithFields(log.Fields{"profile": name, "actor": ss.Actor}).Info("Активный профиль весов изменён")
	return nil
}

// UpsertWeightProfile создаёт или обновляет пользовательский профиль.
func (ss *Session) UpsertWeightProfile(ctx context.Context, p models.WeightProfile) (models.WeightProfile, error) {
	if err := ss.check(); err != nil {
		return models.WeightProfile{}, err
	}
	actor := ss.Actor
	return ss.svc.weights.UpsertProfile(ctx, p, &actor)
}

// ---- пересчёты ----

// scopeJobs — задачи планировщика для каждой области.
var scopeJobs = map[string][]string{
	ScopeTrust:        {jobs.JobTrustRecompute},
	ScopeEngagement:   {jobs.JobEngagement},
	ScopeFeeds:        {jobs.JobFeedRefresh},
	ScopeLeaderboards: {jobs.JobLeaderboards},
	ScopeAll:          {jobs.JobTrustRecompute, jobs.JobEngagement, jobs.JobFeedRefresh, jobs.JobLeaderboards},
}

// TriggerRecompute запускает пересчёт области немедленно и ждёт завершения.
// Области: all, trust, engagement, feeds, leaderboards, user:<uuid>.
func (ss *Session) TriggerRecompute(ctx context.Context, scope string) error {
	if err := ss.check(); err != nil {
		return err
	}
	sc, err := ParseScope(scope)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"scope": scope, "actor": ss.Actor}).Info("Ручной пересчёт")
	if sc.UserID != uuid.Nil {
		return ss.svc.users.RecomputeUser(ctx, sc.UserID)
	}

	var errs []error
	for _, job := range scopeJobs[sc.Name] {
		if err := ss.svc.jobs.Run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job, err))
		}
	}
	return errors.Join(errs...)
}

// ---- репутация ----

// AdjustKarma — ручная правка кармы. Возвращает новую карму.
func (ss *Session) AdjustKarma(ctx context.Context, userID uuid.UUID, delta int64, notes string) (int64, error) {
	if err := ss.check(); err != nil {
		return 0, err
	}
	actor := ss.Actor
	return ss.svc.rep.AdjustKarma(ctx, userID, delta, &actor, notes)
}

// SetTrustScore — ручная установка trust score.
func (ss *Session) SetTrustScore(ctx context.Context, userID uuid.UUID, score int, notes string) error {
	if err := ss.check(); err != nil {
		return err
	}
	actor := ss.Actor
	return ss.svc.rep.SetTrustScore(ctx, userID, score, &actor, notes)
}

// Reconcile сверяет журнал кармы пользователя с текущим значением.
func (ss *Session) Reconcile(ctx context.Context, userID uuid.UUID) error {
	if err := ss.check(); err != nil {
		return err
	}
	return ss.svc.rep.Reconcile(ctx, userID)
}

// VerifyPost сверяет счётчики поста со свёрткой журнала событий.
func (ss *Session) VerifyPost(ctx context.Context, postID uuid.UUID) error {
	if err := ss.check(); err != nil {
		return err
	}
	return ss.svc.posts.VerifyPost(ctx, postID)
}

// RepairKarma дописывает в журнал корректирующую запись. Возвращает её дельту.
func (ss *Session) RepairKarma(ctx context.Context, userID uuid.UUID, notes string) (int64, error) {
	if err := ss.check(); err != nil {
		return 0, err
	}
	actor := ss.Actor
	return ss.svc.rep.RepairKarma(ctx, userID, &actor, notes)
}
