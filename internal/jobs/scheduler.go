// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: обновление лент и лидербордов,
// ночные пересчёты репутации, перечитывание профилей весов и аудит.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/features/leaderboard"
	"serotonyl.ru/reputation/internal/features/reputation"
)

// Имена задач.
const (
	JobFeedRefresh      = "feed_refresh"
	JobLeaderboards     = "leaderboards"
	JobTrustRecompute   = "trust_recompute"
	JobEngagement       = "engagement_recompute"
	JobWeightsReload    = "weights_reload"
	JobHistoryPrune     = "history_prune"
	JobLeaderboardAudit = "leaderboard_audit"
	JobPostAudit        = "post_audit"
)

// FeedRefresher — пересборка всех лент и их верх для аудита.
type FeedRefresher interface {
	RefreshAll(ctx context.Context) error
	TopPosts(ctx context.Context, n int) ([]uuid.UUID, error)
}

// Leaderboards — пересборка и аудит лидербордов.
type Leaderboards interface {
	Rebuild(ctx context.Context) error
	Verify(ctx context.Context, kind leaderboard.Kind, topN int) (int, error)
}

// PostAuditor — сверка счётчиков поста со свёрткой журнала.
type PostAuditor interface {
	VerifyPost(ctx context.Context, postID uuid.UUID) error
}

// Recomputer — пакетный пересчёт по пользователям.
type Recomputer interface {
	Run(ctx context.Context, job reputation.Job) (int, error)
}

// WeightsReloader — перечитывание профилей весов из хранилища.
type WeightsReloader interface {
	Reload(ctx context.Context) error
}

// HistoryPruner — очистка старой истории trust score.
type HistoryPruner interface {
	PruneTrustHistory(ctx context.Context, retentionDays int) (int64, error)
}

// Schedule — cron-выражения (с секундами) для каждой задачи.
// Пустое выражение отключает задачу.
type Schedule struct {
	FeedRefresh      string
	Leaderboards     string
	TrustRecompute   string
	Engagement       string
	WeightsReload    string
	HistoryPrune     string
	LeaderboardAudit string
	PostAudit        string
}

// Deps — исполнители задач.
type Deps struct {
	Feeds         FeedRefresher
	Leaderboards  Leaderboards
	Recomputer    Recomputer
	Weights       WeightsReloader
	History       HistoryPruner
	Posts         PostAuditor
	Notifier      alerts.Notifier
	RetentionDays int
	AuditTopN     int
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron  *cron.Cron
	deps  Deps
	sched Schedule
	jobs  map[string]func(ctx context.Context) error
}

// NewScheduler создаёт планировщик задач в UTC.
// Задача, которая ещё выполняется, пропускает следующий запуск.
func NewScheduler(deps Deps, sched Schedule) *Scheduler {
	if deps.Notifier == nil {
		deps.Notifier = alerts.LogNotifier{}
	}
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)

	s := &Scheduler{cron: c, deps: deps, sched: sched}
	s.jobs = map[string]func(ctx context.Context) error{
		JobFeedRefresh:      s.refreshFeeds,
		JobLeaderboards:     s.rebuildLeaderboards,
		JobTrustRecompute:   s.recompute(reputation.JobTrust),
		JobEngagement:       s.recompute(reputation.JobEngagement),
		JobWeightsReload:    s.reloadWeights,
		JobHistoryPrune:     s.pruneHistory,
		JobLeaderboardAudit: s.auditLeaderboards,
		JobPostAudit:        s.auditPosts,
	}
	return s
}

// Start регистрирует задачи по расписанию и запускает планировщик.
func (s *Scheduler) Start(ctx context.Context) error {
	specs := map[string]string{
		JobFeedRefresh:      s.sched.FeedRefresh,
		JobLeaderboards:     s.sched.Leaderboards,
		JobTrustRecompute:   s.sched.TrustRecompute,
		JobEngagement:       s.sched.Engagement,
		JobWeightsReload:    s.sched.WeightsReload,
		JobHistoryPrune:     s.sched.HistoryPrune,
		JobLeaderboardAudit: s.sched.LeaderboardAudit,
		JobPostAudit:        s.sched.PostAudit,
	}
	for name, spec := range specs {
		if spec == "" {
			log.WithField("job", name).Info("[CRON] Задача отключена")
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(spec, func() { _ = s.Run(ctx, name) }); err != nil {
			return fmt.Errorf("расписание %s (%q): %w", name, spec, err)
		}
	}

	s.cron.Start()
	log.WithField("jobs", len(s.cron.Entries())).Info("Планировщик задач запущен (UTC)")
	return nil
}

// Stop останавливает планировщик и ждёт текущие задачи.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

// Run выполняет задачу немедленно (по расписанию или вручную).
func (s *Scheduler) Run(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", common.ErrUnknownScope, name)
	}

	start := time.Now()
	log.WithField("job", name).Debug("[CRON] Старт задачи")
	err := job(ctx)
	fields := log.Fields{"job": name, "duration": time.Since(start).String()}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("[CRON] Ошибка задачи")
		fields["error"] = err.Error()
		s.deps.Notifier.Alert(ctx, "Фоновая задача завершилась с ошибкой", fields)
		return err
	}
	log.WithFields(fields).Debug("[CRON] Задача выполнена")
	return nil
}

func (s *Scheduler) refreshFeeds(ctx context.Context) error {
	if s.deps.Feeds == nil {
		return nil
	}
	return s.deps.Feeds.RefreshAll(ctx)
}

func (s *Scheduler) rebuildLeaderboards(ctx context.Context) error {
	if s.deps.Leaderboards == nil {
		return nil
	}
	return s.deps.Leaderboards.Rebuild(ctx)
}

func (s *Scheduler) recompute(job reputation.Job) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s.deps.Recomputer == nil {
			return nil
		}
		n, err := s.deps.Recomputer.Run(ctx, job)
		log.WithFields(log.Fields{"job": job, "users": n}).Info("[CRON] Пересчёт завершён")
		return err
	}
}

func (s *Scheduler) reloadWeights(ctx context.Context) error {
	if s.deps.Weights == nil {
		return nil
	}
	return s.deps.Weights.Reload(ctx)
}

func (s *Scheduler) pruneHistory(ctx context.Context) error {
	if s.deps.History == nil || s.deps.RetentionDays <= 0 {
		return nil
	}
	n, err := s.deps.History.PruneTrustHistory(ctx, s.deps.RetentionDays)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("rows", n).Info("[CRON] Удалена старая история trust score")
	}
	return nil
}

// auditLeaderboards сверяет верх каждого лидерборда с журналом кармы.
// Расхождения исправляет сверка, сама задача лишь сообщает о них.
func (s *Scheduler) auditLeaderboards(ctx context.Context) error {
	if s.deps.Leaderboards == nil || s.deps.AuditTopN <= 0 {
		return nil
	}
	var errs []error
	for _, kind := range leaderboard.Kinds {
		mismatches, err := s.deps.Leaderboards.Verify(ctx, kind, s.deps.AuditTopN)
		if mismatches > 0 {
			log.WithFields(log.Fields{"board": kind, "mismatches": mismatches}).Warn("[CRON] Расхождения в лидерборде")
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// auditPosts сверяет счётчики постов с верха лент со свёрткой журнала.
func (s *Scheduler) auditPosts(ctx context.Context) error {
	if s.deps.Feeds == nil || s.deps.Posts == nil || s.deps.AuditTopN <= 0 {
		return nil
	}
	ids, err := s.deps.Feeds.TopPosts(ctx, s.deps.AuditTopN)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := s.deps.Posts.VerifyPost(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.WithFields(log.Fields{"posts": len(ids), "mismatches": len(errs)}).Warn("[CRON] Счётчики постов расходятся с журналом")
	}
	return errors.Join(errs...)
}
