// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт хранилище, оповещения, реестр весов,
// калькуляторы, журналы, ленты, лидерборды, приём событий и планировщик.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/reputation/internal/alerts"
	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/config"
	"serotonyl.ru/reputation/internal/db/postgres"
	"serotonyl.ru/reputation/internal/features/admin"
	"serotonyl.ru/reputation/internal/features/counters"
	"serotonyl.ru/reputation/internal/features/events"
	"serotonyl.ru/reputation/internal/features/feed"
	"serotonyl.ru/reputation/internal/features/leaderboard"
	"serotonyl.ru/reputation/internal/features/ledger"
	"serotonyl.ru/reputation/internal/features/reputation"
	"serotonyl.ru/reputation/internal/features/scoring"
	"serotonyl.ru/reputation/internal/features/weights"
	"serotonyl.ru/reputation/internal/jobs"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/store"
	"serotonyl.ru/reputation/internal/store/memstore"
)

// App содержит все компоненты приложения.
type App struct {
	cfg *config.Config

	Store      store.Store
	Notifier   alerts.Notifier
	Weights    *weights.Registry
	Scoring    *scoring.Service
	Reputation *reputation.Service
	Ledger     *ledger.Service
	Feeds      *feed.Materializer
	Boards     *leaderboard.Projector
	Events     *events.Handler
	Dispatcher *events.Dispatcher
	Stream     *events.StreamSource // nil без REDIS_ADDR
	Recomputer *reputation.Recomputer
	Scheduler  *jobs.Scheduler
	Admin      *admin.Service
	Service    *Service

	redis *redis.Client
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Хранилище ===
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// === 2. Оповещения ===
	notifier, err := newNotifier(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	// === 3. Redis ===
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			st.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("Redis недоступен: %w", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("Подключение к Redis установлено")
	}

	a, err := Assemble(ctx, cfg, st, notifier, rdb, common.SystemClock)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Assemble собирает сервисы поверх готового хранилища.
// rdb может быть nil: тогда нет приёма событий из стрима и зеркала лент.
func Assemble(ctx context.Context, cfg *config.Config, st store.Store, notifier alerts.Notifier, rdb *redis.Client, clock common.Clock) (*App, error) {
	a := &App{cfg: cfg, Store: st, Notifier: notifier, redis: rdb}

	// === Профили весов ===
	a.Weights = weights.NewRegistry(st, clock)
	if err := a.Weights.Load(ctx, cfg.WeightProfilesFile); err != nil {
		return a, fmt.Errorf("ошибка загрузки профилей весов: %w", err)
	}

	// === Калькуляторы и журналы ===
	cm := counters.NewMaintainer()
	a.Scoring = scoring.NewService(st, a.Weights, clock)
	a.Reputation = reputation.NewService(st, cm, a.Weights, notifier, clock)
	a.Ledger = ledger.NewService(st, cm, a.Reputation, notifier, clock, cfg.MaxCommentDepth)
	a.Recomputer = reputation.NewRecomputer(a.Reputation, st, cfg.RecomputeBatchSize, cfg.RecomputeConcurrency)

	// === Ленты и лидерборды ===
	var mirror feed.Mirror
	if rdb != nil && cfg.RedisFeedMirror {
		mirror = feed.NewRedisMirror(rdb, cfg.RedisFeedPrefix)
	}
	a.Feeds = feed.NewMaterializer(st, a.Scoring, a.Weights, mirror, clock, feed.Options{
		StaleAfter: cfg.FeedStaleAfter,
		Window:     cfg.FeedWindow,
		MaxPosts:   cfg.FeedSize,
	})
	a.Boards = leaderboard.NewProjector(st, a.Reputation, clock)

	// === Приём событий ===
	a.Events = events.NewHandler(a.Ledger)
	a.Dispatcher = events.NewDispatcher(a.Events, cfg.EventsWorkers, cfg.EventsQueue)
	if rdb != nil {
		a.Stream = events.NewStreamSource(rdb, events.StreamOptions{
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
			MinIdle:  cfg.EventsMinIdle,
		})
	}

	// === Планировщик ===
	a.Scheduler = jobs.NewScheduler(jobs.Deps{
		Feeds:         a.Feeds,
		Leaderboards:  a.Boards,
		Recomputer:    a.Recomputer,
		Weights:       a.Weights,
		History:       a.Reputation,
		Posts:         a.Ledger,
		Notifier:      notifier,
		RetentionDays: cfg.HistoryRetentionDays,
		AuditTopN:     cfg.LeaderboardVerifyTop,
	}, jobs.Schedule{
		FeedRefresh:      cfg.CronFeedRefresh,
		Leaderboards:     cfg.CronLeaderboards,
		TrustRecompute:   cfg.CronTrustRecompute,
		Engagement:       cfg.CronEngagement,
		WeightsReload:    cfg.CronWeightsReload,
		HistoryPrune:     cfg.CronHistoryPrune,
		LeaderboardAudit: cfg.CronLeaderboardAudit,
		PostAudit:        cfg.CronPostAudit,
	})

	// === Админка и фасад чтения ===
	a.Admin = admin.NewService(cfg.AdminPasswordHash, st, a.Reputation, a.Weights, a.Recomputer, a.Ledger, a.Scheduler, clock)
	a.Service = &Service{app: a}

	log.WithFields(log.Fields{
		"storage": cfg.AppStorage,
		"profile": a.Weights.GetActiveProfile().Name,
		"stream":  a.Stream != nil,
		"mirror":  mirror != nil,
	}).Info("Приложение собрано")
	return a, nil
}

// Run запускает приём событий, планировщик и метрики и блокируется до отмены ctx.
// При остановке дочитанные события дообрабатываются.
func (a *App) Run(ctx context.Context) error {
	// воркеры доживают до Close, чтобы разобрать очередь после остановки чтения
	a.Dispatcher.Start(context.WithoutCancel(ctx))
	defer a.Dispatcher.Close()

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, a.cfg.MetricsAddr) })
	}
	if a.Stream != nil {
		g.Go(func() error { return a.Stream.Run(gctx, a.Dispatcher) })
	}
	g.Go(func() error {
		// первичная сборка, чтобы первые читатели не ждали
		if err := a.Feeds.RefreshAll(gctx); err != nil {
			log.WithError(err).Warn("Первичная сборка лент не удалась")
		}
		if err := a.Boards.Rebuild(gctx); err != nil {
			log.WithError(err).Warn("Первичная сборка лидербордов не удалась")
		}
		return nil
	})

	log.Info("Сервис репутации запущен")
	return g.Wait()
}

// Close освобождает соединения.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("Ошибка закрытия Redis")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

// openStore открывает хранилище по APP_STORAGE.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.AppStorage == config.StorageMemory {
		log.Warn("Хранилище в памяти: данные пропадут после перезапуска")
		return memstore.New(), nil
	}

	// Запускаем миграции
	if err := postgres.RunMigrations(cfg.DatabaseDSN()); err != nil {
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	return postgres.NewStore(pool), nil
}

// newNotifier выбирает канал оповещений: Telegram или только лог.
func newNotifier(cfg *config.Config) (alerts.Notifier, error) {
	if cfg.TelegramBotToken == "" {
		return alerts.LogNotifier{}, nil
	}
	n, err := alerts.NewTelegram(cfg.TelegramBotToken, cfg.AlertChatIDs)
	if err != nil {
		return nil, err
	}
	log.WithField("chats", len(cfg.AlertChatIDs)).Info("Оповещения в Telegram включены")
	return n, nil
}
