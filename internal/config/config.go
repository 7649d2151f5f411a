// Package config загружает конфигурацию сервиса репутации из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"serotonyl.ru/reputation/internal/common"
)

// Хранилища.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Database ---
	// В Docker дефолт "postgres" (имя сервиса в docker-compose), для локалки DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"reputation"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"reputation"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	// memory — всё в памяти, для локального запуска без базы
	AppStorage string `envconfig:"APP_STORAGE" default:"postgres"`

	// --- Admin ---
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH" required:"true"`

	// --- Alerts ---
	// Без токена оповещения только пишутся в лог
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN"`
	AlertChatIDsRaw  string  `envconfig:"ALERT_CHAT_IDS"`
	AlertChatIDs     []int64 `envconfig:"-"` // заполним вручную

	// --- Events ---
	// Пустой REDIS_ADDR — события не читаются
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	RedisStream     string        `envconfig:"REDIS_STREAM" default:"platform:events"`
	RedisGroup      string        `envconfig:"REDIS_GROUP" default:"reputation"`
	RedisConsumer   string        `envconfig:"REDIS_CONSUMER" default:"reputationd"`
	RedisFeedPrefix string        `envconfig:"REDIS_FEED_PREFIX" default:"feed:"`
	RedisFeedMirror bool          `envconfig:"REDIS_FEED_MIRROR" default:"false"`
	EventsWorkers   int           `envconfig:"EVENTS_WORKERS" default:"8"`
	EventsQueue     int           `envconfig:"EVENTS_QUEUE_SIZE" default:"256"`
	EventsMinIdle   time.Duration `envconfig:"EVENTS_RECLAIM_IDLE" default:"1m"`
	MaxCommentDepth int           `envconfig:"MAX_COMMENT_DEPTH" default:"10"`

	// --- Feeds ---
	FeedStaleAfter time.Duration `envconfig:"FEED_STALE_AFTER" default:"2m"`
	FeedWindow     time.Duration `envconfig:"FEED_WINDOW" default:"168h"`
	FeedSize       int           `envconfig:"FEED_SIZE" default:"1000"`

	// --- Recompute ---
	RecomputeBatchSize   int `envconfig:"RECOMPUTE_BATCH_SIZE" default:"500"`
	RecomputeConcurrency int `envconfig:"RECOMPUTE_CONCURRENCY" default:"4"`
	LeaderboardVerifyTop int `envconfig:"LEADERBOARD_VERIFY_TOP" default:"50"`

	// --- Schedule (cron, с секундами) ---
	CronFeedRefresh      string `envconfig:"CRON_FEED_REFRESH" default:"0 * * * * *"`
	CronLeaderboards     string `envconfig:"CRON_LEADERBOARDS" default:"0 */5 * * * *"`
	CronTrustRecompute   string `envconfig:"CRON_TRUST_RECOMPUTE" default:"0 0 3 * * *"`
	CronEngagement       string `envconfig:"CRON_ENGAGEMENT_RECOMPUTE" default:"0 30 3 * * *"`
	CronWeightsReload    string `envconfig:"CRON_WEIGHTS_RELOAD" default:"*/30 * * * * *"`
	CronHistoryPrune     string `envconfig:"CRON_HISTORY_PRUNE" default:"0 0 4 * * *"`
	CronLeaderboardAudit string `envconfig:"CRON_LEADERBOARD_AUDIT" default:"0 15 4 * * *"`
	CronPostAudit        string `envconfig:"CRON_POST_AUDIT" default:"0 45 4 * * *"`

	// --- Reputation ---
	// Сколько дней хранить историю trust score; 0 — бессрочно
	HistoryRetentionDays int    `envconfig:"REPUTATION_HISTORY_RETENTION" default:"0"`
	WeightProfilesFile   string `envconfig:"WEIGHT_PROFILES_FILE"`

	// --- Metrics ---
	// Пустой METRICS_ADDR — без /metrics
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if c.AppStorage != StoragePostgres && c.AppStorage != StorageMemory {
		return fmt.Errorf("APP_STORAGE должен быть %q или %q", StoragePostgres, StorageMemory)
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.TelegramBotToken != "" && len(c.AlertChatIDs) == 0 {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN задан, а ALERT_CHAT_IDS пуст")
	}
	if c.EventsWorkers <= 0 || c.EventsQueue <= 0 {
		return fmt.Errorf("EVENTS_WORKERS и EVENTS_QUEUE_SIZE должны быть > 0")
	}
	if c.MaxCommentDepth <= 0 {
		return fmt.Errorf("MAX_COMMENT_DEPTH должен быть > 0")
	}
	if c.FeedStaleAfter <= 0 || c.FeedSize <= 0 {
		return fmt.Errorf("FEED_STALE_AFTER и FEED_SIZE должны быть > 0")
	}
	if c.FeedWindow < 0 {
		return fmt.Errorf("FEED_WINDOW не может быть отрицательным")
	}
	if c.RecomputeBatchSize <= 0 || c.RecomputeConcurrency <= 0 {
		return fmt.Errorf("RECOMPUTE_BATCH_SIZE и RECOMPUTE_CONCURRENCY должны быть > 0")
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("REPUTATION_HISTORY_RETENTION не может быть отрицательным")
	}
	return c.validateCron()
}

// cronParser — тот же формат с секундами, что у планировщика.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateCron проверяет расписания; пустое расписание отключает задачу.
func (c *Config) validateCron() error {
	specs := map[string]string{
		"CRON_FEED_REFRESH":         c.CronFeedRefresh,
		"CRON_LEADERBOARDS":         c.CronLeaderboards,
		"CRON_TRUST_RECOMPUTE":      c.CronTrustRecompute,
		"CRON_ENGAGEMENT_RECOMPUTE": c.CronEngagement,
		"CRON_WEIGHTS_RELOAD":       c.CronWeightsReload,
		"CRON_HISTORY_PRUNE":        c.CronHistoryPrune,
		"CRON_LEADERBOARD_AUDIT":    c.CronLeaderboardAudit,
		"CRON_POST_AUDIT":           c.CronPostAudit,
	}
	for key, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: некорректное расписание %q: %w", key, spec, err)
		}
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := common.ParseInt64CSV(cfg.AlertChatIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ALERT_CHAT_IDS parse: %w", err)
	}
	cfg.AlertChatIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
