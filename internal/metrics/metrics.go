// Package metrics — метрики Prometheus сервиса репутации и их HTTP-эндпоинт.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// События
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_events_processed_total",
			Help: "Обработанные входящие события по типу и результату",
		},
		[]string{"type", "result"}, // ok | duplicate | error
	)

	EventHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reputation_event_handle_duration_ms",
			Help:    "Время обработки одного события в миллисекундах",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"type"},
	)

	// Счётчики
	CounterUnderflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_counter_underflow_total",
			Help: "Сколько раз счётчик был зажат в 0",
		},
		[]string{"entity", "counter"},
	)

	// Репутация
	ReconciliationMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reputation_reconciliation_mismatch_total",
			Help: "Расхождения журнала кармы с живым значением",
		},
	)

	TrustChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_trust_changes_total",
			Help: "Изменения trust score по причине",
		},
		[]string{"reason"},
	)

	RecomputedUsers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_recomputed_users_total",
			Help: "Пользователи, обработанные фоновыми пересчётами",
		},
		[]string{"job"},
	)

	// Скоры и ленты
	ScoreFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_score_fallback_total",
			Help: "Чтения, отданные по последнему известному скору",
		},
		[]string{"kind"},
	)

	FeedRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_feed_refresh_total",
			Help: "Пересборки лент по результату",
		},
		[]string{"feed", "result"},
	)

	FeedRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reputation_feed_refresh_duration_ms",
			Help:    "Длительность пересборки ленты в миллисекундах",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"feed"},
	)

	FeedSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reputation_feed_size",
			Help: "Количество постов в последнем снимке ленты",
		},
		[]string{"feed"},
	)

	// Лидерборды
	LeaderboardRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reputation_leaderboard_rebuild_total",
			Help: "Пересборки лидербордов по результату",
		},
		[]string{"result"},
	)

	// Очередь событий
	EventsQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reputation_events_queued",
			Help: "События в очереди шарда",
		},
		[]string{"shard"},
	)
)

func init() {
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(EventHandleDuration)
	prometheus.MustRegister(CounterUnderflows)
	prometheus.MustRegister(ReconciliationMismatches)
	prometheus.MustRegister(TrustChanges)
	prometheus.MustRegister(RecomputedUsers)
	prometheus.MustRegister(ScoreFallbacks)
	prometheus.MustRegister(FeedRefreshes)
	prometheus.MustRegister(FeedRefreshDuration)
	prometheus.MustRegister(FeedSize)
	prometheus.MustRegister(LeaderboardRebuilds)
	prometheus.MustRegister(EventsQueued)
}

// Since возвращает прошедшее время в миллисекундах для гистограмм.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// Serve отдаёт /metrics на addr, пока не отменён ctx.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Метрики доступны на /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
