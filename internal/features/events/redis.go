package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// payloadField — поле сообщения стрима с JSON события.
const payloadField = "data"

// Submitter — куда источник отдаёт прочитанные события.
type Submitter interface {
	Submit(ctx context.Context, msg Message) error
}

// StreamOptions — параметры чтения Redis Stream.
type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int64         // сообщений за одно чтение
	Block    time.Duration // сколько ждать новых сообщений
	MinIdle  time.Duration // через сколько забирать чужие неподтверждённые
}

// StreamSource читает события из Redis Stream через consumer group.
// Сообщение подтверждается (XACK) после успешной обработки или если
// повтор не поможет. Остальные остаются в pending и забираются снова
// через XAUTOCLAIM.
type StreamSource struct {
	rdb  *redis.Client
	opts StreamOptions
}

// NewStreamSource создаёт источник.
func NewStreamSource(rdb *redis.Client, opts StreamOptions) *StreamSource {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = time.Minute
	}
	return &StreamSource{rdb: rdb, opts: opts}
}

// EnsureGroup создаёт стрим и группу, если их ещё нет.
func (s *StreamSource) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("создание группы %s: %w", s.opts.Group, err)
	}
	return nil
}

// Publish добавляет событие в стрим.
func (s *StreamSource) Publish(ctx context.Context, env Envelope) (string, error) {
	data, err := Encode(env)
	if err != nil {
		return "", err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Result()
}

// Run читает стрим, пока не отменён ctx.
func (s *StreamSource) Run(ctx context.Context, sub Submitter) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"stream":   s.opts.Stream,
		"group":    s.opts.Group,
		"consumer": s.opts.Consumer,
	}).Info("Чтение событий из Redis запущено")

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastClaim) >= s.opts.MinIdle {
			if err := s.reclaim(ctx, sub); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Не удалось забрать зависшие события")
			}
			lastClaim = time.Now()
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			Streams:  []string{s.opts.Stream, ">"},
			Count:    s.opts.Batch,
			Block:    s.opts.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("Ошибка чтения стрима событий")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, st := range streams {
			for _, m := range st.Messages {
				if err := s.dispatch(ctx, sub, m); err != nil {
					return nil
				}
			}
		}
	}
}

func (s *StreamSource) reclaim(ctx context.Context, sub Submitter) error {
	start := "0-0"
	for {
		msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.opts.Stream,
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			MinIdle:  s.opts.MinIdle,
			Start:    start,
			Count:    s.opts.Batch,
		}).Result()
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			log.WithField("count", len(msgs)).Info("Забраны неподтверждённые события")
		}
		for _, m := range msgs {
			if err := s.dispatch(ctx, sub, m); err != nil {
				return err
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// dispatch отдаёт сообщение диспетчеру. Ошибка — только если диспетчер
// больше не принимает события.
func (s *StreamSource) dispatch(ctx context.Context, sub Submitter, m redis.XMessage) error {
	raw, _ := m.Values[payloadField].(string)
	env, err := Decode([]byte(raw))
	if err != nil {
		// битое сообщение повтор не исправит
		log.WithError(err).WithField("message_id", m.ID).Error("Некорректное сообщение в стриме, подтверждаем без обработки")
		s.ack(m.ID)
		return nil
	}
	if env.ID == "" {
		env.ID = m.ID
	}

	id := m.ID
	return sub.Submit(ctx, Message{
		Env: env,
		Done: func(err error) {
			if err == nil || !Retryable(err) {
				s.ack(id)
			}
		},
	})
}

func (s *StreamSource) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rdb.XAck(ctx, s.opts.Stream, s.opts.Group, id).Err(); err != nil {
		log.WithError(err).WithField("message_id", id).Warn("Не удалось подтвердить событие")
	}
}
