package events

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
)

// ErrDispatcherClosed — диспетчер остановлен и новых событий не принимает.
var ErrDispatcherClosed = errors.New("диспетчер событий остановлен")

var errHandlerPanic = errors.New("паника в обработчике события")

// Processor обрабатывает одно событие.
type Processor interface {
	Handle(ctx context.Context, env Envelope) error
}

// Message — событие в очереди шарда. Done вызывается ровно один раз
// с результатом обработки (источник по нему решает, подтверждать ли сообщение).
type Message struct {
	Env  Envelope
	Done func(err error)
}

// Dispatcher — пул воркеров, по одному на шард.
type Dispatcher struct {
	proc   Processor
	shards []chan Message

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher создаёт диспетчер с workers шардами и очередью queueSize на шард.
func NewDispatcher(proc Processor, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{proc: proc, shards: make([]chan Message, workers)}
	for i := range d.shards {
		d.shards[i] = make(chan Message, queueSize)
	}
	return d
}

// Start запускает воркеры. ctx передаётся в обработчик; остановка — через Close.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, ch)
	}
	log.WithField("workers", len(d.shards)).Info("Диспетчер событий запущен")
}

// Submit кладёт событие в очередь его шарда. Если очередь полна,
// ждёт места или отмены ctx.
func (d *Dispatcher) Submit(ctx context.Context, msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	shard := d.shardFor(msg.Env)
	select {
	case d.shards[shard] <- msg:
		metrics.EventsQueued.WithLabelValues(strconv.Itoa(shard)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close перестаёт принимать события и ждёт, пока воркеры разберут очереди.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	log.Info("Диспетчер событий остановлен, очереди разобраны")
}

// shardFor — события одной пары (actor, target) всегда попадают в один шард.
// Комментарии шардируются по самому комментарию: в CommentRemoved автора
// может не быть, а удаление должно идти после публикации.
func (d *Dispatcher) shardFor(env Envelope) int {
	h := xxhash.New()
	if (env.Type == TypeCommentPosted || env.Type == TypeCommentRemoved) && env.ObjectID != nil {
		_, _ = h.Write(env.ObjectID[:])
	} else {
		_, _ = h.Write(env.ActorID[:])
		_, _ = h.Write(env.TargetID[:])
	}
	return int(h.Sum64() % uint64(len(d.shards)))
}

func (d *Dispatcher) worker(ctx context.Context, shard int, ch <-chan Message) {
	defer d.wg.Done()
	label := strconv.Itoa(shard)
	for msg := range ch {
		metrics.EventsQueued.WithLabelValues(label).Dec()
		err := d.process(ctx, msg.Env)
		if msg.Done != nil {
			msg.Done(err)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, env Envelope) (err error) {
	// если обработчик запаникует, событие останется неподтверждённым
	err = errHandlerPanic
	func() {
		defer common.RecoverFromPanic("events")
		err = d.proc.Handle(ctx, env)
	}()
	return err
}
