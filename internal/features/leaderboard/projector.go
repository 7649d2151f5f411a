// Package leaderboard строит лидерборды по карме, trust score и engagement.
// Лидерборд — проекция текущих записей репутации, его можно пересобрать в любой момент.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/metrics"
	"serotonyl.ru/reputation/internal/models"
)

// Kind — тип лидерборда.
type Kind string

const (
	KindKarma      Kind = "karma"
	KindTrust      Kind = "trust"
	KindEngagement Kind = "engagement"
)

// Kinds — все лидерборды.
var Kinds = []Kind{KindKarma, KindTrust, KindEngagement}

// ParseKind проверяет имя лидерборда.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownLeaderboard, s)
}

// Entry — строка лидерборда.
type Entry struct {
	Rank       int
	UserID     uuid.UUID
	Score      float64
	Karma      int64
	Trust      int
	Engagement float64
	Tier       string
}

// Snapshot — собранный лидерборд.
type Snapshot struct {
	Kind       Kind
	Entries    []Entry
	ComputedAt time.Time
}

// Page — страница лидерборда.
type Page struct {
	Kind       Kind
	Entries    []Entry
	Total      int
	ComputedAt time.Time
}

// Source — записи репутации.
type Source interface {
	ListReputations(ctx context.Context) ([]models.UserReputation, error)
}

// Reconciler сверяет карму пользователя с журналом.
type Reconciler interface {
	Reconcile(ctx context.Context, userID uuid.UUID) error
}

// Projector держит собранные лидерборды.
type Projector struct {
	src    Source
	rec    Reconciler
	now    common.Clock
	boards map[Kind]*atomic.Pointer[Snapshot]
}

// NewProjector создаёт проектор. rec может быть nil, тогда Verify недоступен.
func NewProjector(src Source, rec Reconciler, clock common.Clock) *Projector {
	if clock == nil {
		clock = common.SystemClock
	}
	p := &Projector{src: src, rec: rec, now: clock, boards: make(map[Kind]*atomic.Pointer[Snapshot], len(Kinds))}
	for _, k := range Kinds {
		p.boards[k] = &atomic.Pointer[Snapshot]{}
	}
	return p
}

// Rebuild пересобирает все лидерборды за одно чтение записей.
func (p *Projector) Rebuild(ctx context.Context) error {
	users, err := p.src.ListReputations(ctx)
	if err != nil {
		metrics.LeaderboardRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("записи репутации: %w", err)
	}

	at := p.now()
	for _, k := range Kinds {
		p.boards[k].Store(build(k, users, at))
	}

	metrics.LeaderboardRebuilds.WithLabelValues("ok").Inc()
	log.WithField("users", len(users)).Debug("Лидерборды пересобраны")
	return nil
}

// Get отдаёт страницу лидерборда, собирая его при первом обращении.
func (p *Projector) Get(ctx context.Context, kind Kind, page common.Page) (*Page, error) {
	board, ok := p.boards[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownLeaderboard, kind)
	}
	snap := board.Load()
	if snap == nil {
		if err := p.Rebuild(ctx); err != nil {
			return nil, err
		}
		snap = board.Load()
	}

	from, to := page.Bounds(len(snap.Entries))
	return &Page{
		Kind:       kind,
		Entries:    snap.Entries[from:to],
		Total:      len(snap.Entries),
		ComputedAt: snap.ComputedAt,
	}, nil
}

// RankOf возвращает место пользователя (с 1) в последнем снимке.
func (p *Projector) RankOf(kind Kind, userID uuid.UUID) (int, bool) {
	board, ok := p.boards[kind]
	if !ok {
		return 0, false
	}
	snap := board.Load()
	if snap == nil {
		return 0, false
	}
	for _, e := range snap.Entries {
		if e.UserID == userID {
			return e.Rank, true
		}
	}
	return 0, false
}

// Verify сверяет карму первых topN пользователей лидерборда с журналом.
// Возвращает число расхождений; при расхождениях ошибка оборачивает
// ErrReconciliationMismatch.
func (p *Projector) Verify(ctx context.Context, kind Kind, topN int) (int, error) {
	if p.rec == nil {
		return 0, nil
	}
	pg, err := p.Get(ctx, kind, common.Page{Limit: common.MaxPageLimit})
	if err != nil {
		return 0, err
	}
	entries := pg.Entries
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}

	mismatches := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return mismatches, err
		}
		if err := p.rec.Reconcile(ctx, e.UserID); err != nil {
			if !errors.Is(err, common.ErrReconciliationMismatch) {
				return mismatches, fmt.Errorf("сверка %s: %w", e.UserID, err)
			}
			mismatches++
		}
	}
	if mismatches > 0 {
		return mismatches, fmt.Errorf("%w: лидерборд %s, расхождений %d", common.ErrReconciliationMismatch, kind, mismatches)
	}
	return 0, nil
}

func build(kind Kind, users []models.UserReputation, at time.Time) *Snapshot {
	entries := make([]Entry, 0, len(users))
	for i := range users {
		u := &users[i]
		if u.IsBanned {
			continue
		}
		entries = append(entries, Entry{
			UserID:     u.UserID,
			Score:      scoreOf(kind, u),
			Karma:      u.KarmaPoints,
			Trust:      u.TrustScore,
			Engagement: u.EngagementScore,
			Tier:       models.RankForKarma(u.KarmaPoints),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID.String() < entries[j].UserID.String()
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return &Snapshot{Kind: kind, Entries: entries, ComputedAt: at}
}

func scoreOf(kind Kind, u *models.UserReputation) float64 {
	switch kind {
	case KindTrust:
		return float64(u.TrustScore)
	case KindEngagement:
		return u.EngagementScore
	default:
		return float64(u.KarmaPoints)
	}
}
