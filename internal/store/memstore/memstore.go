// Package memstore — хранилище в памяти с той же семантикой, что и PostgreSQL:
// уникальность активных ключей журнала, идемпотентность применения дельт,
// зажим счётчиков и откат транзакций.
//
// Транзакции сериализуются одним мьютексом. Для тестов и локального запуска
// этого достаточно; в бою построчные блокировки даёт PostgreSQL.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

// Store — хранилище в памяти.
type Store struct {
	mu sync.RWMutex

	posts       map[uuid.UUID]*models.Post
	tags        map[uuid.UUID]*models.Tag
	users       map[uuid.UUID]*models.UserReputation
	ledger      map[uuid.UUID]*models.LedgerEntry
	activeKeys  map[string]uuid.UUID
	applied     map[models.ApplicationKey]struct{}
	karma       []models.KarmaHistory
	trust       []models.TrustScoreHistory
	badges      map[uuid.UUID]map[string]time.Time
	profiles    map[string]*models.WeightProfile
	checkpoints map[string]uuid.UUID
	logins      []loginAttempt
}

type loginAttempt struct {
	actor   uuid.UUID
	success bool
	at      time.Time
}

var _ store.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		posts:       make(map[uuid.UUID]*models.Post),
		tags:        make(map[uuid.UUID]*models.Tag),
		users:       make(map[uuid.UUID]*models.UserReputation),
		ledger:      make(map[uuid.UUID]*models.LedgerEntry),
		activeKeys:  make(map[string]uuid.UUID),
		applied:     make(map[models.ApplicationKey]struct{}),
		badges:      make(map[uuid.UUID]map[string]time.Time),
		profiles:    make(map[string]*models.WeightProfile),
		checkpoints: make(map[string]uuid.UUID),
	}
}

// Close ничего не делает.
func (s *Store) Close() {}

// WithTx выполняет fn атомарно. При ошибке или панике все изменения откатываются.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()
	if err = fn(t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// ---- чтение ----

// GetPost возвращает копию поста.
func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPost(id)
}

func (s *Store) getPost(id uuid.UUID) (*models.Post, error) {
	p, ok := s.posts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetTag возвращает тег по имени.
func (s *Store) GetTag(ctx context.Context, name string) (*models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[models.TagID(name)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListRankablePosts возвращает живые клипы и обсуждения, созданные после since.
func (s *Store) ListRankablePosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if p.Rankable() && !p.CreatedAt.Before(since) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveScores сохраняет последние посчитанные скоры.
func (s *Store) SaveScores(ctx context.Context, scores []models.PostScores) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		if p, ok := s.posts[sc.PostID]; ok {
			p.Scores = sc.Scores
		}
	}
	return nil
}

// SumOwnerCounters суммирует счётчики живых постов автора.
func (s *Store) SumOwnerCounters(ctx context.Context, ownerID uuid.UUID) (models.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum models.Counters
	for _, p := range s.posts {
		if p.OwnerID == ownerID && !p.IsRemoved {
			sum = sum.Add(p.Counters)
		}
	}
	return sum, nil
}

// GetLedgerEntry возвращает запись журнала.
func (s *Store) GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntry(id)
}

func (s *Store) getEntry(id uuid.UUID) (*models.LedgerEntry, error) {
	e, ok := s.ledger[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// FindActiveEntry ищет активную запись по ключу идемпотентности.
func (s *Store) FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findActive(dedupKey)
}

func (s *Store) findActive(dedupKey string) (*models.LedgerEntry, error) {
	id, ok := s.activeKeys[dedupKey]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s.getEntry(id)
}

// ListActiveByTarget возвращает активные записи по цели.
func (s *Store) ListActiveByTarget(ctx context.Context, targetID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.listActive(func(e *models.LedgerEntry) bool { return e.TargetID == targetID })
}

// ListActiveByParent возвращает активные записи по родительскому комментарию.
func (s *Store) ListActiveByParent(ctx context.Context, parentID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.listActive(func(e *models.LedgerEntry) bool { return e.ParentID != nil && *e.ParentID == parentID })
}

func (s *Store) listActive(match func(e *models.LedgerEntry) bool) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.Active && match(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetReputation возвращает репутацию пользователя.
func (s *Store) GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUser(userID)
}

func (s *Store) getUser(userID uuid.UUID) (*models.UserReputation, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ListReputationsAfter — keyset-пагинация по user_id.
func (s *Store) ListReputationsAfter(ctx context.Context, after uuid.UUID, limit int) ([]models.UserReputation, error) {
	all, _ := s.ListReputations(ctx)
	sort.Slice(all, func(i, j int) bool { return all[i].UserID.String() < all[j].UserID.String() })
	out := make([]models.UserReputation, 0, limit)
	for _, u := range all {
		if after != uuid.Nil && u.UserID.String() <= after.String() {
			continue
		}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListReputations возвращает все репутационные записи.
func (s *Store) ListReputations(ctx context.Context) ([]models.UserReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserReputation, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

// SumKarmaHistory — свёртка журнала кармы.
func (s *Store) SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumKarma(userID), nil
}

func (s *Store) sumKarma(userID uuid.UUID) int64 {
	var sum int64
	for _, h := range s.karma {
		if h.UserID == userID {
			sum += h.Delta
		}
	}
	return sum
}

// ListKarmaHistory возвращает последние записи кармы (новые первыми).
func (s *Store) ListKarmaHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.KarmaHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.KarmaHistory
	for i := len(s.karma) - 1; i >= 0; i-- {
		if s.karma[i].UserID == userID {
			out = append(out, s.karma[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ListTrustHistory возвращает последние записи trust score (новые первыми).
func (s *Store) ListTrustHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TrustScoreHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrustScoreHistory
	for i := len(s.trust) - 1; i >= 0; i-- {
		if s.trust[i].UserID == userID {
			out = append(out, s.trust[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PruneTrustHistory удаляет записи trust score старше before.
func (s *Store) PruneTrustHistory(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.trust[:0]
	var pruned int64
	for _, h := range s.trust {
		if h.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, h)
	}
	s.trust = kept
	return pruned, nil
}

// AwardBadge выдаёт награду; false — уже была.
func (s *Store) AwardBadge(ctx context.Context, userID uuid.UUID, badgeID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badges[userID] == nil {
		s.badges[userID] = make(map[string]time.Time)
	}
	if _, ok := s.badges[userID][badgeID]; ok {
		return false, nil
	}
	s.badges[userID][badgeID] = at
	return true, nil
}

// ListBadges возвращает награды пользователя.
func (s *Store) ListBadges(ctx context.Context, userID uuid.UUID) ([]models.Badge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Badge
	for id, at := range s.badges[userID] {
		out = append(out, models.Badge{UserID: userID, BadgeID: id, AwardedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}

// ListProfiles возвращает все профили весов.
func (s *Store) ListProfiles(ctx context.Context) ([]models.WeightProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WeightProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertProfile создаёт или обновляет профиль, увеличивая версию.
func (s *Store) UpsertProfile(ctx context.Context, p *models.WeightProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if old, ok := s.profiles[p.Name]; ok {
		if old.IsSystem {
			return common.ErrSystemProfile
		}
		cp.Version = old.Version + 1
		cp.IsActive = old.IsActive
	} else {
		cp.Version = 1
		cp.IsActive = false
	}
	s.profiles[p.Name] = &cp
	p.Version = cp.Version
	p.IsActive = cp.IsActive
	return nil
}

// ActivateProfile делает профиль единственным активным.
func (s *Store) ActivateProfile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[name]; !ok {
		return common.ErrUnknownProfile
	}
	for n, p := range s.profiles {
		p.IsActive = n == name
	}
	return nil
}

// LogLoginAttempt записывает попытку входа администратора.
func (s *Store) LogLoginAttempt(ctx context.Context, actor uuid.UUID, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, loginAttempt{actor: actor, success: success, at: at})
	return nil
}

// CountFailedLogins считает неудачные входы начиная с since.
func (s *Store) CountFailedLogins(ctx context.Context, actor uuid.UUID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.logins {
		if a.actor == actor && !a.success && !a.at.Before(since) {
			n++
		}
	}
	return n, nil
}

// GetCheckpoint возвращает последний обработанный user_id задачи.
func (s *Store) GetCheckpoint(ctx context.Context, job string) (uuid.UUID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.checkpoints[job]
	return id, ok, nil
}

// SaveCheckpoint сохраняет прогресс задачи.
func (s *Store) SaveCheckpoint(ctx context.Context, job string, last uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[job] = last
	return nil
}

// ClearCheckpoint сбрасывает прогресс задачи.
func (s *Store) ClearCheckpoint(ctx context.Context, job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, job)
	return nil
}

// ---- транзакция ----

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	if e.DedupKey != nil && e.Active {
		if _, ok := t.s.activeKeys[*e.DedupKey]; ok {
			return common.ErrDuplicateEvent
		}
	}
	if _, ok := t.s.ledger[e.ID]; ok {
		return common.ErrDuplicateEvent
	}
	cp := *e
	t.s.ledger[e.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.ledger, cp.ID) })
	if cp.DedupKey != nil && cp.Active {
		key := *cp.DedupKey
		t.s.activeKeys[key] = cp.ID
		t.undo = append(t.undo, func() { delete(t.s.activeKeys, key) })
	}
	return nil
}

func (t *tx) GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return t.s.getEntry(id)
}

func (t *tx) FindActiveEntry(ctx context.Context, dedupKey string) (*models.LedgerEntry, error) {
	return t.s.findActive(dedupKey)
}

func (t *tx) RetractLedgerEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	e, ok := t.s.ledger[id]
	if !ok {
		return common.ErrNotFound
	}
	if !e.Active {
		return common.ErrAlreadyRetracted
	}
	prev := *e
	e.Active = false
	e.RetractedAt = &at
	t.undo = append(t.undo, func() { *t.s.ledger[id] = prev })
	if prev.DedupKey != nil {
		key := *prev.DedupKey
		if t.s.activeKeys[key] == id {
			delete(t.s.activeKeys, key)
			t.undo = append(t.undo, func() { t.s.activeKeys[key] = id })
		}
	}
	return nil
}

func (t *tx) MarkApplied(ctx context.Context, key models.ApplicationKey) (bool, error) {
	if _, ok := t.s.applied[key]; ok {
		return false, nil
	}
	t.s.applied[key] = struct{}{}
	t.undo = append(t.undo, func() { delete(t.s.applied, key) })
	return true, nil
}

func (t *tx) counterField(ref models.CounterRef) (*int64, error) {
	switch ref.Entity {
	case models.EntityPost:
		p, ok := t.s.posts[ref.ID]
		if !ok {
			return nil, common.ErrNotFound
		}
		switch ref.Counter {
		case models.CounterVoteScore:
			return &p.VoteScore, nil
		case models.CounterCommentCount:
			return &p.CommentCount, nil
		case models.CounterFavoriteCount:
			return &p.FavoriteCount, nil
		case models.CounterReplyCount:
			return &p.ReplyCount, nil
		case models.CounterViewCount:
			return &p.ViewCount, nil
		}
	case models.EntityTag:
		tg, ok := t.s.tags[ref.ID]
		if !ok {
			return nil, common.ErrNotFound
		}
		if ref.Counter == models.CounterUsageCount {
			return &tg.UsageCount, nil
		}
	case models.EntityUser:
		u, ok := t.s.users[ref.ID]
		if !ok {
			return nil, common.ErrNotFound
		}
		switch ref.Counter {
		case models.CounterKarmaPoints:
			return &u.KarmaPoints, nil
		case models.CounterTotalComments:
			return &u.TotalComments, nil
		case models.CounterTotalVotesCast:
			return &u.TotalVotesCast, nil
		case models.CounterCorrectReports:
			return &u.CorrectReports, nil
		case models.CounterIncorrectReports:
			return &u.IncorrectReports, nil
		}
	}
	return nil, common.ErrUnknownCounter
}

func (t *tx) AddToCounter(ctx context.Context, ref models.CounterRef, delta int64, clamp bool) (store.CounterResult, error) {
	f, err := t.counterField(ref)
	if err != nil {
		return store.CounterResult{}, err
	}
	old := *f
	next := old + delta
	if clamp && next < 0 {
		next = 0
	}
	*f = next
	t.undo = append(t.undo, func() {
		// указатель мог устареть, если строка пересоздана — ищем заново
		if g, err := t.counterField(ref); err == nil {
			*g = old
		}
	})
	return store.CounterResult{Old: old, New: next}, nil
}

func (t *tx) InsertPost(ctx context.Context, p *models.Post) error {
	if _, ok := t.s.posts[p.ID]; ok {
		return nil
	}
	cp := *p
	t.s.posts[p.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.posts, cp.ID) })
	return nil
}

func (t *tx) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	return t.s.getPost(id)
}

func (t *tx) SetPostRemoved(ctx context.Context, id uuid.UUID, removed bool) error {
	p, ok := t.s.posts[id]
	if !ok {
		return common.ErrNotFound
	}
	prev := p.IsRemoved
	p.IsRemoved = removed
	t.undo = append(t.undo, func() { t.s.posts[id].IsRemoved = prev })
	return nil
}

func (t *tx) EnsureTag(ctx context.Context, name string) error {
	id := models.TagID(name)
	if _, ok := t.s.tags[id]; ok {
		return nil
	}
	t.s.tags[id] = &models.Tag{ID: id, Name: name}
	t.undo = append(t.undo, func() { delete(t.s.tags, id) })
	return nil
}

func (t *tx) EnsureUser(ctx context.Context, userID uuid.UUID, createdAt time.Time) error {
	if u, ok := t.s.users[userID]; ok {
		if createdAt.Before(u.AccountCreatedAt) {
			return t.updateUser(userID, func(u *models.UserReputation) { u.AccountCreatedAt = createdAt })
		}
		return nil
	}
	t.s.users[userID] = &models.UserReputation{UserID: userID, AccountCreatedAt: createdAt}
	t.undo = append(t.undo, func() { delete(t.s.users, userID) })
	return nil
}

func (t *tx) GetReputation(ctx context.Context, userID uuid.UUID) (*models.UserReputation, error) {
	return t.s.getUser(userID)
}

func (t *tx) updateUser(userID uuid.UUID, fn func(u *models.UserReputation)) error {
	u, ok := t.s.users[userID]
	if !ok {
		return common.ErrNotFound
	}
	prev := *u
	fn(u)
	t.undo = append(t.undo, func() { *t.s.users[userID] = prev })
	return nil
}

func (t *tx) SetBanned(ctx context.Context, userID uuid.UUID, banned bool) error {
	return t.updateUser(userID, func(u *models.UserReputation) { u.IsBanned = banned })
}

func (t *tx) TouchActivity(ctx context.Context, userID uuid.UUID, day time.Time) error {
	day = common.DayOf(day)
	return t.updateUser(userID, func(u *models.UserReputation) {
		if u.LastActiveDate == nil || day.After(*u.LastActiveDate) {
			u.DaysActive++
			u.LastActiveDate = &day
		}
	})
}

func (t *tx) SetTrustScore(ctx context.Context, userID uuid.UUID, score int, at time.Time) error {
	return t.updateUser(userID, func(u *models.UserReputation) {
		u.TrustScore = score
		u.LastRecomputedAt = &at
	})
}

func (t *tx) SetEngagementScore(ctx context.Context, userID uuid.UUID, score float64, at time.Time) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return t.updateUser(userID, func(u *models.UserReputation) {
		u.EngagementScore = score
		u.LastRecomputedAt = &at
	})
}

func (t *tx) InsertKarmaHistory(ctx context.Context, h *models.KarmaHistory) error {
	t.s.karma = append(t.s.karma, *h)
	n := len(t.s.karma) - 1
	t.undo = append(t.undo, func() { t.s.karma = t.s.karma[:n] })
	return nil
}

func (t *tx) SumKarmaHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	return t.s.sumKarma(userID), nil
}

func (t *tx) SumKarmaBySources(ctx context.Context, userID uuid.UUID, sources []uuid.UUID) (int64, error) {
	var sum int64
	for _, h := range t.s.karma {
		if h.UserID != userID || h.SourceID == nil {
			continue
		}
		for _, src := range sources {
			if *h.SourceID == src {
				sum += h.Delta
				break
			}
		}
	}
	return sum, nil
}

func (t *tx) InsertTrustHistory(ctx context.Context, h *models.TrustScoreHistory) error {
	t.s.trust = append(t.s.trust, *h)
	n := len(t.s.trust) - 1
	t.undo = append(t.undo, func() { t.s.trust = t.s.trust[:n] })
	return nil
}
