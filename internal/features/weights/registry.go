// Package weights — реестр профилей весов для engagement score.
//
// Активный профиль читается без блокировок из атомарного снимка.
// Писатель сохраняет профиль в хранилище и ставит новый снимок целиком,
// поэтому калькулятор никогда не видит наполовину записанный профиль.
package weights

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
)

// ProfileStore — хранилище профилей.
type ProfileStore interface {
	ListProfiles(ctx context.Context) ([]models.WeightProfile, error)
	UpsertProfile(ctx context.Context, p *models.WeightProfile) error
	ActivateProfile(ctx context.Context, name string) error
}

// Registry хранит активный профиль весов.
type Registry struct {
	store  ProfileStore
	now    common.Clock
	active atomic.Pointer[models.WeightProfile]
	mu     sync.Mutex // сериализует писателей
}

// NewRegistry создаёт реестр. До Load активен профиль по умолчанию.
func NewRegistry(store ProfileStore, clock common.Clock) *Registry {
	if clock == nil {
		clock = common.SystemClock
	}
	r := &Registry{store: store, now: clock}
	def := models.DefaultProfile()
	def.IsActive = true
	r.active.Store(&def)
	return r
}

// GetActiveProfile возвращает снимок активного профиля.
func (r *Registry) GetActiveProfile() models.WeightProfile {
	return *r.active.Load()
}

// Load создаёт профиль по умолчанию и профили из seed-файла, если их нет,
// и загружает активный профиль.
func (r *Registry) Load(ctx context.Context, seedPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("чтение профилей: %w", err)
	}
	known := make(map[string]bool, len(existing))
	hasActive := false
	for _, p := range existing {
		known[p.Name] = true
		hasActive = hasActive || p.IsActive
	}

	seed := []models.WeightProfile{models.DefaultProfile()}
	if seedPath != "" {
		fromFile, err := LoadSeedFile(seedPath)
		if err != nil {
			return err
		}
		seed = append(seed, fromFile...)
	}

	for i := range seed {
		p := seed[i]
		if known[p.Name] {
			continue
		}
		if err := Validate(p); err != nil {
			return fmt.Errorf("профиль %q: %w", p.Name, err)
		}
		p.UpdatedAt = r.now()
		if err := r.store.UpsertProfile(ctx, &p); err != nil {
			return fmt.Errorf("создание профиля %q: %w", p.Name, err)
		}
		known[p.Name] = true
		log.WithField("profile", p.Name).Info("Создан профиль весов")
	}

	if !hasActive {
		if err := r.store.ActivateProfile(ctx, models.DefaultProfileName); err != nil {
			return fmt.Errorf("активация профиля по умолчанию: %w", err)
		}
	}
	return r.reloadLocked(ctx)
}

// Reload перечитывает активный профиль из хранилища.
// Так подхватываются изменения, сделанные другим процессом.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

func (r *Registry) reloadLocked(ctx context.Context) error {
	profiles, err := r.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("чтение профилей: %w", err)
	}
	for i := range profiles {
		p := profiles[i]
		if !p.IsActive {
			continue
		}
		cur := r.active.Load()
		if cur.Name != p.Name || cur.Version != p.Version {
			r.active.Store(&p)
			log.WithFields(log.Fields{
				"profile": p.Name,
				"version": p.Version,
			}).Info("Активный профиль весов обновлён")
		}
		return nil
	}
	log.Warn("Нет активного профиля весов, остаётся прежний снимок")
	return nil
}

// SetActiveProfile делает профиль name активным.
func (r *Registry) SetActiveProfile(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.ActivateProfile(ctx, name); err != nil {
		return fmt.Errorf("профиль %q: %w", name, err)
	}
	return r.reloadLocked(ctx)
}

// UpsertProfile проверяет и сохраняет профиль. Системные профили менять нельзя,
// новые профили через админку всегда пользовательские.
func (r *Registry) UpsertProfile(ctx context.Context, p models.WeightProfile, actor *uuid.UUID) (models.WeightProfile, error) {
	if err := Validate(p); err != nil {
		return models.WeightProfile{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p.IsSystem = false
	p.UpdatedAt = r.now()
	p.UpdatedBy = actor
	if err := r.store.UpsertProfile(ctx, &p); err != nil {
		return models.WeightProfile{}, fmt.Errorf("профиль %q: %w", p.Name, err)
	}
	log.WithFields(log.Fields{
		"profile": p.Name,
		"version": p.Version,
	}).Info("Профиль весов сохранён")

	if err := r.reloadLocked(ctx); err != nil {
		return p, err
	}
	return p, nil
}

// ListProfiles возвращает все профили.
func (r *Registry) ListProfiles(ctx context.Context) ([]models.WeightProfile, error) {
	return r.store.ListProfiles(ctx)
}

// Validate проверяет имя и веса профиля.
func Validate(p models.WeightProfile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: пустое имя профиля", common.ErrInvalidWeight)
	}
	for name, w := range map[string]float64{
		"vote_weight":     p.VoteWeight,
		"comment_weight":  p.CommentWeight,
		"favorite_weight": p.FavoriteWeight,
		"view_weight":     p.ViewWeight,
	} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: %s=%v", common.ErrInvalidWeight, name, w)
		}
	}
	return nil
}
