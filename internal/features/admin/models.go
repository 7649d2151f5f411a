// Package admin — административная граница сервиса репутации:
// вход по паролю Argon2id и ручные операции (профили весов, пересчёты,
// сверка и правка репутации).
// models.go описывает сессию администратора и области пересчёта.
package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/common"
)

// Session — сессия администратора после успешного входа.
// Все ручные операции выполняются только через сессию.
type Session struct {
	svc             *Service
	Actor           uuid.UUID
	AuthenticatedAt time.Time
	ExpiresAt       time.Time
}

// Области пересчёта.
const (
	ScopeAll          = "all"
	ScopeTrust        = "trust"
	ScopeEngagement   = "engagement"
	ScopeFeeds        = "feeds"
	ScopeLeaderboards = "leaderboards"
	scopeUserPrefix   = "user:"
)

// Scope — что пересчитать: всё, одну задачу или одного пользователя.
type Scope struct {
	Name   string
	UserID uuid.UUID // только для "user:<id>"
}

// ParseScope разбирает область пересчёта.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	switch s {
	case ScopeAll, ScopeTrust, ScopeEngagement, ScopeFeeds, ScopeLeaderboards:
		return Scope{Name: s}, nil
	}
	if rest, ok := strings.CutPrefix(s, scopeUserPrefix); ok {
		id, err := uuid.Parse(rest)
		if err != nil {
			return Scope{}, fmt.Errorf("%w: %q: %w", common.ErrUnknownScope, s, err)
		}
		return Scope{Name: "user", UserID: id}, nil
	}
	return Scope{}, fmt.Errorf("%w: %q", common.ErrUnknownScope, s)
}
