package models

import (
	"time"

	"github.com/google/uuid"
)

// WeightProfile — именованный набор коэффициентов для engagement score.
type WeightProfile struct {
	Name           string     `db:"name" yaml:"name"`
	Description    string     `db:"description" yaml:"description"`
	VoteWeight     float64    `db:"vote_weight" yaml:"vote_weight"`
	CommentWeight  float64    `db:"comment_weight" yaml:"comment_weight"`
	FavoriteWeight float64    `db:"favorite_weight" yaml:"favorite_weight"`
	ViewWeight     float64    `db:"view_weight" yaml:"view_weight"`
	IsSystem       bool       `db:"is_system" yaml:"is_system"`
	IsActive       bool       `db:"is_active" yaml:"-"`
	Version        int        `db:"version" yaml:"-"`
	UpdatedAt      time.Time  `db:"updated_at" yaml:"-"`
	UpdatedBy      *uuid.UUID `db:"updated_by" yaml:"-"`
}

// DefaultProfileName — профиль, который создаётся при первом запуске.
const DefaultProfileName = "default"

// DefaultProfile — фиксированные коэффициенты (views + votes*2 + comments*3 + favorites*2).
func DefaultProfile() WeightProfile {
	return WeightProfile{
		Name:           DefaultProfileName,
		Description:    "Фиксированные веса по умолчанию",
		VoteWeight:     2,
		CommentWeight:  3,
		FavoriteWeight: 2,
		ViewWeight:     1,
		IsSystem:       true,
	}
}
