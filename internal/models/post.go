// Package models описывает доменные сущности сервиса репутации:
// посты, записи журнала, репутацию пользователей и профили весов.
package models

import (
	"time"

	"github.com/google/uuid"
)

// PostKind — тип контента.
type PostKind string

const (
	PostClip       PostKind = "clip"
	PostComment    PostKind = "comment"
	PostDiscussion PostKind = "discussion"
)

// Valid проверяет, что тип известен.
func (k PostKind) Valid() bool {
	switch k {
	case PostClip, PostComment, PostDiscussion:
		return true
	}
	return false
}

// Counters — денормализованные агрегаты поста.
// Меняются только через Counter Maintainer.
type Counters struct {
	VoteScore     int64 `db:"vote_score"`     // upvotes - downvotes, может быть < 0
	CommentCount  int64 `db:"comment_count"`  // комментарии к посту
	FavoriteCount int64 `db:"favorite_count"` // добавления в избранное
	ReplyCount    int64 `db:"reply_count"`    // прямые ответы (для комментариев)
	ViewCount     int64 `db:"view_count"`     // просмотры
}

// Add складывает счётчики (для агрегатов по автору).
func (c Counters) Add(o Counters) Counters {
	return Counters{
		VoteScore:     c.VoteScore + o.VoteScore,
		CommentCount:  c.CommentCount + o.CommentCount,
		FavoriteCount: c.FavoriteCount + o.FavoriteCount,
		ReplyCount:    c.ReplyCount + o.ReplyCount,
		ViewCount:     c.ViewCount + o.ViewCount,
	}
}

// Scores — последние посчитанные значения скоров.
// Используются как "последний известный скор", если калькулятор не смог посчитать.
type Scores struct {
	Hot        float64    `db:"hot_score"`
	Trending   float64    `db:"trending_score"`
	Engagement float64    `db:"engagement_score"`
	ScoredAt   *time.Time `db:"scored_at"`
}

// Post — клип, комментарий или обсуждение.
type Post struct {
	ID        uuid.UUID  `db:"id"`
	OwnerID   uuid.UUID  `db:"owner_id"`
	Kind      PostKind   `db:"kind"`
	ParentID  *uuid.UUID `db:"parent_id"` // родительский комментарий
	RootID    *uuid.UUID `db:"root_id"`   // клип/обсуждение, к которому относится комментарий
	Depth     int        `db:"depth"`     // 0 для клипов и комментариев верхнего уровня
	Path      string     `db:"path"`      // материализованный путь "root/…/id"
	CreatedAt time.Time  `db:"created_at"`
	IsRemoved bool       `db:"is_removed"`
	IsHidden  bool       `db:"is_hidden"`

	Counters
	Scores
}

// Rankable — участвует ли пост в ранжировании лент.
func (p *Post) Rankable() bool {
	return !p.IsRemoved && !p.IsHidden && p.Kind != PostComment
}

// PostScores — пакет скоров для сохранения после пересчёта лент.
type PostScores struct {
	PostID uuid.UUID
	Scores
}

// Tag — тег с количеством использований.
type Tag struct {
	ID         uuid.UUID `db:"id"`
	Name       string    `db:"name"`
	UsageCount int64     `db:"usage_count"`
}

// tagNamespace — пространство имён для детерминированных ID тегов.
var tagNamespace = uuid.MustParse("6f1d0c52-3c1e-4c55-9a0f-7f7b1b1c2e11")

// TagID возвращает стабильный ID тега по имени.
func TagID(name string) uuid.UUID {
	return uuid.NewSHA1(tagNamespace, []byte(name))
}
