package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind — тип записи журнала событий.
type EventKind string

const (
	KindPostCreated    EventKind = "post_created"
	KindPostRemoved    EventKind = "post_removed"
	KindUserRegistered EventKind = "user_registered"
	KindVote           EventKind = "vote"
	KindComment        EventKind = "comment"
	KindFavorite       EventKind = "favorite"
	KindTag            EventKind = "tag"
	KindView           EventKind = "view"
	KindReport         EventKind = "report"
	KindBan            EventKind = "ban"
	KindUnban          EventKind = "unban"
)

// LedgerEntry — неизменяемая запись о том, что произошло.
// Единственное изменяемое состояние — флаг Active (отзыв).
type LedgerEntry struct {
	ID          uuid.UUID  `db:"id"`
	Kind        EventKind  `db:"kind"`
	ActorID     uuid.UUID  `db:"actor_id"`  // uuid.Nil — система
	TargetID    uuid.UUID  `db:"target_id"` // пост, пользователь или тег
	ObjectID    *uuid.UUID `db:"object_id"` // созданный объект (ID комментария)
	ParentID    *uuid.UUID `db:"parent_id"` // родительский комментарий
	Polarity    int        `db:"polarity"`  // +1 / -1 для голосов
	Tag         string     `db:"tag"`
	Correct     bool       `db:"correct"` // итог жалобы
	DedupKey    *string    `db:"dedup_key"`
	Active      bool       `db:"active"`
	Supersedes  *uuid.UUID `db:"supersedes"` // предыдущий голос при смене полярности
	CreatedAt   time.Time  `db:"created_at"`
	RetractedAt *time.Time `db:"retracted_at"`
}

// Entity — тип сущности, у которой есть счётчики.
type Entity string

const (
	EntityPost Entity = "post"
	EntityTag  Entity = "tag"
	EntityUser Entity = "user"
)

// Counter — имя счётчика.
type Counter string

const (
	CounterVoteScore        Counter = "vote_score"
	CounterCommentCount     Counter = "comment_count"
	CounterFavoriteCount    Counter = "favorite_count"
	CounterReplyCount       Counter = "reply_count"
	CounterViewCount        Counter = "view_count"
	CounterUsageCount       Counter = "usage_count"
	CounterKarmaPoints      Counter = "karma_points"
	CounterTotalComments    Counter = "total_comments"
	CounterTotalVotesCast   Counter = "total_votes_cast"
	CounterCorrectReports   Counter = "correct_reports"
	CounterIncorrectReports Counter = "incorrect_reports"
)

// CounterRef — конкретный счётчик конкретной сущности.
type CounterRef struct {
	Entity  Entity
	ID      uuid.UUID
	Counter Counter
}

// Phase — фаза применения дельты: прямое применение или отзыв.
type Phase string

const (
	PhaseApply   Phase = "apply"
	PhaseRetract Phase = "retract"
)

// ApplicationKey — ключ идемпотентности применения дельты.
type ApplicationKey struct {
	LedgerID uuid.UUID
	Phase    Phase
	Ref      CounterRef
}
