// Package events принимает события платформы (голоса, комментарии, жалобы…)
// и передаёт их в журнал событий.
//
// События приходят JSON-сообщениями из Redis Stream. Диспетчер раскладывает
// их по шардам по паре (actor, target), поэтому события одной пары
// обрабатываются строго по порядку, а разные пары — параллельно.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/reputation/internal/common"
)

// Type — тип входящего события.
type Type string

const (
	TypeVoteCast          Type = "VoteCast"
	TypeVoteRetracted     Type = "VoteRetracted"
	TypeCommentPosted     Type = "CommentPosted"
	TypeCommentRemoved    Type = "CommentRemoved"
	TypeFavoriteAdded     Type = "FavoriteAdded"
	TypeFavoriteRemoved   Type = "FavoriteRemoved"
	TypeReportAdjudicated Type = "ReportAdjudicated"
	TypeUserBanned        Type = "UserBanned"
	TypeUserUnbanned      Type = "UserUnbanned"
	TypePostCreated       Type = "PostCreated"
	TypePostRemoved       Type = "PostRemoved"
	TypeViewRecorded      Type = "ViewRecorded"
	TypeTagApplied        Type = "TagApplied"
	TypeTagRemoved        Type = "TagRemoved"
	TypeUserRegistered    Type = "UserRegistered"
)

// Envelope — входящее событие.
//
// Поля по типам:
//   - VoteCast: actor (голосующий), target (пост), polarity ±1
//   - CommentPosted: actor, target (клип/обсуждение), object (комментарий), parent
//   - CommentRemoved: object (комментарий)
//   - ReportAdjudicated: target (автор жалобы), object (жалоба), correct
//   - UserBanned/UserUnbanned/UserRegistered: target (пользователь)
//   - PostCreated: actor (владелец), target (пост), post_kind
//   - TagApplied/TagRemoved: target (пост), tag
type Envelope struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	ActorID    uuid.UUID  `json:"actor_id"`
	TargetID   uuid.UUID  `json:"target_id"`
	ObjectID   *uuid.UUID `json:"object_id,omitempty"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Polarity   int        `json:"polarity,omitempty"`
	Tag        string     `json:"tag,omitempty"`
	Correct    bool       `json:"correct,omitempty"`
	PostKind   string     `json:"post_kind,omitempty"`
}

// Decode разбирает событие из JSON.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", common.ErrInvalidEvent, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: нет типа", common.ErrInvalidEvent)
	}
	return env, nil
}

// Encode сериализует событие в JSON.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
