package models

import (
	"time"

	"github.com/google/uuid"
)

// UserReputation — репутационная запись пользователя.
// Принадлежит только подсистеме репутации.
type UserReputation struct {
	UserID           uuid.UUID  `db:"user_id"`
	KarmaPoints      int64      `db:"karma_points"` // >= 0
	TrustScore       int        `db:"trust_score"`  // 0..100
	EngagementScore  float64    `db:"engagement_score"`
	IsBanned         bool       `db:"is_banned"`
	AccountCreatedAt time.Time  `db:"account_created_at"`
	CorrectReports   int64      `db:"correct_reports"`
	IncorrectReports int64      `db:"incorrect_reports"`
	TotalComments    int64      `db:"total_comments"`
	TotalVotesCast   int64      `db:"total_votes_cast"`
	DaysActive       int64      `db:"days_active"`
	LastActiveDate   *time.Time `db:"last_active_date"`
	LastRecomputedAt *time.Time `db:"last_recomputed_at"`
}

// Ранги по карме.
const (
	RankNewcomer    = "Newcomer"
	RankMember      = "Member"
	RankRegular     = "Regular"
	RankContributor = "Contributor"
	RankVeteran     = "Veteran"
	RankLegend      = "Legend"
)

// RankForKarma возвращает ранг по порогам кармы.
// Ранг не хранится — всегда вычисляется.
func RankForKarma(karma int64) string {
	switch {
	case karma >= 10000:
		return RankLegend
	case karma >= 5000:
		return RankVeteran
	case karma >= 1000:
		return RankContributor
	case karma >= 500:
		return RankRegular
	case karma >= 100:
		return RankMember
	default:
		return RankNewcomer
	}
}

// Коды причин изменения репутации.
const (
	ReasonClipVote         = "clip_vote"
	ReasonCommentVote      = "comment_vote"
	ReasonManualAdjustment = "manual_adjustment"
	ReasonReconciliation   = "reconciliation_adjustment"
	ReasonScheduledRecalc  = "scheduled_recalc"
	ReasonReportActioned   = "report_actioned"
	ReasonBanned           = "banned"
	ReasonUnbanned         = "unbanned"
	ReasonNewActivity      = "new_activity"
	ReasonForcedRecalc     = "forced_recalc"
	ReasonEngagementRecalc = "engagement_recalc"
)

// KarmaHistory — запись журнала кармы. Delta — фактически применённое
// изменение (после зажима в 0), поэтому сумма дельт равна karma_points.
type KarmaHistory struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	Delta     int64      `db:"delta"`
	Reason    string     `db:"reason"`
	SourceID  *uuid.UUID `db:"source_id"` // запись журнала событий
	ActorID   *uuid.UUID `db:"actor_id"`  // nil — автоматически
	Notes     *string    `db:"notes"`
	CreatedAt time.Time  `db:"created_at"`
}

// TrustScoreHistory — запись журнала trust score.
type TrustScoreHistory struct {
	ID         uuid.UUID      `db:"id"`
	UserID     uuid.UUID      `db:"user_id"`
	OldScore   int            `db:"old_score"`
	NewScore   int            `db:"new_score"`
	Reason     string         `db:"change_reason"`
	Components map[string]int `db:"component_scores"`
	ChangedBy  *uuid.UUID     `db:"changed_by"`
	Notes      *string        `db:"notes"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Badge — награда пользователя.
type Badge struct {
	UserID    uuid.UUID `db:"user_id"`
	BadgeID   string    `db:"badge_id"`
	AwardedAt time.Time `db:"awarded_at"`
}
