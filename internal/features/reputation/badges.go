package reputation

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/reputation/internal/models"
)

// Автоматические награды.
const (
	BadgeVeteran           = "veteran"
	BadgeTrustedUser       = "trusted_user"
	BadgeInfluencer        = "influencer"
	BadgeConversationalist = "conversationalist"
	BadgeCurator           = "curator"
)

type badgeRule struct {
	id      string
	matches func(u *models.UserReputation, now time.Time) bool
}

var badgeRules = []badgeRule{
	{BadgeInfluencer, func(u *models.UserReputation, _ time.Time) bool { return u.KarmaPoints >= 10000 }},
	{BadgeTrustedUser, func(u *models.UserReputation, _ time.Time) bool { return u.KarmaPoints >= 1000 }},
	{BadgeVeteran, func(u *models.UserReputation, now time.Time) bool {
		return !u.AccountCreatedAt.IsZero() && now.Sub(u.AccountCreatedAt) >= 365*24*time.Hour
	}},
	{BadgeConversationalist, func(u *models.UserReputation, _ time.Time) bool { return u.TotalComments >= 100 }},
	{BadgeCurator, func(u *models.UserReputation, _ time.Time) bool { return u.TotalVotesCast >= 1000 }},
}

// AwardBadges выдаёт заслуженные награды. Возвращает только новые.
// Награды не отзываются: падение кармы не забирает уже выданное.
func (s *Service) AwardBadges(ctx context.Context, u *models.UserReputation) ([]string, error) {
	now := s.now()
	var awarded []string
	for _, rule := range badgeRules {
		if !rule.matches(u, now) {
			continue
		}
		fresh, err := s.store.AwardBadge(ctx, u.UserID, rule.id, now)
		if err != nil {
			return awarded, err
		}
		if fresh {
			awarded = append(awarded, rule.id)
		}
	}
	if len(awarded) > 0 {
		log.WithFields(log.Fields{
			"user_id": u.UserID,
			"badges":  awarded,
		}).Info("Выданы награды")
	}
	return awarded, nil
}
