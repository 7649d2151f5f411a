// Package scoring — чистые калькуляторы скоров и сервис чтения скоров поста.
//
// Калькуляторы не меняют состояние и не паникуют: отсутствующие данные
// считаются нулём, а нечисловой результат заменяется последним известным
// значением на стороне Service.
package scoring

import (
	"math"
	"time"

	"serotonyl.ru/reputation/internal/models"
)

// hotDecayHours — делитель возраста в HotScore.
const hotDecayHours = 12.5

// ageHours — возраст поста в часах, не меньше 0.
func ageHours(createdAt, now time.Time) float64 {
	h := now.Sub(createdAt).Hours()
	if h < 0 || math.IsNaN(h) {
		return 0
	}
	return h
}

// HotScore = sign(s)·log10(max(|s|,1)) − ageHours/12.5
func HotScore(netVoteScore int64, createdAt, now time.Time) float64 {
	s := float64(netVoteScore)
	order := math.Log10(math.Max(math.Abs(s), 1))
	var sign float64
	switch {
	case s > 0:
		sign = 1
	case s < 0:
		sign = -1
	}
	return sign*order - ageHours(createdAt, now)/hotDecayHours
}

// PopularityIndex = views + s·2 + comments·3 + favorites·2
func PopularityIndex(c models.Counters) float64 {
	return float64(c.ViewCount) +
		float64(c.VoteScore)*2 +
		float64(c.CommentCount)*3 +
		float64(c.FavoriteCount)*2
}

// TrendingScore = PopularityIndex / max(ageHours, 1)
func TrendingScore(c models.Counters, createdAt, now time.Time) float64 {
	return PopularityIndex(c) / math.Max(ageHours(createdAt, now), 1)
}

// RisingScore = (s + views/100) · (1 + 1/(ageHours + 2))
func RisingScore(c models.Counters, createdAt, now time.Time) float64 {
	base := float64(c.VoteScore) + float64(c.ViewCount)/100
	return base * (1 + 1/(ageHours(createdAt, now)+2))
}

// EngagementScore — линейная комбинация счётчиков с весами профиля.
func EngagementScore(c models.Counters, p models.WeightProfile) float64 {
	return p.VoteWeight*float64(c.VoteScore) +
		p.CommentWeight*float64(c.CommentCount) +
		p.FavoriteWeight*float64(c.FavoriteCount) +
		p.ViewWeight*float64(c.ViewCount)
}

// Finite — true, если значение пригодно для отдачи читателю.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
