package scoring

import (
	"math"
	"time"

	"serotonyl.ru/reputation/internal/models"
)

// Границы составляющих trust score.
const (
	trustAgeCap      = 20
	trustKarmaCap    = 40
	trustAccuracyCap = 20
	trustActivityCap = 20
	trustMax         = 100
)

// Ключи разбивки trust score в журнале.
const (
	ComponentAge      = "account_age"
	ComponentKarma    = "karma"
	ComponentAccuracy = "report_accuracy"
	ComponentActivity = "activity"
	ComponentBanned   = "banned_penalty"
)

// TrustInput — всё, от чего зависит trust score.
type TrustInput struct {
	AccountAgeDays   int64
	KarmaPoints      int64
	CorrectReports   int64
	IncorrectReports int64
	TotalComments    int64
	TotalVotesCast   int64
	DaysActive       int64
	IsBanned         bool
}

// TrustInputFor собирает вход калькулятора из репутационной записи.
func TrustInputFor(u *models.UserReputation, now time.Time) TrustInput {
	if u == nil {
		return TrustInput{}
	}
	var ageDays int64
	if !u.AccountCreatedAt.IsZero() {
		ageDays = int64(now.Sub(u.AccountCreatedAt).Hours() / 24)
	}
	return TrustInput{
		AccountAgeDays:   ageDays,
		KarmaPoints:      u.KarmaPoints,
		CorrectReports:   u.CorrectReports,
		IncorrectReports: u.IncorrectReports,
		TotalComments:    u.TotalComments,
		TotalVotesCast:   u.TotalVotesCast,
		DaysActive:       u.DaysActive,
		IsBanned:         u.IsBanned,
	}
}

// TrustBreakdown — составляющие и итог trust score.
type TrustBreakdown struct {
	Age      int
	Karma    int
	Accuracy int
	Activity int
	Penalty  int // сколько снято за бан
	Total    int
}

// Map — разбивка для component_scores в журнале.
func (b TrustBreakdown) Map() map[string]int {
	return map[string]int{
		ComponentAge:      b.Age,
		ComponentKarma:    b.Karma,
		ComponentAccuracy: b.Accuracy,
		ComponentActivity: b.Activity,
		ComponentBanned:   b.Penalty,
	}
}

// TrustScore считает trust score в целочисленной арифметике:
//
//	min(ageDays/18, 20) + min(karma/250, 40) + accuracy + min(comments/10 + votes/100 + daysActive/5, 20)
//
// accuracy = 20·correct/(correct+incorrect), 0 если жалоб не было.
// Сумма делится пополам для забаненных и зажимается в [0, 100].
func TrustScore(in TrustInput) TrustBreakdown {
	var b TrustBreakdown
	b.Age = capped(nonNeg(in.AccountAgeDays)/18, trustAgeCap)
	b.Karma = capped(nonNeg(in.KarmaPoints)/250, trustKarmaCap)
	b.Accuracy = reportAccuracy(nonNeg(in.CorrectReports), nonNeg(in.IncorrectReports))

	activity := capped(nonNeg(in.TotalComments)/10, trustActivityCap) +
		capped(nonNeg(in.TotalVotesCast)/100, trustActivityCap) +
		capped(nonNeg(in.DaysActive)/5, trustActivityCap)
	b.Activity = min(activity, trustActivityCap)

	total := b.Age + b.Karma + b.Accuracy + b.Activity
	if in.IsBanned {
		b.Penalty = total - total/2
		total /= 2
	}
	b.Total = min(max(total, 0), trustMax)
	return b
}

func reportAccuracy(correct, incorrect int64) int {
	if correct == 0 && incorrect == 0 {
		return 0
	}
	if correct <= math.MaxInt64/trustAccuracyCap && incorrect <= math.MaxInt64-correct {
		return capped(trustAccuracyCap*correct/(correct+incorrect), trustAccuracyCap)
	}
	// Огромные значения: считаем долю во float, чтобы не переполниться.
	ratio := float64(correct) / (float64(correct) + float64(incorrect))
	return capped(int64(math.Floor(ratio*trustAccuracyCap)), trustAccuracyCap)
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func capped(v int64, limit int) int {
	if v > int64(limit) {
		return limit
	}
	if v < 0 {
		return 0
	}
	return int(v)
}
