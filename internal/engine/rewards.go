package engine

import "questduel/internal/model"

// RewardRules are the XP and coin constants for a finished battle
type RewardRules struct {
	WinXP            int
	DrawXP           int
	LossXP           int
	XPPerCorrect     int
	TimeBonusDivisor int
	StreakCap        int
	XPPerStreakDay   int
	WinCoins         int
	DrawCoins        int
	LossCoins        int
}

// DefaultRewardRules returns the standard reward table
func DefaultRewardRules() RewardRules {
	return RewardRules{
		WinXP:            50,
		DrawXP:           25,
		LossXP:           10,
		XPPerCorrect:     10,
		TimeBonusDivisor: 5,
		StreakCap:        5,
		XPPerStreakDay:   5,
		WinCoins:         20,
		DrawCoins:        10,
		LossCoins:        5,
	}
}

// Tally is what one player did during a battle
type Tally struct {
	Result         model.BattleResult
	CorrectAnswers int
	// CorrectTime is the sum of seconds remaining over correct answers
	CorrectTime int
	Streak      int
	AgainstBot  bool
}

// ComputeRewards turns a tally into rewards. A forfeiting player earns nothing.
func ComputeRewards(t Tally, r RewardRules) model.BattleRewards {
	var baseXP, coins int
	switch t.Result {
	case model.ResultWin:
		baseXP, coins = r.WinXP, r.WinCoins
	case model.ResultDraw:
		baseXP, coins = r.DrawXP, r.DrawCoins
	case model.ResultLoss:
		baseXP, coins = r.LossXP, r.LossCoins
	default:
		return model.BattleRewards{}
	}

	var rewards model.BattleRewards
	if r.TimeBonusDivisor > 0 {
		rewards.TimeBonus = max(0, t.CorrectTime) / r.TimeBonusDivisor
	}
	if t.Result == model.ResultWin {
		rewards.StreakBonus = min(max(0, t.Streak), r.StreakCap) * r.XPPerStreakDay
	}
	if t.AgainstBot {
		coins /= 2
	}

	rewards.XPEarned = baseXP + t.CorrectAnswers*r.XPPerCorrect + rewards.TimeBonus + rewards.StreakBonus
	rewards.CoinsEarned = coins
	return rewards
}
