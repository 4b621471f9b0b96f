package engine

import "questduel/internal/model"

// RoundRules are the numeric constants applied by ResolveRound
type RoundRules struct {
	MaxHealth     int
	MinimumDamage int
	MutualPenalty int
}

// ResolveRound applies one round to copies of both sides and returns the
// outcome. It is pure: the same inputs always produce the same outcome.
func ResolveRound(a, b model.PlayerRoundState, rules RoundRules) model.RoundOutcome {
	out := model.RoundOutcome{
		HealthA: a.Health,
		ShieldA: a.Shield,
		HealthB: b.Health,
		ShieldB: b.Shield,
	}

	aAdv := HasAdvantage(a.SelectedAction, b.SelectedAction)
	bAdv := HasAdvantage(b.SelectedAction, a.SelectedAction)

	switch {
	case aAdv && !bAdv:
		if a.IsAnswerCorrect {
			out.Attacker = model.SideA
			strike(&out, a.TimeRemainingAtSubmission, &out.HealthB, &out.ShieldB, rules)
		}
	case bAdv && !aAdv:
		if b.IsAnswerCorrect {
			out.Attacker = model.SideB
			strike(&out, b.TimeRemainingAtSubmission, &out.HealthA, &out.ShieldA, rules)
		}
	default:
		switch {
		case !a.IsAnswerCorrect && !b.IsAnswerCorrect:
			out.MutualPenalty = rules.MutualPenalty
			out.HealthA -= rules.MutualPenalty
			out.HealthB -= rules.MutualPenalty
		case a.IsAnswerCorrect && b.IsAnswerCorrect:
			out.ShieldGainedA = max(0, a.TimeRemainingAtSubmission)
			out.ShieldGainedB = max(0, b.TimeRemainingAtSubmission)
			out.ShieldA += out.ShieldGainedA
			out.ShieldB += out.ShieldGainedB
		}
	}

	out.HealthA = clamp(out.HealthA, 0, rules.MaxHealth)
	out.HealthB = clamp(out.HealthB, 0, rules.MaxHealth)
	return out
}

// strike deals time-scaled damage to the defender, shield first
func strike(out *model.RoundOutcome, timeRemaining int, health, shield *int, rules RoundRules) {
	damage := max(rules.MinimumDamage, timeRemaining)
	absorbed := min(*shield, damage)
	if absorbed < 0 {
		absorbed = 0
	}

	out.RawDamage = damage
	out.ShieldAbsorbed = absorbed
	out.ShieldBroken = *shield > 0 && absorbed == *shield
	out.ActualDamage = damage - absorbed

	*shield -= absorbed
	*health -= out.ActualDamage
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
