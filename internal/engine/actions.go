package engine

import "questduel/internal/model"

// Beats returns the action that a defeats: attack beats focus, focus beats
// defend and defend beats attack. An unset action beats nothing.
func Beats(a model.Action) model.Action {
	switch a {
	case model.ActionAttack:
		return model.ActionFocus
	case model.ActionFocus:
		return model.ActionDefend
	case model.ActionDefend:
		return model.ActionAttack
	}
	return model.ActionNone
}

// HasAdvantage reports whether a beats b. Unset actions are never advantaged
// and never beaten.
func HasAdvantage(a, b model.Action) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return Beats(a) == b
}
