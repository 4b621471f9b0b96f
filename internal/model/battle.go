package model

import "time"

// Action is a player's tactical choice for a round
type Action string

const (
	ActionNone   Action = ""
	ActionAttack Action = "attack"
	ActionDefend Action = "defend"
	ActionFocus  Action = "focus"
)

// Actions lists every selectable action
var Actions = []Action{ActionAttack, ActionDefend, ActionFocus}

// Valid reports whether a is a selectable action
func (a Action) Valid() bool {
	switch a {
	case ActionAttack, ActionDefend, ActionFocus:
		return true
	}
	return false
}

// BattlePhase is the state of a battle's round loop
type BattlePhase string

const (
	PhaseInitializing     BattlePhase = "INITIALIZING"
	PhasePreparing        BattlePhase = "PREPARING"
	PhaseReady            BattlePhase = "READY"
	PhaseAnswerCollection BattlePhase = "ANSWER_COLLECTION"
	PhaseReveal           BattlePhase = "REVEAL"
	PhaseResolution       BattlePhase = "RESOLUTION"
	PhaseCompleted        BattlePhase = "COMPLETED"
	PhaseError            BattlePhase = "ERROR"
)

// Side identifies one of the two battle participants
type Side string

const (
	SideNone Side = ""
	SideA    Side = "a"
	SideB    Side = "b"
)

// PlayerRoundState is one side's state within the current round
type PlayerRoundState struct {
	Health                    int    `json:"health"`
	Shield                    int    `json:"shield"`
	SelectedAction            Action `json:"selectedAction,omitempty"`
	SubmittedAnswer           string `json:"-"`
	IsReady                   bool   `json:"isReady"`
	IsAnswerCorrect           bool   `json:"isAnswerCorrect"`
	TimeRemainingAtSubmission int    `json:"timeRemainingAtSubmission"`
}

// RoundOutcome is the result of resolving one round
type RoundOutcome struct {
	Attacker       Side `json:"attacker,omitempty"`
	RawDamage      int  `json:"rawDamage"`
	ShieldAbsorbed int  `json:"shieldAbsorbed"`
	ActualDamage   int  `json:"actualDamage"`
	ShieldBroken   bool `json:"shieldBroken"`
	MutualPenalty  int  `json:"mutualPenalty"`
	ShieldGainedA  int  `json:"shieldGainedA"`
	ShieldGainedB  int  `json:"shieldGainedB"`
	HealthA        int  `json:"healthA"`
	ShieldA        int  `json:"shieldA"`
	HealthB        int  `json:"healthB"`
	ShieldB        int  `json:"shieldB"`
}

// BattleRewards are what one player earns from a finished battle
type BattleRewards struct {
	XPEarned    int `json:"xpEarned"`
	CoinsEarned int `json:"coinsEarned"`
	StreakBonus int `json:"streakBonus"`
	TimeBonus   int `json:"timeBonus"`
}

// BattleResult is how a battle ended for one player
type BattleResult string

const (
	ResultWin     BattleResult = "win"
	ResultDraw    BattleResult = "draw"
	ResultLoss    BattleResult = "loss"
	ResultForfeit BattleResult = "forfeit"
)

// CompletionReason explains why a battle reached COMPLETED
type CompletionReason string

const (
	ReasonKnockout  CompletionReason = "knockout"
	ReasonQuestions CompletionReason = "questions_exhausted"
	ReasonForfeit   CompletionReason = "forfeit"
)

// RoundStarted is sent to both players when a round opens
type RoundStarted struct {
	MatchID      string           `json:"matchId"`
	Round        int              `json:"round"`
	TotalRounds  int              `json:"totalRounds"`
	Question     QuestionView     `json:"question"`
	TimePerRound int              `json:"timePerRound"`
	Deadline     time.Time        `json:"deadline"`
	You          PlayerRoundState `json:"you"`
	Opponent     PlayerRoundState `json:"opponent"`
}

// RoundReveal is sent once both answers are in (or time ran out)
type RoundReveal struct {
	MatchID         string `json:"matchId"`
	Round           int    `json:"round"`
	CorrectAnswer   string `json:"correctAnswer"`
	YourAnswer      string `json:"yourAnswer"`
	YourCorrect     bool   `json:"yourCorrect"`
	OpponentAction  Action `json:"opponentAction,omitempty"`
	OpponentCorrect bool   `json:"opponentCorrect"`
}

// RoundResult is sent after the resolver has applied a round, oriented to the receiver
type RoundResult struct {
	MatchID  string       `json:"matchId"`
	Round    int          `json:"round"`
	Outcome  RoundOutcome `json:"outcome"`
	YourSide Side         `json:"yourSide"`
}

// BattleSummary is the per-player final report of a battle
type BattleSummary struct {
	MatchID         string           `json:"matchId"`
	Result          BattleResult     `json:"result"`
	Reason          CompletionReason `json:"reason"`
	WinnerID        string           `json:"winnerId,omitempty"`
	CorrectAnswers  int              `json:"correctAnswers"`
	OpponentCorrect int              `json:"opponentCorrect"`
	FinalHealth     int              `json:"finalHealth"`
	OpponentHealth  int              `json:"opponentHealth"`
	Rewards         BattleRewards    `json:"rewards"`
	IsBotOpponent   bool             `json:"isBotOpponent"`
	Message         string           `json:"message,omitempty"`
}

// RewardEvent is published for downstream progression services
type RewardEvent struct {
	MatchID       string        `json:"matchId"`
	UserID        string        `json:"userId"`
	Result        BattleResult  `json:"result"`
	Rewards       BattleRewards `json:"rewards"`
	IsBotOpponent bool          `json:"isBotOpponent"`
	EmittedAt     time.Time     `json:"emittedAt"`
}
