package model

import "time"

type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchAborted   MatchStatus = "aborted"
)

// Match is a confirmed pairing of two players
type Match struct {
	ID        string    `json:"matchId"`
	PlayerA   string    `json:"playerA"`
	PlayerB   string    `json:"playerB"`
	IsBot     bool      `json:"isBot"`
	CreatedAt time.Time `json:"createdAt"`
}

// Opponent returns the other participant
func (m Match) Opponent(playerID string) string {
	if m.PlayerA == playerID {
		return m.PlayerB
	}
	return m.PlayerA
}

// MatchRecord is one participant's row in the match store
type MatchRecord struct {
	ID         string      `json:"id" bson:"_id"` // matchId:userId
	MatchID    string      `json:"matchId" bson:"matchId"`
	UserID     string      `json:"userId" bson:"userId"`
	OpponentID string      `json:"opponentId" bson:"opponentId"`
	Status     MatchStatus `json:"status" bson:"status"`
	CreatedAt  time.Time   `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt" bson:"updatedAt"`
}

// BattleHistory is the persisted per-player summary of a finished battle
type BattleHistory struct {
	ID            string    `json:"id" bson:"_id"` // matchId:userId
	MatchID       string    `json:"matchId" bson:"matchId"`
	UserID        string    `json:"userId" bson:"userId"`
	OpponentID    string    `json:"opponentId" bson:"opponentId"`
	WinnerID      string    `json:"winnerId,omitempty" bson:"winnerId,omitempty"` // empty on a draw
	ScorePlayer   int       `json:"scorePlayer" bson:"scorePlayer"`
	ScoreOpponent int       `json:"scoreOpponent" bson:"scoreOpponent"`
	XPEarned      int       `json:"xpEarned" bson:"xpEarned"`
	CoinsEarned   int       `json:"coinsEarned" bson:"coinsEarned"`
	StreakBonus   int       `json:"streakBonus" bson:"streakBonus"`
	IsBotOpponent bool      `json:"isBotOpponent" bson:"isBotOpponent"`
	Reason        string    `json:"reason" bson:"reason"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
}

// RecordID builds the per-participant document id
func RecordID(matchID, userID string) string {
	return matchID + ":" + userID
}
