package model

// PlayerProfile is the public view of a player used for matchmaking and battles
type PlayerProfile struct {
	ID        string `json:"id" bson:"_id"`
	Name      string `json:"name" bson:"name"`
	Level     int    `json:"level" bson:"level"`
	Rating    int    `json:"rating" bson:"rating"`
	AvatarURL string `json:"avatarUrl,omitempty" bson:"avatarUrl,omitempty"`
	Streak    int    `json:"streak" bson:"streak"` // Consecutive study days
}

// Default profile values used when the profile store has nothing for a player
const (
	DefaultPlayerName   = "Player"
	DefaultPlayerLevel  = 1
	DefaultPlayerRating = 1000
)

// DefaultProfile returns the fallback profile for an unknown player
func DefaultProfile(playerID string) PlayerProfile {
	return PlayerProfile{
		ID:     playerID,
		Name:   DefaultPlayerName,
		Level:  DefaultPlayerLevel,
		Rating: DefaultPlayerRating,
	}
}
