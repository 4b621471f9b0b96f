package model

import "github.com/golang-jwt/jwt/v5"

// PlayerClaims are JWT claims carried by the battle socket and REST calls
type PlayerClaims struct {
	PlayerID string `json:"playerId"`
	jwt.RegisteredClaims
}
