package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"questduel/internal/model"
)

// AuthService validates the player tokens issued by the study app's auth system
type AuthService struct {
	jwtSecret []byte
	clock     clockwork.Clock
}

// NewAuthService creates a new auth service
func NewAuthService(secret string, clock clockwork.Clock) *AuthService {
	return &AuthService{
		jwtSecret: []byte(secret),
		clock:     clock,
	}
}

// GeneratePlayerToken creates a token for a player (used by the seed tool and tests)
func (s *AuthService) GeneratePlayerToken(playerID string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := &model.PlayerClaims{
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidatePlayerToken validates a player JWT and returns claims
func (s *AuthService) ValidatePlayerToken(tokenString string) (*model.PlayerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &model.PlayerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*model.PlayerClaims)
	if !ok || !token.Valid || claims.PlayerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
