package models

import (
	"github.com/golang-jwt/jwt/v4"
)

type CustomClaims struct {
	jwt.RegisteredClaims
	ID       string `json:"id"`
	Username string `json:"username"`
	// Games limits which games the token may join. Empty means any game.
	Games []int `json:"games,omitempty"`
}

// AllowsGame reports whether the claims grant access to game.
func (c *CustomClaims) AllowsGame(game int) bool {
	if len(c.Games) == 0 {
		return true
	}
	for _, g := range c.Games {
		if g == game {
			return true
		}
	}
	return false
}
