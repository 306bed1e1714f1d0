// Command tokengen prints a signed access token for local development.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal("Error loading .env file:", err)
	}

	user := flag.String("user", "gm", "username placed in the token")
	id := flag.String("id", "1", "user id placed in the token")
	games := flag.String("games", "", "comma separated game ids the token may join; empty allows any game")
	ttl := flag.Duration("ttl", 72*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET not set")
	}

	allowed, err := parseGames(*games)
	if err != nil {
		log.Fatal(err)
	}

	token, err := signToken([]byte(secret), *id, *user, allowed, *ttl)
	if err != nil {
		log.Fatal("Failed to generate token: ", err)
	}
	fmt.Println(token)
}

func parseGames(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var games []int
	for _, part := range strings.Split(raw, ",") {
		game, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid game id %q", part)
		}
		games = append(games, game)
	}
	return games, nil
}

func signToken(secret []byte, id, username string, games []int, ttl time.Duration) (string, error) {
	claims := models.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ID:       id,
		Username: username,
		Games:    games,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
