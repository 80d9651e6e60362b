package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"crash/internal/game"
)

const playerKey = "player_id"

// SessionValidator maps a session token to the player it was issued to.
type SessionValidator interface {
	Validate(token string) (string, error)
}

var ErrInvalidToken = errors.New("invalid session token")

// JWTValidator accepts HS256 tokens whose subject is the player id.
type JWTValidator struct {
	secret []byte
	issuer string
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

func (v *JWTValidator) Validate(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for playerID. Sessions are normally minted by the
// account service; this backs local tooling and tests.
func (v *JWTValidator) Issue(playerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// requireSession resolves the caller's player id or rejects the request.
func (s *FiberServer) requireSession(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return respondError(c, game.ErrUnauthorized)
	}
	playerID, err := s.sessions.Validate(token)
	if err != nil {
		return respondError(c, game.ErrUnauthorized)
	}
	c.Locals(playerKey, playerID)
	return c.Next()
}

func playerID(c *fiber.Ctx) string {
	id, _ := c.Locals(playerKey).(string)
	return id
}
