package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
)

// Common errors for bearer token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("API secret must be at least 32 characters")
	ErrBadCredentials      = errors.New("invalid credentials")
)

// tokenIssuer is the iss claim on every token.
const tokenIssuer = "cirisd"

// Claims carries the operator identity inside a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator,omitempty"`
}

// tokenService mints and validates HMAC-signed bearer tokens. Time
// comes from the runtime clock so expiry is testable.
type tokenService struct {
	secret   []byte
	duration time.Duration
	clk      clock.Clock
}

func newTokenService(secret string, duration time.Duration, clk clock.Clock) (*tokenService, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &tokenService{
		secret:   []byte(secret),
		duration: duration,
		clk:      clk,
	}, nil
}

// checkCredential compares a presented secret in constant time.
func (s *tokenService) checkCredential(presented string) error {
	if subtle.ConstantTimeCompare([]byte(presented), s.secret) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// issue mints a token for the named operator.
func (s *tokenService) issue(operator string) (string, time.Time, error) {
	now := s.clk.Now()
	expiresAt := now.Add(s.duration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Operator: operator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// validate parses a token and returns its claims. Expiry is checked
// against the runtime clock.
func (s *tokenService) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clk.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
