package service

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	SessionIssuer   = "lorawan-dashboard"
	SessionAudience = "lorawan-dashboard-api"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService checks the single admin account and issues session tokens.
type AuthService struct {
	user   string
	pass   string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(user, pass, secret string, ttl time.Duration) *AuthService {
	return &AuthService{
		user:   user,
		pass:   pass,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Login returns a signed session token and its expiry.
func (a *AuthService) Login(user, pass string) (string, time.Time, error) {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.pass)) == 1
	if !userOK || !passOK {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    SessionIssuer,
		Subject:   user,
		Audience:  jwt.ClaimStrings{SessionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, expires, nil
}

// Secret is the HS256 key that session tokens are signed with.
func (a *AuthService) Secret() []byte {
	return a.secret
}

// TTL is the session lifetime.
func (a *AuthService) TTL() time.Duration {
	return a.ttl
}
