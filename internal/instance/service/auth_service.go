package service

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "ctfgate/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	ID        string
	SessionID string
}

// SessionChecker reports whether a session is the principal's current one.
type SessionChecker interface {
	IsActive(ctx context.Context, principalID, sessionID string) (bool, error)
}

// AuthService validates access tokens issued by the portal.
type AuthService struct {
	jwtSecret []byte
	jwtIssuer string
	sessions  SessionChecker
}

// NewAuthService builds an AuthService. sessions may be nil to skip the single session check.
func NewAuthService(jwtSecret, jwtIssuer string, sessions SessionChecker) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		jwtIssuer: jwtIssuer,
		sessions:  sessions,
	}
}

type tokenClaims struct {
	TokenType string `json:"typ"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (s *AuthService) Authenticate(ctx context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, pkgerrors.New(pkgerrors.Unauthorized)
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return Principal{}, err
	}
	if s.sessions != nil {
		active, err := s.sessions.IsActive(ctx, claims.Subject, claims.SessionID)
		if err != nil {
			return Principal{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if !active {
			return Principal{}, pkgerrors.New(pkgerrors.SessionRevoked)
		}
	}
	return Principal{ID: claims.Subject, SessionID: claims.SessionID}, nil
}

func (s *AuthService) parseToken(raw string) (*tokenClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if s.jwtIssuer != "" && claims.Issuer != s.jwtIssuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}
