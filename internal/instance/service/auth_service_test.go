package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "test-secret"
	testIssuer = "ctf-portal"
)

type stubSessions struct {
	active map[string]string
	err    error
}

func (s stubSessions) IsActive(ctx context.Context, principalID, sessionID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.active[principalID] == sessionID, nil
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return raw
}

func accessClaims(subject, sid string) jwt.MapClaims {
	return jwt.MapClaims{
		"typ": "access",
		"sub": subject,
		"sid": sid,
		"iss": testIssuer,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
}

func TestAuthServiceAuthenticate(t *testing.T) {
	authService := service.NewAuthService(testSecret, testIssuer, nil)

	principal, err := authService.Authenticate(context.Background(), signToken(t, testSecret, accessClaims("42", "s1")))
	if err != nil {
		t.Fatalf("expected auth success, got error: %v", err)
	}
	if principal.ID != "42" || principal.SessionID != "s1" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestAuthServiceRejectsBadTokens(t *testing.T) {
	authService := service.NewAuthService(testSecret, testIssuer, nil)

	expired := accessClaims("42", "s1")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	refresh := accessClaims("42", "s1")
	refresh["typ"] = "refresh"
	otherIssuer := accessClaims("42", "s1")
	otherIssuer["iss"] = "someone-else"
	noSubject := accessClaims("", "s1")

	tests := []struct {
		name  string
		token string
		want  pkgerrors.ErrorCode
	}{
		{"empty", "", pkgerrors.Unauthorized},
		{"garbage", "not-a-jwt", pkgerrors.TokenInvalid},
		{"wrong secret", signToken(t, "other-secret", accessClaims("42", "s1")), pkgerrors.TokenInvalid},
		{"expired", signToken(t, testSecret, expired), pkgerrors.TokenExpired},
		{"refresh token", signToken(t, testSecret, refresh), pkgerrors.TokenInvalid},
		{"other issuer", signToken(t, testSecret, otherIssuer), pkgerrors.TokenInvalid},
		{"no subject", signToken(t, testSecret, noSubject), pkgerrors.TokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := authService.Authenticate(context.Background(), tt.token)
			if pkgerrors.GetCode(err) != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAuthServiceSingleSession(t *testing.T) {
	sessions := stubSessions{active: map[string]string{"42": "current"}}
	authService := service.NewAuthService(testSecret, testIssuer, sessions)

	if _, err := authService.Authenticate(context.Background(), signToken(t, testSecret, accessClaims("42", "current"))); err != nil {
		t.Fatalf("current session should pass: %v", err)
	}
	_, err := authService.Authenticate(context.Background(), signToken(t, testSecret, accessClaims("42", "stale")))
	if pkgerrors.GetCode(err) != pkgerrors.SessionRevoked {
		t.Fatalf("expected SessionRevoked, got %v", err)
	}

	broken := service.NewAuthService(testSecret, testIssuer, stubSessions{err: errors.New("redis down")})
	_, err = broken.Authenticate(context.Background(), signToken(t, testSecret, accessClaims("42", "current")))
	if pkgerrors.GetCode(err) != pkgerrors.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}
