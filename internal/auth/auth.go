// Package auth turns bearer tokens issued by the identity provider into
// sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"digistore/internal/apperr"
	"digistore/internal/repo"
	"digistore/internal/session"
)

// ProfileLoader resolves the profile a token subject refers to.
type ProfileLoader interface {
	GetProfile(ctx context.Context, id string) (*repo.Profile, error)
}

// Verifier validates HS256 tokens and loads the caller's profile.
type Verifier struct {
	secret []byte
	issuer string
	loader ProfileLoader
	logger *slog.Logger
}

// NewVerifier constructs a Verifier. An empty issuer disables the iss check.
func NewVerifier(secret, issuer string, loader ProfileLoader, logger *slog.Logger) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		loader: loader,
		logger: logger.With("component", "auth"),
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Session verifies token and returns the session of its subject.
func (v *Verifier) Session(ctx context.Context, token string) (session.Session, error) {
	if token == "" {
		return session.Session{}, apperr.ErrAuthenticationRequired
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		v.logger.Debug("token rejected", "error", err)
		return session.Session{}, fmt.Errorf("verify token: %w", apperr.ErrAuthenticationRequired)
	}
	if claims.Subject == "" {
		return session.Session{}, fmt.Errorf("token without subject: %w", apperr.ErrAuthenticationRequired)
	}

	profile, err := v.loader.GetProfile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return session.Session{}, fmt.Errorf("unknown profile: %w", apperr.ErrAuthenticationRequired)
		}
		return session.Session{}, apperr.Persistence("load profile", err)
	}

	return session.Session{
		UserID:  profile.ID,
		Role:    session.Role(profile.Role),
		Blocked: profile.IsBlocked,
	}, nil
}

// IssueToken signs a token for userID. It is used by tests and local tooling;
// production tokens come from the identity provider.
func IssueToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
