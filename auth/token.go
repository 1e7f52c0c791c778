// Package auth issues and validates the access/refresh token pair and runs
// the handshake and mid-session refresh exchanges.
package auth

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crewlink/domain"
	"crewlink/errors"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	issuer = "crewlink"
)

// Claims is the payload of both token kinds; TokenType keeps a refresh
// token from ever passing as an access token.
type Claims struct {
	UserID      string   `json:"user_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what a login or a refresh exchange hands back.
type TokenPair struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshToken    string    `json:"refresh_token"`
}

// Subject describes whom a pair is minted for.
type Subject struct {
	UserID      string
	OrgID       string
	Roles       []string
	Permissions []string
}

// TokenProvider signs and validates HS256 token pairs. The clock is
// injectable so expiry paths are testable without sleeping.
type TokenProvider struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

func NewTokenProvider(secret string, accessTTL, refreshTTL, leeway time.Duration) *TokenProvider {
	return &TokenProvider{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

// IssuePair mints a fresh access+refresh pair for the subject.
func (p *TokenProvider) IssuePair(sub Subject) (TokenPair, error) {
	now := p.now()
	accessExp := now.Add(p.accessTTL)

	access, err := p.sign(sub, tokenTypeAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", errors.ErrTokenGeneration, err)
	}
	refresh, err := p.sign(sub, tokenTypeRefresh, now, now.Add(p.refreshTTL))
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", errors.ErrTokenGeneration, err)
	}
	return TokenPair{AccessToken: access, AccessExpiresAt: accessExp, RefreshToken: refresh}, nil
}

func (p *TokenProvider) sign(sub Subject, tokenType string, now, exp time.Time) (string, error) {
	claims := &Claims{
		UserID:      sub.UserID,
		OrgID:       sub.OrgID,
		Roles:       sub.Roles,
		Permissions: sub.Permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   sub.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// ValidateAccess checks an access token and returns the identity it
// asserts. Expiry maps to ErrTokenExpired so the gate can offer the
// refresh path; every other failure is a flat authentication error.
func (p *TokenProvider) ValidateAccess(token string) (domain.Identity, error) {
	return p.validate(token, tokenTypeAccess)
}

// ValidateRefresh checks a refresh token.
func (p *TokenProvider) ValidateRefresh(token string) (domain.Identity, error) {
	return p.validate(token, tokenTypeRefresh)
}

func (p *TokenProvider) validate(token, wantType string) (domain.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (interface{}, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(p.leeway),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, errors.ErrTokenExpired
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrAuthentication, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return domain.Identity{}, errors.ErrAuthentication
	}
	if claims.TokenType != wantType {
		return domain.Identity{}, fmt.Errorf("%w: wrong token type %q", errors.ErrAuthentication, claims.TokenType)
	}

	return domain.Identity{
		UserID:      claims.UserID,
		OrgID:       claims.OrgID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
