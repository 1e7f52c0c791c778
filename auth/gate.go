package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"crewlink/contract"
	"crewlink/domain"
	"crewlink/errors"
)

// Credentials is what a client presents at the websocket handshake.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Gate decides whether a socket gets in. It validates access tokens,
// runs the refresh exchange when the presented access token is expired,
// and keeps the directory's last-active bookkeeping fresh.
type Gate struct {
	log            *slog.Logger
	tokens         *TokenProvider
	users          contract.UserDirectory
	audit          contract.AuditSink
	refreshTimeout time.Duration
	now            func() time.Time
}

func NewGate(log *slog.Logger, tokens *TokenProvider, users contract.UserDirectory,
	audit contract.AuditSink, refreshTimeout time.Duration) *Gate {
	return &Gate{
		log:            log,
		tokens:         tokens,
		users:          users,
		audit:          audit,
		refreshTimeout: refreshTimeout,
		now:            time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Authenticate validates handshake credentials. On a still-valid access
// token the returned pair is nil. On an expired access token with a
// refresh credential it runs the refresh exchange and returns the fresh
// pair, to be sent as token_refreshed right after connection_ack. Expired
// without refresh, or any refresh failure, rejects the connection.
func (g *Gate) Authenticate(ctx context.Context, creds Credentials) (domain.Identity, *TokenPair, error) {
	if creds.AccessToken == "" {
		g.recordRejection(ctx, "", "missing access token")
		return domain.Identity{}, nil, errors.ErrAuthentication
	}

	id, err := g.tokens.ValidateAccess(creds.AccessToken)
	if err == nil {
		g.touchLastActive(id.UserID)
		return id, nil, nil
	}
	if !stderrors.Is(err, errors.ErrTokenExpired) {
		g.recordRejection(ctx, "", "invalid access token")
		return domain.Identity{}, nil, err
	}
	if creds.RefreshToken == "" {
		g.recordRejection(ctx, "", "expired access token, no refresh credential")
		return domain.Identity{}, nil, fmt.Errorf("%w: no refresh credential", errors.ErrAuthentication)
	}

	id, pair, err := g.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return domain.Identity{}, nil, err
	}
	return id, &pair, nil
}

// Refresh exchanges a refresh token for a fresh pair. The whole exchange,
// including the directory liveness check, is bounded by the configured
// deadline so a stalled directory cannot hold the handshake hostage.
func (g *Gate) Refresh(ctx context.Context, refreshToken string) (domain.Identity, TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, g.refreshTimeout)
	defer cancel()

	id, err := g.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		g.recordRejection(ctx, "", "invalid refresh token")
		return domain.Identity{}, TokenPair{}, fmt.Errorf("%w: %v", errors.ErrRefreshFailed, err)
	}

	active, err := g.users.UserActive(ctx, id.UserID)
	if err != nil {
		g.recordRejection(ctx, id.UserID, "directory unavailable during refresh")
		return domain.Identity{}, TokenPair{}, fmt.Errorf("%w: %v", errors.ErrRefreshFailed, err)
	}
	if !active {
		g.recordRejection(ctx, id.UserID, "user inactive")
		return domain.Identity{}, TokenPair{}, fmt.Errorf("%w: %v", errors.ErrRefreshFailed, errors.ErrUserInactive)
	}

	pair, err := g.tokens.IssuePair(Subject{
		UserID:      id.UserID,
		OrgID:       id.OrgID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
	})
	if err != nil {
		return domain.Identity{}, TokenPair{}, fmt.Errorf("%w: %v", errors.ErrRefreshFailed, err)
	}

	id.ExpiresAt = pair.AccessExpiresAt
	g.touchLastActive(id.UserID)
	return id, pair, nil
}

// touchLastActive updates the directory in the background. Best effort:
// a dead directory must never fail the event that triggered the touch.
func (g *Gate) touchLastActive(userID string) {
	at := g.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
		defer cancel()
		if err := g.users.TouchLastActive(ctx, userID, at); err != nil {
			g.log.Warn("Last-active update failed", "userID", userID, "error", err)
		}
	}()
}

func (g *Gate) recordRejection(ctx context.Context, userID, detail string) {
	g.audit.Record(ctx, domain.AuditEntry{
		At:      g.now(),
		UserID:  userID,
		Action:  "authenticate",
		Outcome: domain.AuditRejected,
		Detail:  detail,
	})
}
