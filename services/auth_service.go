// Package services carries the gateway's HTTP-facing application logic
// and the default implementations deployments swap out: the login and
// refresh endpoints, the in-memory rate limiter, and the static
// authorization policy.
package services

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"crewlink/auth"
	"crewlink/contract"
	"crewlink/domain"
	"crewlink/errors"
)

// AuthService serves the two credential exchanges that happen over plain
// HTTP, before any websocket exists: password login and token refresh.
type AuthService struct {
	log     *slog.Logger
	users   contract.UserDirectory
	tokens  *auth.TokenProvider
	gate    *auth.Gate
	limiter contract.RateLimiter
	audit   contract.AuditSink
	now     func() time.Time
}

func NewAuthService(log *slog.Logger, users contract.UserDirectory, tokens *auth.TokenProvider,
	gate *auth.Gate, limiter contract.RateLimiter, audit contract.AuditSink) *AuthService {
	return &AuthService{
		log:     log,
		users:   users,
		tokens:  tokens,
		gate:    gate,
		limiter: limiter,
		audit:   audit,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Routes is mounted under /v1 by the transport server.
func (s *AuthService) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", s.handleLogin)
	r.Post("/refresh", s.handleRefresh)
	return r
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *AuthService) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[LoginRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Keyed by email: the budget belongs to the account under attack,
	// not whichever address the attempts come from.
	if ok, retryAfter := s.limiter.Allow(req.Email, "login"); !ok {
		s.record(r, "", "login", domain.AuditRateLimited, "too many attempts")
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		s.writeError(w, &errors.RateLimitError{Action: "login", RetryAfter: retryAfter})
		return
	}

	cred, err := s.users.CredentialsByEmail(r.Context(), req.Email)
	if err != nil {
		// Generic error to prevent user enumeration attacks
		s.record(r, "", "login", domain.AuditRejected, "unknown email")
		s.writeError(w, errors.ErrInvalidCredentials)
		return
	}
	if !cred.Active {
		s.record(r, cred.UserID, "login", domain.AuditRejected, "user inactive")
		s.writeError(w, errors.ErrInvalidCredentials)
		return
	}

	match, err := auth.ComparePassword(req.Password, cred.PasswordHash)
	if err != nil || !match {
		s.record(r, cred.UserID, "login", domain.AuditRejected, "bad password")
		s.writeError(w, errors.ErrInvalidCredentials)
		return
	}

	pair, err := s.tokens.IssuePair(auth.Subject{
		UserID:      cred.UserID,
		OrgID:       cred.OrgID,
		Roles:       cred.Roles,
		Permissions: cred.Permissions,
	})
	if err != nil {
		s.log.Error("Token issue failed", "userID", cred.UserID, "error", err)
		s.writeError(w, errors.ErrTokenGeneration)
		return
	}

	s.log.Info("Login succeeded", "userID", cred.UserID)
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *AuthService) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[RefreshRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	_, pair, err := s.gate.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *AuthService) record(r *http.Request, userID, action, outcome, detail string) {
	s.audit.Record(r.Context(), domain.AuditEntry{
		At:      s.now(),
		UserID:  userID,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	})
}

func (s *AuthService) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses, reusing the wire
// payload so HTTP and socket clients parse the same error shape.
func (s *AuthService) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrValidation):
		status = http.StatusBadRequest
	case stderrors.Is(err, errors.ErrInvalidCredentials),
		stderrors.Is(err, errors.ErrAuthentication),
		stderrors.Is(err, errors.ErrRefreshFailed),
		stderrors.Is(err, errors.ErrTokenExpired):
		status = http.StatusUnauthorized
	case stderrors.Is(err, errors.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, errors.Wire(err))
}

var bodyValidate = validator.New(validator.WithRequiredStructEnabled())

// decodeBody parses and validates a JSON request body.
func decodeBody[T any](r *http.Request) (T, error) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: body is not valid JSON", errors.ErrValidation)
	}
	if err := bodyValidate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			return req, &errors.FieldError{
				Field:  verrs[0].Field(),
				Reason: fmt.Sprintf("failed %q", verrs[0].Tag()),
			}
		}
		return req, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	return req, nil
}
