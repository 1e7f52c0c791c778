package runtime

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"crewlink/contract"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
	"crewlink/observability"
)

// HandlerFunc processes one inbound frame for one connection. Returning an
// error produces exactly one error event to that connection; handlers that
// want an outcome swallowed (terminal-state noise) log it and return nil.
type HandlerFunc func(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error

// Router dispatches inbound frames by event name. Dispatch runs on the
// connection's read goroutine, which is what gives each connection FIFO
// handling; the router itself holds no queue.
type Router struct {
	log      *slog.Logger
	limiter  contract.RateLimiter
	authz    contract.Authorizer
	audit    contract.AuditSink
	metrics  *observability.Metrics
	now      func() time.Time
	handlers map[event.Name]HandlerFunc
}

func NewRouter(log *slog.Logger, limiter contract.RateLimiter, authz contract.Authorizer,
	audit contract.AuditSink, metrics *observability.Metrics) *Router {
	return &Router{
		log:      log,
		limiter:  limiter,
		authz:    authz,
		audit:    audit,
		metrics:  metrics,
		now:      time.Now,
		handlers: make(map[event.Name]HandlerFunc),
	}
}

// WithClock replaces the time source. Test hook.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Register binds a handler to an event name. Wiring happens once at
// startup, so a duplicate registration is a programming error worth a
// panic.
func (r *Router) Register(name event.Name, h HandlerFunc) {
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("router: duplicate handler for %q", name))
	}
	r.handlers[name] = h
}

// Dispatch runs one frame through the gate checks and its handler. The
// activity clock is touched first, whatever the outcome, so a client
// producing only rejected events still counts as alive.
func (r *Router) Dispatch(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) {
	now := r.now()
	conn.Touch(now)
	r.metrics.IncEventsIn(string(frame.Type))

	if err := r.dispatch(ctx, conn, sink, frame, now); err != nil {
		r.fail(ctx, conn, sink, frame, err)
	}
}

func (r *Router) dispatch(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame, now time.Time) error {
	handler, known := r.handlers[frame.Type]
	if !known {
		return fmt.Errorf("%w: %q", errors.ErrUnsupportedEvent, frame.Type)
	}

	// An expired credential blocks everything except the two events a
	// client needs to recover: the refresh exchange and the clock probe.
	if conn.TokenExpired(now) && frame.Type != event.TokenRefresh && frame.Type != event.Ping {
		return errors.ErrTokenExpired
	}

	for _, perm := range r.authz.RequiredPermissions(string(frame.Type)) {
		if !conn.HasPermission(perm) {
			return fmt.Errorf("%w: missing permission %q", errors.ErrAuthorization, perm)
		}
	}

	if frame.Type != event.Ping {
		if ok, retryAfter := r.limiter.Allow(conn.UserID, string(frame.Type)); !ok {
			return &errors.RateLimitError{Action: string(frame.Type), RetryAfter: retryAfter}
		}
	}

	return r.invoke(ctx, conn, sink, frame, handler)
}

// invoke isolates the handler call so a panic inside one handler becomes
// an INTERNAL error for that client instead of tearing the process down.
func (r *Router) invoke(ctx context.Context, conn *domain.Connection, sink contract.EventSink,
	frame event.Frame, handler HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Handler panicked",
				"type", frame.Type, "socketID", conn.SocketID, "panic", rec)
			err = fmt.Errorf("%w: %v", errors.ErrHandlerPanic, rec)
		}
	}()
	return handler(ctx, conn, sink, frame)
}

// fail maps the error onto a single-recipient error event and records the
// security-relevant ones.
func (r *Router) fail(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame, err error) {
	r.metrics.IncErrors()
	r.log.Debug("Dispatch failed",
		"type", frame.Type, "socketID", conn.SocketID, "userID", conn.UserID, "error", err)

	switch {
	case stderrors.Is(err, errors.ErrAuthorization):
		r.recordAudit(ctx, conn, frame, domain.AuditDenied, err)
	case stderrors.Is(err, errors.ErrRateLimited):
		r.recordAudit(ctx, conn, frame, domain.AuditRateLimited, err)
	case stderrors.Is(err, errors.ErrTokenExpired):
		r.recordAudit(ctx, conn, frame, domain.AuditRejected, err)
	}

	evt := event.Reply(event.Error, frame.RequestID, errors.Wire(err))
	if consumeErr := sink.Consume(ctx, evt); consumeErr != nil {
		r.log.Warn("Error event undeliverable", "socketID", conn.SocketID, "error", consumeErr)
	}
}

func (r *Router) recordAudit(ctx context.Context, conn *domain.Connection, frame event.Frame, outcome string, err error) {
	r.audit.Record(ctx, domain.AuditEntry{
		At:       r.now(),
		UserID:   conn.UserID,
		SocketID: conn.SocketID,
		Action:   string(frame.Type),
		Outcome:  outcome,
		Detail:   err.Error(),
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire field names, not Go ones, in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode unmarshals a frame payload into its schema and validates it.
// Handlers call this first; the zero value of T is fine for payload-less
// events like ping.
func Decode[T any](frame event.Frame) (T, error) {
	var req T
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return req, &errors.FieldError{Field: "payload", Reason: "is not valid JSON"}
		}
	}
	if err := validate.Struct(&req); err != nil {
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
