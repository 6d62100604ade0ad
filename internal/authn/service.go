// Package authn verifies credentials and feeds the lockout tracker. It is
// the only caller of bcrypt; the resolver never sees passwords.
package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/ratelimit"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/store"
)

// Repository defines persistence operations for authentication.
type Repository interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	lockout *ratelimit.LockoutTracker
	emitter *audit.Emitter
}

// NewService constructs a Service.
func NewService(repo Repository, lockout *ratelimit.LockoutTracker, emitter *audit.Emitter) *Service {
	return &Service{repo: repo, lockout: lockout, emitter: emitter}
}

// LockedError carries the remaining lockout window.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

// Unwrap lets errors.Is match shared.ErrAccountLocked.
func (e *LockedError) Unwrap() error {
	return shared.ErrAccountLocked
}

// NormalizeIdentifier canonicalizes a login identifier so case and Unicode
// variants of the same name share one lockout counter and user lookup.
func NormalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	normalized, err := precis.UsernameCaseMapped.String(identifier)
	if err != nil {
		// Profile rejection (bidi violations etc): fall back to a plain
		// lowercase so the counter still keys consistently.
		return strings.ToLower(identifier)
	}
	return normalized
}

// Authenticate validates email/password credentials. Failures count
// towards the lockout window; a locked identifier is rejected before the
// password is even checked.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	identifier := NormalizeIdentifier(email)

	locked, retryAfter, err := s.lockout.Locked(ctx, identifier)
	if err != nil {
		// Never fail open: a counter we cannot read does not unlock.
		return nil, fmt.Errorf("authn: lockout check: %w", err)
	}
	if locked {
		s.auditFailure(ctx, identifier, "locked")
		return nil, &LockedError{RetryAfter: retryAfter}
	}

	user, err := s.repo.GetUserByEmail(ctx, identifier)
	if err != nil {
		return nil, s.recordFailure(ctx, identifier, "unknown_user")
	}
	if user.Status != store.StatusActive {
		return nil, s.recordFailure(ctx, identifier, "inactive_user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.recordFailure(ctx, identifier, "bad_password")
	}

	// Counter cleanup is best effort; a stale counter only shortens the
	// next failure budget.
	_ = s.lockout.Clear(ctx, identifier)
	if s.emitter != nil {
		s.emitter.Emit(ctx, audit.Event{
			Type:    audit.TypeAuth,
			Subtype: audit.SubtypeLogin,
			Level:   audit.LevelInfo,
			UserID:  user.ID,
			Outcome: audit.OutcomeSuccess,
		})
	}
	return user, nil
}

// recordFailure counts the failure and reports either invalid credentials
// or, when the budget is exhausted, the lockout.
func (s *Service) recordFailure(ctx context.Context, identifier, cause string) error {
	s.auditFailure(ctx, identifier, cause)
	res, err := s.lockout.RecordFailure(ctx, identifier)
	if err != nil {
		return shared.ErrInvalidCredentials
	}
	if !res.Allowed {
		return &LockedError{RetryAfter: res.RetryAfter}
	}
	return shared.ErrInvalidCredentials
}

func (s *Service) auditFailure(ctx context.Context, identifier, cause string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, audit.Event{
		Type:    audit.TypeAuth,
		Subtype: audit.SubtypeLoginFailed,
		Level:   audit.LevelWarning,
		Outcome: audit.OutcomeFailure,
		Metadata: map[string]any{
			"identifier": identifier,
			"cause":      cause,
		},
	})
}
