// Package authz holds the pure authorization and deadline predicates. Every
// operation that reads or writes a session goes through these; nothing here
// touches storage or the clock beyond time.Now.
package authz

import (
	"fmt"
	"time"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

// DeadlineDays is the fixed window after session creation within which an
// outcome label request needs no special justification.
const DeadlineDays = 7

// EnforceSalesScope denies a Sales caller access to sessions they do not own.
// Other roles pass through.
func EnforceSalesScope(claims models.UserClaims, session models.Session) error {
	if claims.Role == models.RoleSales && session.UserID != claims.UserID {
		return apperr.Unauthorized("sales can only access their own sessions")
	}
	return nil
}

// EnforceManagerStoreScope denies a Manager access to sessions outside their
// store. Other roles pass through.
func EnforceManagerStoreScope(claims models.UserClaims, session models.Session) error {
	if claims.Role == models.RoleManager && session.StoreID != claims.StoreID {
		return apperr.Unauthorized("manager can only access sessions in their store")
	}
	return nil
}

// EnforceAuditorReadOnly denies the Auditor role on any mutating operation.
func EnforceAuditorReadOnly(claims models.UserClaims) error {
	if claims.Role == models.RoleAuditor {
		return apperr.Unauthorized("auditor role is read-only")
	}
	return nil
}

// EnforceManagerOnly denies every role except Manager.
func EnforceManagerOnly(claims models.UserClaims) error {
	switch claims.Role {
	case models.RoleManager:
		return nil
	case models.RoleSales, models.RoleAuditor:
		return apperr.Unauthorized(fmt.Sprintf("role %s cannot perform approvals", claims.Role))
	default:
		return apperr.Unauthorized("unrecognized role")
	}
}

func deadline(session models.Session) time.Time {
	return session.CreatedAt.Add(DeadlineDays * 24 * time.Hour)
}

// IsDeadlineExceeded reports whether the 7-day request window has elapsed.
func IsDeadlineExceeded(session models.Session, now time.Time) bool {
	return now.After(deadline(session))
}

// RemainingDays returns the whole days left before the deadline, floored at 0.
func RemainingDays(session models.Session, now time.Time) int {
	remaining := int(deadline(session).Sub(now).Hours() / 24)
	if remaining < 0 {
		return 0
	}
	return remaining
}
