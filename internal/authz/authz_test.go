package authz

import (
	"testing"
	"time"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

func claimsFor(role models.Role) models.UserClaims {
	return models.UserClaims{
		UserID: "user-1", Email: "u@example.com",
		Role: role, StoreID: "store-1",
	}
}

func sessionOwnedBy(userID, storeID string) models.Session {
	return models.Session{ID: "sess-1", UserID: userID, StoreID: storeID}
}

func TestEnforceSalesScope(t *testing.T) {
	own := sessionOwnedBy("user-1", "store-1")
	other := sessionOwnedBy("user-2", "store-1")

	if err := EnforceSalesScope(claimsFor(models.RoleSales), own); err != nil {
		t.Fatalf("own session denied: %v", err)
	}
	if err := EnforceSalesScope(claimsFor(models.RoleSales), other); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("foreign session allowed, err = %v", err)
	}
	// Managers and auditors pass through.
	if err := EnforceSalesScope(claimsFor(models.RoleManager), other); err != nil {
		t.Fatalf("manager blocked: %v", err)
	}
	if err := EnforceSalesScope(claimsFor(models.RoleAuditor), other); err != nil {
		t.Fatalf("auditor blocked: %v", err)
	}
}

func TestEnforceManagerStoreScope(t *testing.T) {
	inStore := sessionOwnedBy("user-2", "store-1")
	outOfStore := sessionOwnedBy("user-2", "store-2")

	if err := EnforceManagerStoreScope(claimsFor(models.RoleManager), inStore); err != nil {
		t.Fatalf("same-store session denied: %v", err)
	}
	if err := EnforceManagerStoreScope(claimsFor(models.RoleManager), outOfStore); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("cross-store session allowed, err = %v", err)
	}
	if err := EnforceManagerStoreScope(claimsFor(models.RoleAuditor), outOfStore); err != nil {
		t.Fatalf("auditor blocked: %v", err)
	}
}

func TestEnforceAuditorReadOnly(t *testing.T) {
	if err := EnforceAuditorReadOnly(claimsFor(models.RoleAuditor)); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("auditor mutation allowed, err = %v", err)
	}
	if err := EnforceAuditorReadOnly(claimsFor(models.RoleSales)); err != nil {
		t.Fatalf("sales blocked: %v", err)
	}
	if err := EnforceAuditorReadOnly(claimsFor(models.RoleManager)); err != nil {
		t.Fatalf("manager blocked: %v", err)
	}
}

func TestEnforceManagerOnly(t *testing.T) {
	if err := EnforceManagerOnly(claimsFor(models.RoleManager)); err != nil {
		t.Fatalf("manager denied: %v", err)
	}
	for _, role := range []models.Role{models.RoleSales, models.RoleAuditor} {
		if err := EnforceManagerOnly(claimsFor(role)); !apperr.Is(err, apperr.KindUnauthorized) {
			t.Fatalf("role %s allowed, err = %v", role, err)
		}
	}
}

func TestDeadline(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := models.Session{ID: "sess-1", CreatedAt: created}

	cases := []struct {
		name      string
		now       time.Time
		exceeded  bool
		remaining int
	}{
		{"just created", created, false, 7},
		{"day three", created.Add(3 * 24 * time.Hour), false, 4},
		{"one hour before", created.Add(7*24*time.Hour - time.Hour), false, 0},
		{"exactly at deadline", created.Add(7 * 24 * time.Hour), false, 0},
		{"one second past", created.Add(7*24*time.Hour + time.Second), true, 0},
		{"weeks past", created.Add(30 * 24 * time.Hour), true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDeadlineExceeded(sess, tc.now); got != tc.exceeded {
				t.Fatalf("IsDeadlineExceeded = %v, want %v", got, tc.exceeded)
			}
			if got := RemainingDays(sess, tc.now); got != tc.remaining {
				t.Fatalf("RemainingDays = %d, want %d", got, tc.remaining)
			}
		})
	}
}

func TestRemainingDaysNeverIncreases(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sess := models.Session{ID: "sess-1", CreatedAt: created}

	prev := RemainingDays(sess, created)
	for h := 1; h <= 10*24; h++ {
		now := created.Add(time.Duration(h) * time.Hour)
		cur := RemainingDays(sess, now)
		if cur > prev {
			t.Fatalf("remaining days increased from %d to %d at %v", prev, cur, now)
		}
		prev = cur
	}
}
