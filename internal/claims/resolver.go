// Package claims resolves the caller identity for a request. Token
// verification happens at the gateway; this reads the identity headers the
// gateway injects after validating the JWT.
package claims

import (
	"net/http"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

const (
	HeaderUserID  = "X-User-Id"
	HeaderEmail   = "X-User-Email"
	HeaderRole    = "X-User-Role"
	HeaderStoreID = "X-Store-Id"
)

// Resolver produces UserClaims from an inbound request.
type Resolver struct {
	// Demo, when non-nil, is returned for requests with no identity headers.
	// Wired only when the process runs in demo mode.
	Demo *models.UserClaims
}

// FromRequest extracts and validates the caller identity.
func (r *Resolver) FromRequest(req *http.Request) (models.UserClaims, error) {
	userID := req.Header.Get(HeaderUserID)
	if userID == "" {
		if r.Demo != nil {
			return *r.Demo, nil
		}
		return models.UserClaims{}, apperr.Unauthorized("missing caller identity")
	}

	role, err := models.ParseRole(req.Header.Get(HeaderRole))
	if err != nil {
		return models.UserClaims{}, apperr.Unauthorized("invalid role claim")
	}
	storeID := req.Header.Get(HeaderStoreID)
	if storeID == "" {
		return models.UserClaims{}, apperr.Unauthorized("missing store claim")
	}

	return models.UserClaims{
		UserID:  userID,
		Email:   req.Header.Get(HeaderEmail),
		Role:    role,
		StoreID: storeID,
	}, nil
}

// DemoClaims is the development identity used when no gateway sits in front.
func DemoClaims() *models.UserClaims {
	return &models.UserClaims{
		UserID:  "user-demo-001",
		Email:   "demo@example.com",
		Role:    models.RoleSales,
		StoreID: "store-tokyo-001",
	}
}
