package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the roles carried in access tokens.
type UserRole string

const (
	RoleSuperAdmin        UserRole = "SUPER_ADMIN"
	RoleGlobalAdmin       UserRole = "GLOBAL_ADMIN"
	RoleOrganisationAdmin UserRole = "ORGANISATION_ADMIN"
	RoleServiceAdmin      UserRole = "SERVICE_ADMIN"
	RoleServiceWorker     UserRole = "SERVICE_WORKER"
)

// CanReview reports whether the role may approve or reject update requests.
func (r UserRole) CanReview() bool {
	return r == RoleSuperAdmin || r == RoleGlobalAdmin
}

// JWTClaims represents the JWT payload for access tokens. Tokens are issued
// by the identity service; this API only verifies them.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
