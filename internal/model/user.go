package model

import "time"

// Roles stored in users.role.
const (
	RoleCustomer = "CUSTOMER"
	RoleProvider = "PROVIDER"
	RoleAdmin    = "ADMIN"
)

// User represents a row in the `users` table.  Providers additionally own a
// ProviderProfile keyed by the same ID.
type User struct {
	ID           uint64    // users.id
	Email        string    // users.email
	FullName     string    // users.full_name
	PasswordHash string    // users.password_hash
	Role         string    // users.role (CUSTOMER, PROVIDER, ADMIN)
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// RefreshToken models an entry in the `refresh_tokens` table.  Only the
// SHA-256 hash of the token is stored.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r string) bool {
	return r == RoleCustomer || r == RoleProvider || r == RoleAdmin
}
