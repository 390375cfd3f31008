package types

import "time"

// Roles recognized by the platform. There are exactly two tiers: admin
// satisfies every requirement, user satisfies only user-level requirements.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ValidRole reports whether the given role is one the platform issues
// tokens for.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// RoleSatisfies reports whether a principal holding `have` meets a
// `required` authorization tier.
func RoleSatisfies(have, required string) bool {
	if have == RoleAdmin {
		return true
	}
	return have == required
}

// User represents an account in the system.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Email is the user's login identity; unique across accounts.
	Email string `json:"email" db:"email"`

	// FirstName and LastName are the user's display names.
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`

	// Role indicates the user's authorization level within the system
	// ("admin" or "user"). Immutable except through the bootstrap
	// promotion path.
	Role string `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Blocked marks an account that may no longer log in.
	Blocked bool `json:"is_blocked" db:"is_blocked"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
