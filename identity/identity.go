/*
Package identity authenticates callers and manages accounts.

PURPOSE:
  Turns a bearer token into a Principal before any reservation logic runs,
  and owns the account lifecycle around it: registration, login and
  self-service profile changes.

KEY CONCEPTS:
  - Principal: Who is calling (account id, role, sponsoring manager)
  - Provider:  Verifies tokens. JWTProvider is the HS256 implementation.
  - Service:   Register / Login / lookups / UpdateProfile over an AccountStore

TRUST BOUNDARY:
  The manager id inside a token is informational. The engine always reads
  the sponsoring manager from the account record.

SEE ALSO:
  - jwt.go:      Token issue and verification
  - service.go:  Account lifecycle
  - api/middleware.go: Calls Provider.Verify on every protected route
*/
package identity

import (
	"context"
	"errors"

	"github.com/blureserve/seat-engine/reserve"
)

var (
	// ErrInvalidRole is returned when a role is neither EMPLOYEE nor MANAGER.
	ErrInvalidRole = errors.New("invalid role")

	// ErrEmailTaken is returned when registering or changing to an email in use.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidInput is returned for missing or malformed registration fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden is returned when a principal acts on an account it does not own.
	ErrForbidden = errors.New("forbidden")
)

// Principal is the verified caller.
type Principal struct {
	AccountID reserve.AccountID
	Role      reserve.AccountKind
	ManagerID reserve.AccountID
}

func (p Principal) IsEmployee() bool { return p.Role == reserve.KindEmployee }
func (p Principal) IsManager() bool  { return p.Role == reserve.KindManager }

// Provider verifies a bearer token. Any failure matches reserve.ErrUnauthorized.
type Provider interface {
	Verify(ctx context.Context, token string) (Principal, error)
}
