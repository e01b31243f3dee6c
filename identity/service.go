package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/blureserve/seat-engine/reserve"
)

// AccountStore is the persistence the identity service needs.
type AccountStore interface {
	CreateAccount(ctx context.Context, a reserve.Account) error
	Account(ctx context.Context, id reserve.AccountID) (reserve.Account, error)
	AccountByEmail(ctx context.Context, email string) (reserve.Account, error)
	ListAccounts(ctx context.Context, kind reserve.AccountKind) ([]reserve.Account, error)
	SearchAccounts(ctx context.Context, query string) ([]reserve.Account, error)
	UpdateProfile(ctx context.Context, id reserve.AccountID, u reserve.ProfileUpdate) (reserve.Account, error)
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     string

	// ManagerID is required for employees and ignored for managers.
	ManagerID reserve.AccountID

	// InitialBalance is the manager's BluDollar allocation. Ignored for employees.
	InitialBalance int64
}

// ProfileInput holds optional profile changes. Nil fields are left alone.
type ProfileInput struct {
	Username *string
	Email    *string
	Password *string
}

type Service struct {
	accounts   AccountStore
	tokens     *JWTProvider
	bcryptCost int
	now        func() time.Time
	log        zerolog.Logger
}

type ServiceOption func(*Service)

func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithServiceLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = log.With().Str("component", "identity").Logger() }
}

func NewService(accounts AccountStore, tokens *JWTProvider, opts ...ServiceOption) *Service {
	s := &Service{
		accounts:   accounts,
		tokens:     tokens,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify delegates to the token provider.
func (s *Service) Verify(ctx context.Context, token string) (Principal, error) {
	return s.tokens.Verify(ctx, token)
}

// =============================================================================
// REGISTRATION AND LOGIN
// =============================================================================

// Register creates an employee or a manager. An employee's sponsoring
// manager must already exist and cannot be changed later.
func (s *Service) Register(ctx context.Context, in RegisterInput) (reserve.Account, error) {
	kind, ok := reserve.ParseAccountKind(in.Role)
	if !ok {
		return reserve.Account{}, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" {
		return reserve.Account{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return reserve.Account{}, fmt.Errorf("%w: email %q", ErrInvalidInput, in.Email)
	}
	if in.Password == "" {
		return reserve.Account{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	acct := reserve.Account{
		ID:        reserve.AccountID(uuid.NewString()),
		Kind:      kind,
		Username:  username,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}

	switch kind {
	case reserve.KindEmployee:
		if in.ManagerID == "" {
			return reserve.Account{}, fmt.Errorf("%w: employees need a manager_id", ErrInvalidInput)
		}
		mgr, err := s.accounts.Account(ctx, in.ManagerID)
		if err != nil {
			return reserve.Account{}, err
		}
		if !mgr.IsManager() {
			return reserve.Account{}, &reserve.NotFoundError{Kind: "manager", ID: string(in.ManagerID)}
		}
		acct.ManagerID = mgr.ID
	case reserve.KindManager:
		if in.InitialBalance < 0 {
			return reserve.Account{}, fmt.Errorf("%w: initial balance must not be negative", ErrInvalidInput)
		}
		acct.InitialBalance = reserve.BluDollars(in.InitialBalance)
		acct.Balance = acct.InitialBalance
	}

	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return reserve.Account{}, fmt.Errorf("hash password: %w", err)
	}
	acct.PasswordHash = hash

	if err := s.accounts.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, reserve.ErrDuplicateAccount) {
			return reserve.Account{}, fmt.Errorf("%w: %s", ErrEmailTaken, email)
		}
		return reserve.Account{}, err
	}

	s.log.Info().
		Str("account_id", string(acct.ID)).
		Str("role", string(acct.Kind)).
		Msg("account registered")
	return acct, nil
}

// Login checks the password and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (Token, reserve.Account, error) {
	acct, err := s.accounts.AccountByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if reserve.IsNotFound(err) {
			return Token{}, reserve.Account{}, ErrInvalidCredentials
		}
		return Token{}, reserve.Account{}, err
	}
	if !VerifyPassword(acct.PasswordHash, password) {
		return Token{}, reserve.Account{}, ErrInvalidCredentials
	}
	tok, err := s.tokens.Issue(acct)
	if err != nil {
		return Token{}, reserve.Account{}, err
	}
	return tok, acct, nil
}

// =============================================================================
// ACCOUNT LOOKUPS
// =============================================================================

func (s *Service) GetAccount(ctx context.Context, id reserve.AccountID) (reserve.Account, error) {
	return s.accounts.Account(ctx, id)
}

func (s *Service) ListAccounts(ctx context.Context, role string) ([]reserve.Account, error) {
	if role == "" {
		return s.accounts.ListAccounts(ctx, "")
	}
	kind, ok := reserve.ParseAccountKind(role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.accounts.ListAccounts(ctx, kind)
}

func (s *Service) SearchAccounts(ctx context.Context, query string) ([]reserve.Account, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", ErrInvalidInput)
	}
	return s.accounts.SearchAccounts(ctx, query)
}

// UpdateProfile applies in to the caller's own account.
func (s *Service) UpdateProfile(ctx context.Context, caller Principal, id reserve.AccountID, in ProfileInput) (reserve.Account, error) {
	if caller.AccountID != id {
		return reserve.Account{}, ErrForbidden
	}

	var u reserve.ProfileUpdate
	if in.Username != nil {
		name := strings.TrimSpace(*in.Username)
		if name == "" {
			return reserve.Account{}, fmt.Errorf("%w: username must not be empty", ErrInvalidInput)
		}
		u.Username = &name
	}
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			return reserve.Account{}, fmt.Errorf("%w: email %q", ErrInvalidInput, *in.Email)
		}
		u.Email = &email
	}
	if in.Password != nil {
		if *in.Password == "" {
			return reserve.Account{}, fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
		}
		hash, err := HashPassword(*in.Password, s.bcryptCost)
		if err != nil {
			return reserve.Account{}, fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = &hash
	}

	acct, err := s.accounts.UpdateProfile(ctx, id, u)
	if errors.Is(err, reserve.ErrDuplicateAccount) {
		return reserve.Account{}, fmt.Errorf("%w: %s", ErrEmailTaken, *u.Email)
	}
	return acct, err
}
