package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blureserve/seat-engine/reserve"
)

// DefaultTokenTTL is the access token lifetime.
const DefaultTokenTTL = 30 * time.Minute

// Token is a signed access token handed to the client.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Claims carries the account id in sub, plus role and sponsoring manager.
type Claims struct {
	Role      string `json:"role"`
	ManagerID string `json:"mgr,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider issues and verifies HS256 tokens.
type JWTProvider struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTProvider(secret string, ttl time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTProvider{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of p that reads time from now.
func (p *JWTProvider) WithClock(now func() time.Time) *JWTProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Issue signs a token for a.
func (p *JWTProvider) Issue(a reserve.Account) (Token, error) {
	issued := p.now().UTC()
	exp := issued.Add(p.ttl)
	claims := Claims{
		Role:      string(a.Kind),
		ManagerID: string(a.ManagerID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(a.ID),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm and expiry, then decodes the principal.
func (p *JWTProvider) Verify(_ context.Context, raw string) (Principal, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", reserve.ErrUnauthorized, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: invalid token", reserve.ErrUnauthorized)
	}
	role, ok := reserve.ParseAccountKind(claims.Role)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unknown role %q", reserve.ErrUnauthorized, claims.Role)
	}
	return Principal{
		AccountID: reserve.AccountID(claims.Subject),
		Role:      role,
		ManagerID: reserve.AccountID(claims.ManagerID),
	}, nil
}
