package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/careline-hub/internal/domain"
)

// Claims is the token body issued by the account service.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens whose subject is the user ID.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify implements Verifier. The role in the token wins; a conflicting
// role parameter is rejected. The name parameter fills in a missing claim.
func (v *JWTVerifier) Verify(_ context.Context, creds Credentials) (domain.Identity, error) {
	if creds.Token == "" {
		return domain.Identity{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if creds.Role != "" {
		declared, err := domain.ParseRole(creds.Role)
		if err != nil || declared != role {
			return domain.Identity{}, fmt.Errorf("%w: role does not match token", ErrUnauthenticated)
		}
	}

	name := claims.Name
	if name == "" {
		name = creds.Name
	}
	return domain.Identity{UserID: claims.Subject, Role: role, DisplayName: name}, nil
}

// Mint signs a token for id valid for ttl. Used by the token command and tests.
func Mint(secret, issuer string, id domain.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	now := time.Now()
	claims := Claims{
		Role: string(id.Role),
		Name: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
