package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims identifies the caller. UserID is the client id or driver id
// depending on Role.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the identity service.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Actor parses an "Authorization: Bearer <token>" header value.
func (v *Verifier) Actor(header string) (models.Actor, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return models.Actor{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return v.Parse(strings.TrimSpace(raw))
}

func (v *Verifier) Parse(token string) (models.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.Actor{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	switch claims.Role {
	case models.RoleClient, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	if claims.UserID == "" {
		return models.Actor{}, fmt.Errorf("%w: missing user id", ErrUnauthenticated)
	}
	return models.Actor{Role: claims.Role, ID: claims.UserID}, nil
}

// Sign mints a token for actor. Token issuance belongs to the identity
// service; this exists for local tooling and tests.
func (v *Verifier) Sign(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: actor.ID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
