package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("s3cret", "ride-dispatch")
	tok, err := v.Sign(models.Actor{Role: models.RoleDriver, ID: "d7"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	actor, err := v.Actor("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if actor.Role != models.RoleDriver || actor.ID != "d7" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier("s3cret", "ride-dispatch")
	expired, _ := v.Sign(models.Actor{Role: models.RoleClient, ID: "c1"}, -time.Minute)
	foreign, _ := NewVerifier("other", "ride-dispatch").Sign(models.Actor{Role: models.RoleClient, ID: "c1"}, time.Minute)
	wrongIssuer, _ := NewVerifier("s3cret", "elsewhere").Sign(models.Actor{Role: models.RoleClient, ID: "c1"}, time.Minute)
	badRole, _ := v.Sign(models.Actor{Role: "ROOT", ID: "c1"}, time.Minute)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "c1", Role: models.RoleClient}).SignedString([]byte("s3cret"))

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"garbage":      "Bearer not.a.jwt",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + foreign,
		"wrong issuer": "Bearer " + wrongIssuer,
		"unknown role": "Bearer " + badRole,
		"no expiry":    "Bearer " + noExp,
	}
	for name, header := range cases {
		if _, err := v.Actor(header); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected unauthenticated, got %v", name, err)
		}
	}
}
