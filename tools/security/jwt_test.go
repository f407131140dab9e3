package security

import (
	"testing"
	"time"

	"PSync/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-not-for-production")

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions(testSecret)
	token, expireAt, err := Generate(opts, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !expireAt.After(time.Now()) {
		t.Fatal("token already expired at mint")
	}

	userID, err := Verify(opts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("subject = %s, want alice", userID)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	claims := jwtlib.MapClaims{
		"sub": "alice",
		"iat": time.Now().Add(-time.Hour).Unix(),
		"exp": time.Now().Add(-time.Minute).Unix(),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(DefaultOptions(testSecret), token); !errs.Is(err, errs.ErrTokenExpired) {
		t.Fatalf("err = %v, want token expired", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions(testSecret), "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("other")), token); !errs.Is(err, errs.ErrAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, err := Verify(DefaultOptions(testSecret), "not.a.jwt"); !errs.Is(err, errs.ErrAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
}
