package identity

import (
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
)

func newTestPaseto(t *testing.T, issuer string) *PasetoV4Verifier {
	t.Helper()
	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoV4Verifier(Config{
		Issuer:             issuer,
		ClockSkew:          2 * time.Second,
		PasetoSecretKeyHex: secret.ExportHex(),
	})
	if err != nil {
		t.Fatalf("NewPasetoV4Verifier: %v", err)
	}
	return v
}

func TestPasetoV4_IssueVerify(t *testing.T) {
	v := newTestPaseto(t, "parley")
	now := time.Now().UTC().Truncate(time.Second)

	tok, err := v.Issue("alice", "sess-1", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(tok, "v4.public.") {
		t.Fatalf("unexpected token format: %s", tok)
	}

	c, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "alice" || c.SessionID != "sess-1" || c.Issuer != "parley" {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if !c.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", c.ExpiresAt)
	}
}

func TestPasetoV4_Rejections(t *testing.T) {
	v := newTestPaseto(t, "parley")
	now := time.Now().UTC()

	tok, err := v.Issue("alice", "", now, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := v.Verify(tok, now.Add(2*time.Minute)); !IsInvalidToken(err) {
		t.Fatalf("expired: expected invalid token, got %v", err)
	}

	other := newTestPaseto(t, "parley")
	if _, err := other.Verify(tok, now); !IsInvalidToken(err) {
		t.Fatalf("foreign key: expected invalid token, got %v", err)
	}

	wrongIssuer := newTestPaseto(t, "someone-else")
	tok2, _ := wrongIssuer.Issue("alice", "", now, time.Minute)
	verifyOnly, err := NewPasetoV4Verifier(Config{Issuer: "parley", PasetoPublicKeyHex: wrongIssuer.PublicKeyHex()})
	if err != nil {
		t.Fatalf("NewPasetoV4Verifier: %v", err)
	}
	if _, err := verifyOnly.Verify(tok2, now); !IsInvalidToken(err) {
		t.Fatalf("issuer mismatch: expected invalid token, got %v", err)
	}

	if _, err := verifyOnly.Issue("alice", "", now, time.Minute); !IsConfig(err) {
		t.Fatalf("public-only verifier must not issue, got %v", err)
	}
	if _, err := v.Issue("", "", now, time.Minute); !IsInvalidInput(err) {
		t.Fatalf("empty user: expected invalid input, got %v", err)
	}
}

func TestJWT_IssueVerify(t *testing.T) {
	v, err := NewJWTVerifier(Config{JWTSecret: strings.Repeat("k", 32), Issuer: "parley", ClockSkew: time.Second})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)

	tok, err := v.Issue("bob", "sess-9", now, 5*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "bob" || c.SessionID != "sess-9" || !c.IssuedAt.Equal(now) {
		t.Fatalf("unexpected claims: %+v", c)
	}

	if _, err := v.Verify(tok, now.Add(10*time.Minute)); !IsInvalidToken(err) {
		t.Fatalf("expired: expected invalid token, got %v", err)
	}
}

func TestJWT_RejectsForeignTokens(t *testing.T) {
	v, err := NewJWTVerifier(Config{JWTSecret: strings.Repeat("k", 32)})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	now := time.Now().UTC()

	other, _ := NewJWTVerifier(Config{JWTSecret: strings.Repeat("z", 32)})
	forged, _ := other.Issue("bob", "", now, time.Minute)
	if _, err := v.Verify(forged, now); !IsInvalidToken(err) {
		t.Fatalf("wrong secret: expected invalid token, got %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	})
	s, err := noExp.SignedString([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(s, now); !IsInvalidToken(err) {
		t.Fatalf("missing exp: expected invalid token, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
	})
	ns, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := v.Verify(ns, now); !IsInvalidToken(err) {
		t.Fatalf("alg none: expected invalid token, got %v", err)
	}
}
