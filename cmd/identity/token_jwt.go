package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minJWTSecretLen = 32

// JWTClaims is the HS256 token body: the user id travels in "sub".
type JWTClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and issues HS256 JWT access tokens.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewJWTVerifier requires a shared secret of at least 32 bytes.
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.JWTSecret) < minJWTSecretLen {
		return nil, OpError{Op: "identity.NewJWTVerifier", Kind: ErrConfig, Msg: "secret must be at least 32 bytes"}
	}
	return &JWTVerifier{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
	}, nil
}

// Issue signs a token for userID.
func (v *JWTVerifier) Issue(userID, sessionID string, now time.Time, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", OpError{Op: "identity.JWTVerifier.Issue", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(v.secret)
}

func (v *JWTVerifier) Verify(token string, now time.Time) (Claims, error) {
	const op = "identity.JWTVerifier.Verify"

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &JWTClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, invalidToken(op)
	}
	if claims.Subject == "" {
		return Claims{}, invalidToken(op)
	}

	out := Claims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

var _ Verifier = (*JWTVerifier)(nil)
