package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Claims is the minimal identity envelope carried by an access token.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks an access token and returns its claims.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Resolver returns the user behind a request.
//
// Contract:
//   - ("", nil): the request carries no credentials (anonymous).
//   - (id, nil): the request is authenticated as id.
//   - ("", err): credentials were presented but rejected (ErrInvalidToken).
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// Modes accepted by NewResolver.
const (
	ModePaseto  = "paseto"
	ModeJWT     = "jwt"
	ModeTrusted = "trusted"
)

// Config selects and configures a Resolver.
type Config struct {
	Mode string

	Issuer    string
	ClockSkew time.Duration

	PasetoPublicKeyHex string
	PasetoSecretKeyHex string

	JWTSecret string

	TrustedHeader string
	TrustedQuery  string
}

// NewResolver builds the Resolver named by cfg.Mode.
func NewResolver(cfg Config) (Resolver, error) {
	const op = "identity.NewResolver"

	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case ModePaseto:
		v, err := NewPasetoV4Verifier(cfg)
		if err != nil {
			return nil, err
		}
		return NewTokenResolver(v), nil
	case ModeJWT:
		v, err := NewJWTVerifier(cfg)
		if err != nil {
			return nil, err
		}
		return NewTokenResolver(v), nil
	case ModeTrusted, "":
		return TrustedResolver{Header: cfg.TrustedHeader, Query: cfg.TrustedQuery}, nil
	default:
		return nil, OpError{Op: op, Kind: ErrConfig, Msg: "unknown identity mode " + cfg.Mode}
	}
}

// TokenResolver resolves bearer tokens through a Verifier.
type TokenResolver struct {
	verifier Verifier
	now      func() time.Time
}

// NewTokenResolver wraps v.
func NewTokenResolver(v Verifier) *TokenResolver {
	return &TokenResolver{verifier: v, now: func() time.Time { return time.Now().UTC() }}
}

func (t *TokenResolver) Resolve(r *http.Request) (string, error) {
	tok := BearerToken(r)
	if tok == "" {
		return "", nil
	}
	claims, err := t.verifier.Verify(tok, t.now())
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// TrustedResolver takes the user id from a header or query parameter as-is.
// Development only: any client can claim any id.
type TrustedResolver struct {
	Header string
	Query  string
}

const (
	defaultTrustedHeader = "X-User-ID"
	defaultTrustedQuery  = "user_id"
	maxUserIDLen         = 128
)

func (t TrustedResolver) Resolve(r *http.Request) (string, error) {
	header := t.Header
	if header == "" {
		header = defaultTrustedHeader
	}
	query := t.Query
	if query == "" {
		query = defaultTrustedQuery
	}

	id := strings.TrimSpace(r.Header.Get(header))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get(query))
	}
	if id == "" {
		return "", nil
	}
	if len(id) > maxUserIDLen || strings.ContainsAny(id, " \t\r\n") {
		return "", OpError{Op: "identity.TrustedResolver", Kind: ErrInvalidToken, Msg: "malformed user id"}
	}
	return id, nil
}

// BearerToken extracts a token from "Authorization: Bearer <t>" or, for browser
// WebSocket handshakes that cannot set headers, the access_token query parameter.
func BearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFrom returns the authenticated user id stored by Require.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Require rejects requests without a valid identity with 401 and stores the
// resolved user id in the request context.
func Require(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := res.Resolve(r)
			if err != nil {
				writeUnauthorized(w, "invalid credentials")
				return
			}
			if id == "" {
				writeUnauthorized(w, "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": msg},
	})
}
