// Package identity resolves the authenticated user behind an HTTP request or a
// WebSocket handshake.
//
// Token issuance and account management live in an external service; this package
// only verifies bearer tokens (PASETO v4.public or HS256 JWT) or, in development,
// trusts a user id supplied by the client.
package identity
