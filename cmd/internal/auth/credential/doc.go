// Package credential issues and verifies the short-lived signed credentials devices present
// on the realtime channel and the REST surface.
//
// A credential binds {user_id, email, device_id, session_id} to an issue and expiry time.
// Two wire formats are supported behind the Manager interface:
//   - jwt: HS256 JWT (golang-jwt/jwt/v5), keyed from the server secret.
//   - paseto: PASETO v4.public (Ed25519), for deployments that want asymmetric verification.
//
// Every Issue call embeds a fresh random jti, so a refreshed credential never equals the one
// it replaces even when minted within the same second.
package credential
