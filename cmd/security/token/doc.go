// Package token provides opaque token primitives: generation, hashing for storage at rest,
// and key derivation from the single configured server secret.
//
// Hashing modes:
//   - HMAC-SHA256(token, key) when a key is configured (production).
//   - SHA-256(token) when no key is configured (dev only; rejected when policy requires HMAC).
//
// Output is always 64-char hex, suitable for storage and constant-time comparison.
package token
