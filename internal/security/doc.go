// Package security provides cryptographic primitives for the platform:
//
//   - TLS certificate generation and management (ECDSA P-384)
//   - Platform identity keypair (Ed25519)
//   - Device credential signing and verification (HMAC-SHA-512)
//   - Enrollment token and API key generation
//   - HTTP authentication middleware
//
// Display clients and mobile apps authenticate their WebSocket
// registration with an HMAC credential issued at enrollment; the
// management API authenticates with hashed API keys. Both are bound to
// the server's Ed25519 platform identity, so credentials from one
// deployment are useless against another.
package security
