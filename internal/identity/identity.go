// Package identity implements the Braided identity layer.
//
// An identity is a 20-byte address derived from a secp256k1 public key, the
// same way EVM accounts are derived, so one key can write to an on-chain
// registry and to a registry server alike.
//
// It provides:
//   - Key: a secp256k1 private key and its address
//   - Signer: issues short-lived ES256K-R bearer tokens for a Key
//   - Verifier: verifies bearer tokens and recovers the signer address
//   - RequireToken: Gin middleware enforcing bearer token authentication
package identity
