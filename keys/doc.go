// Package keys signs and verifies custody proposals and keeps account seeds
// on the local filesystem.
//
// Public keys travel as "<alg>:<base64>" strings ("ed25519:..." or
// "dilithium3:..."), the same form the account directory stores. Signatures
// are base64 over a hash of the message: sha256 for ed25519, sha3-256 for
// dilithium3.
package keys
