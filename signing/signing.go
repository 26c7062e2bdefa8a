// Package signing implements the challenge-response scheme validators
// use to prove possession of their key.
//
// A challenge is a plain UTF-8 string; validators sign its raw bytes
// with ed25519 (detached). Public keys travel base58-encoded and
// signatures base64-encoded. The templates below must match the
// signer byte-for-byte.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

var (
	ErrInvalidKeyLen = errors.New("public key has invalid length")
	ErrKeyMismatch   = errors.New("encoded key does not round-trip")
)

// RegistrationChallenge is the string a validator signs when signing up.
func RegistrationChallenge(token, pubKey string) string {
	return fmt.Sprintf("Signed message for %s, %s", token, pubKey)
}

// ValidationChallenge is the string a validator signs over a check result.
// The key is always the hub's record of the validator's key, never a value
// taken from the response itself.
func ValidationChallenge(url, token, pubKey string) string {
	return fmt.Sprintf("Validating %s for %s, %s", url, token, pubKey)
}

// EncodeKey returns the base58 form of an ed25519 public key.
func EncodeKey(key ed25519.PublicKey) string {
	return base58.Encode(key)
}

// DecodeKey parses a base58-encoded ed25519 public key.
func DecodeKey(key string) (ed25519.PublicKey, error) {
	raw := base58.Decode(key)
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLen
	}
	// base58.Decode swallows invalid characters, so make sure the
	// input really was the canonical encoding of these bytes.
	if base58.Encode(raw) != key {
		return nil, ErrKeyMismatch
	}
	return ed25519.PublicKey(raw), nil
}

// Sign produces the wire form of a detached signature over message.
func Sign(message string, priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

// Verify reports whether signature is a valid detached signature over
// message under the claimed key. Any decoding failure yields false;
// it never returns an error, so a probing peer learns nothing about
// why verification failed.
func Verify(message, pubKey, signature string) bool {
	key, err := DecodeKey(pubKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, []byte(message), sig)
}
