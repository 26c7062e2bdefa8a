package signing_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchtower/signing"
)

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := signing.EncodeKey(pub)

	msg := signing.RegistrationChallenge("0194fdc2-fa2f-4cc0-81d3-ff12045b73c8", key)
	sig := signing.Sign(msg, priv)

	require.True(t, signing.Verify(msg, key, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := signing.EncodeKey(pub)
	msg := signing.ValidationChallenge("https://example.com", "token-1", key)
	sig := signing.Sign(msg, priv)

	t.Run("flipped message byte", func(t *testing.T) {
		require.False(t, signing.Verify(msg+"x", key, sig))
	})
	t.Run("flipped signature byte", func(t *testing.T) {
		raw, err := base64.StdEncoding.DecodeString(sig)
		require.NoError(t, err)
		raw[0] ^= 0x01
		require.False(t, signing.Verify(msg, key, base64.StdEncoding.EncodeToString(raw)))
	})
	t.Run("different key", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		require.False(t, signing.Verify(msg, signing.EncodeKey(otherPub), sig))
	})
}

func TestVerifyClosedFail(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := signing.EncodeKey(pub)
	msg := "hello"
	sig := signing.Sign(msg, priv)

	t.Run("malformed key", func(t *testing.T) {
		require.False(t, signing.Verify(msg, "not-a-key", sig))
		require.False(t, signing.Verify(msg, "", sig))
		require.False(t, signing.Verify(msg, "0OIl", sig))
	})
	t.Run("malformed signature", func(t *testing.T) {
		require.False(t, signing.Verify(msg, key, "%%%"))
		require.False(t, signing.Verify(msg, key, ""))
		require.False(t, signing.Verify(msg, key, base64.StdEncoding.EncodeToString([]byte("short"))))
	})
}

func TestDecodeKey(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	decoded, err := signing.DecodeKey(signing.EncodeKey(pub))
	require.NoError(t, err)
	require.Equal(t, pub, decoded)

	_, err = signing.DecodeKey("tooshort")
	require.ErrorIs(t, err, signing.ErrInvalidKeyLen)
}

func TestChallengeTemplates(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Signed message for t1, k1", signing.RegistrationChallenge("t1", "k1"))
	require.Equal(
		t,
		"Validating https://example.com for t1, k1",
		signing.ValidationChallenge("https://example.com", "t1", "k1"),
	)
}
