package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSign_SortsPartsBeforeHashing(t *testing.T) {
	sum := sha1.Sum([]byte("1409304348abcnonce"))
	require.Equal(t, hex.EncodeToString(sum[:]), Sign("nonce", "abc", "1409304348"))
	require.Equal(t, Sign("token", "123", "xyz"), Sign("xyz", "token", "123"))
}

func TestVerify_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		token := fmt.Sprintf("tok%d", r.Int63())
		ts := fmt.Sprintf("%d", r.Int31())
		nonce := fmt.Sprintf("n%x", r.Int63())
		sig := Sign(token, ts, nonce)
		require.True(t, Verify(token, sig, ts, nonce))
	}
}

func TestVerify_MutatedSignatureFails(t *testing.T) {
	sig := Sign("token", "1700000000", "nonce")
	for i := range sig {
		b := []byte(sig)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		require.False(t, Verify("token", string(b), "1700000000", "nonce"), "position %d", i)
	}
}

func TestVerify_WrongToken(t *testing.T) {
	sig := Sign("token", "1700000000", "nonce")
	require.False(t, Verify("other", sig, "1700000000", "nonce"))
}

func TestVerify_UppercaseSignatureAccepted(t *testing.T) {
	sig := Sign("token", "1", "2")
	require.True(t, Verify("token", fmt.Sprintf("%X", mustHex(t, sig)), "1", "2"))
}

func TestSign_ExtraPartChangesSignature(t *testing.T) {
	require.NotEqual(t, Sign("token", "1", "2"), Sign("token", "1", "2", "payload"))
	require.True(t, Verify("token", Sign("token", "1", "2", "payload"), "1", "2", "payload"))
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
