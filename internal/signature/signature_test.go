package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/signature"
)

func TestSign_KnownVector(t *testing.T) {
	body := []byte(`{"agentId":"abraham"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, signature.New("s3cret").Sign(body))
}

func TestVerify_RoundTrip(t *testing.T) {
	v := signature.New("s3cret")
	bodies := [][]byte{
		nil,
		{},
		[]byte(`{}`),
		[]byte(`{"agentId":"solienne","title":"Untitled #4"}`),
		make([]byte, 64*1024),
	}
	for _, b := range bodies {
		assert.True(t, v.Verify(b, v.Sign(b)))
	}
}

func TestVerify_FlippedByte(t *testing.T) {
	v := signature.New("s3cret")
	body := []byte(`{"agentId":"abraham","workId":"W1"}`)
	sig := v.Sign(body)

	for i := range len(sig) {
		b := []byte(sig)
		b[i] ^= 0x01
		assert.False(t, v.Verify(body, string(b)), "flipped byte %d still verified", i)
	}
}

func TestVerify_LengthMismatch(t *testing.T) {
	v := signature.New("s3cret")
	body := []byte(`{"agentId":"abraham"}`)

	require.NotPanics(t, func() {
		assert.False(t, v.Verify(body, "sha256=deadbeef"))
		assert.False(t, v.Verify(body, ""))
		assert.False(t, v.Verify(body, v.Sign(body)+"00"))
	})
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"agentId":"abraham"}`)
	sig := signature.New("other").Sign(body)
	assert.False(t, signature.New("s3cret").Verify(body, sig))
}
