package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"action":"opened","number":123}`)
	// echo -n '{"action":"opened","number":123}' | openssl dgst -sha256 -hmac 'test-secret'
	header := "sha256=2c4854fbccd6d98cff684aedfef5f0edee3d89d30c1bae27c7e111bc1e82c282"

	assert.NoError(t, VerifySignature(payload, header, testSecret))
	assert.True(t, ValidSignature(payload, header, testSecret))
	assert.Equal(t, header, Sign(payload, testSecret))
}

func TestVerifySignature_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("{}"),
		[]byte("not json at all"),
		[]byte(strings.Repeat("x", 1<<16)),
	}
	for _, payload := range payloads {
		assert.True(t, ValidSignature(payload, Sign(payload, testSecret), testSecret))
	}
}

func TestVerifySignature_SingleCharacterFlip(t *testing.T) {
	payload := []byte(`{"zen":"Design for failure."}`)
	header := Sign(payload, testSecret)
	digest := header[len(signaturePrefix):]
	require.Len(t, digest, 64)

	for i := range digest {
		flipped := []byte(digest)
		if flipped[i] == '0' {
			flipped[i] = '1'
		} else {
			flipped[i] = '0'
		}
		assert.False(t, ValidSignature(payload, signaturePrefix+string(flipped), testSecret), "position %d", i)
	}
}

func TestVerifySignature_Rejections(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	good := Sign(payload, testSecret)

	tests := []struct {
		name   string
		header string
		secret []byte
		want   error
	}{
		{"missing header", "", testSecret, ErrMissingSignature},
		{"sha1 prefix", "sha1=" + good[len(signaturePrefix):], testSecret, ErrSignaturePrefix},
		{"no prefix", good[len(signaturePrefix):], testSecret, ErrSignaturePrefix},
		{"prefix only", signaturePrefix, testSecret, ErrSignatureMismatch},
		{"digest too short", good[:len(good)-1], testSecret, ErrSignatureMismatch},
		{"digest too long", good + "0", testSecret, ErrSignatureMismatch},
		{"uppercase digest", signaturePrefix + strings.ToUpper(good[len(signaturePrefix):]), testSecret, ErrSignatureMismatch},
		{"wrong secret", good, []byte("other"), ErrSignatureMismatch},
		{"empty secret", Sign(payload, nil), nil, ErrEmptySecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.header, tt.secret)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
