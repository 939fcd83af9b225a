package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

var (
	ErrMissingSignature  = errors.New("missing " + SignatureHeader + " header")
	ErrSignaturePrefix   = errors.New("invalid signature prefix")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrEmptySecret       = errors.New("webhook secret is empty")
)

// VerifySignature checks header against HMAC-SHA256(secret, payload) and
// returns the reason for rejection, or nil when the payload is authentic.
//
// The digest is compared as lowercase hex text with hmac.Equal, which runs in
// time independent of where the first differing byte sits. Only the length
// of the supplied digest can influence timing, and the valid length (64) is
// public.
func VerifySignature(payload []byte, header string, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrSignaturePrefix
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(header[len(signaturePrefix):])) {
		return ErrSignatureMismatch
	}
	return nil
}

// ValidSignature reports whether header is a valid signature of payload.
func ValidSignature(payload []byte, header string, secret []byte) bool {
	return VerifySignature(payload, header, secret) == nil
}

// Sign returns the header value GitHub would send for payload.
func Sign(payload []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
