package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
)

// Verifier checks the hex HMAC-SHA256 of a raw webhook body.
type Verifier struct {
	Secret string
}

func (v Verifier) Verify(body []byte, signature string) error {
	if v.Secret == "" {
		return domain.E(domain.KindInvalidSignature, "webhook secret not configured")
	}
	sig := strings.ToLower(strings.TrimSpace(signature))
	if sig == "" {
		return domain.E(domain.KindInvalidSignature, "missing webhook signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return domain.E(domain.KindInvalidSignature, "malformed webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.E(domain.KindInvalidSignature, "webhook signature mismatch")
	}
	return nil
}

// Sign returns the signature a gateway would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
