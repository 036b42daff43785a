package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer computes and checks the provider's confirmation signature:
// lowercase hex of HMAC-SHA256(secret, orderID + "|" + paymentID).
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(externalOrderID, externalPaymentID string) string {
	return s.SignBody([]byte(externalOrderID + "|" + externalPaymentID))
}

func (s *Signer) Verify(externalOrderID, externalPaymentID, signature string) bool {
	return s.VerifyBody([]byte(externalOrderID+"|"+externalPaymentID), signature)
}

// SignBody signs an arbitrary payload, as the provider does for webhooks.
func (s *Signer) SignBody(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) VerifyBody(body []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	expected := s.SignBody(body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
