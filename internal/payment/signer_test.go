package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSignerMatchesHMACOverOrderAndPayment(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("order_1|pay_1"))
	want := hex.EncodeToString(mac.Sum(nil))

	s := NewSigner("s3cret")
	assert.Equal(t, want, s.Sign("order_1", "pay_1"))
	assert.True(t, s.Verify("order_1", "pay_1", want))
	assert.True(t, s.Verify("order_1", "pay_1", strings.ToUpper(want)))
}

func TestSignerRejects(t *testing.T) {
	s := NewSigner("s3cret")
	sig := s.Sign("order_1", "pay_1")

	assert.False(t, s.Verify("order_1", "pay_2", sig))
	assert.False(t, s.Verify("order_2", "pay_1", sig))
	assert.False(t, NewSigner("other").Verify("order_1", "pay_1", sig))
	assert.False(t, s.Verify("order_1", "pay_1", ""))
	assert.False(t, NewSigner("").VerifyBody([]byte("x"), NewSigner("").SignBody([]byte("x"))))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(18000), MinorUnits(decimal.RequireFromString("180")))
	assert.Equal(t, int64(1999), MinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
}
