package orders

import (
	"crypto/rand"
	"fmt"
	"time"
)

const orderNumberAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const orderNumberSuffixLen = 8

// NewOrderNumber returns ORD-<yyyymmdd>-<suffix>. The suffix avoids characters
// that read ambiguously on receipts.
func NewOrderNumber(now time.Time) (string, error) {
	buf := make([]byte, orderNumberSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	for i, b := range buf {
		buf[i] = orderNumberAlphabet[int(b)%len(orderNumberAlphabet)]
	}
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), buf), nil
}
