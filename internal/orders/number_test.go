package orders

import (
	"regexp"
	"testing"
	"time"
)

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{8}-[2-9A-HJKMNP-Z]{8}$`)

func TestNewOrderNumberFormat(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		number, err := NewOrderNumber(now)
		if err != nil {
			t.Fatalf("NewOrderNumber: %v", err)
		}
		if !orderNumberPattern.MatchString(number) {
			t.Fatalf("unexpected order number %q", number)
		}
		if number[4:12] != "20260304" {
			t.Fatalf("expected date prefix in %q", number)
		}
		seen[number] = struct{}{}
	}
	if len(seen) < 45 {
		t.Fatalf("expected mostly unique numbers, got %d distinct", len(seen))
	}
}
