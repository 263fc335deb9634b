package money

import "testing"

func TestPercentTruncates(t *testing.T) {
	// 550 * 5 / 100 = 27.5 -> 27, fractional units drop in the customer's favor
	if got := Percent(550, 5); got != 27 {
		t.Fatalf("expected 27, got %d", got)
	}
	if got := Percent(500, 10); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestFromFloatRoundsHalfAwayFromZero(t *testing.T) {
	if got := FromFloat(12.5); got != 13 {
		t.Fatalf("expected 13, got %d", got)
	}
	if got := FromFloat(12.4); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := FromFloat(-12.5); got != -13 {
		t.Fatalf("expected -13, got %d", got)
	}
}

func TestScale(t *testing.T) {
	if got := Scale(550, 0.5); got != 275 {
		t.Fatalf("expected 275, got %d", got)
	}
	if got := Scale(100, 1.0); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 || Max(3, 5) != 5 {
		t.Fatal("min/max wrong")
	}
}
