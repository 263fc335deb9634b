package money

import "math"

// Amount is a monetary value in whole currency units (rupees).
//
// The source schema mixed INTEGER and REAL columns for money; here every
// amount is a signed 64-bit integer of whole units. Percentage fees use
// integer arithmetic and truncate the fractional part (550 at 5% is 27).
// Values derived from float inputs (per-km pay, surge scaling) round half
// away from zero before entering the integer domain.
type Amount int64

// FromFloat converts a float value to an Amount, rounding half away from zero.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f))
}

// Percent returns pct percent of base, truncating fractional units.
func Percent(base Amount, pct int64) Amount {
	return base * Amount(pct) / 100
}

// Scale multiplies an Amount by a float factor and rounds the result.
func Scale(a Amount, factor float64) Amount {
	return FromFloat(float64(a) * factor)
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}
