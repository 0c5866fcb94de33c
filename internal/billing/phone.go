package billing

import "strings"

// countryPrefix is the Brazilian country code used by the channel's
// addressing scheme.
const countryPrefix = "55"

// NormalizePhone converts a free-form phone string into the channel's
// canonical digits-only form.
//
// Rules, in order:
//  1. strip every non-digit character
//  2. drop a single leading zero (long-distance dialing prefix)
//  3. prepend the country code when the number is shorter than 13 digits
//     and not already country-prefixed
//
// It is a total function: malformed input normalizes to whatever digits remain.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	digits = strings.TrimPrefix(digits, "0")

	if len(digits) < 13 && !strings.HasPrefix(digits, countryPrefix) {
		return countryPrefix + digits
	}
	return digits
}
