package phoneutil

import (
	"strings"
	"unicode"
)

// local subscriber numbers are 8 digits, the country code is 961
const (
	CountryCode = "961"
	LocalLength = 8
)

func digitsOnly(s string) string {
	var out strings.Builder
	for _, c := range s {
		if unicode.IsDigit(c) {
			out.WriteRune(c)
		}
	}
	return out.String()
}

// Normalize converts a phone number into the canonical 8-digit local
// form: non-digits are dropped, a leading country code is stripped and
// 7-digit numbers (mobile numbers that lost their leading zero
// somewhere upstream) are padded back to 8 digits.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(phone string) string {
	p := digitsOnly(phone)

	if strings.HasPrefix(p, CountryCode) && len(p) > LocalLength+1 {
		p = p[len(CountryCode):]
	}
	if len(p) == LocalLength-1 {
		p = "0" + p
	}
	return p
}

// Full renders the canonical international form ("961" + number
// without its leading zero).
func Full(phone string) string {
	p := Normalize(phone)
	return CountryCode + strings.TrimPrefix(p, "0")
}

// IsValid reports whether the normalized number has the expected local
// length.
func IsValid(phone string) bool {
	return len(Normalize(phone)) == LocalLength
}

// SplitConcatenated repairs a known upstream corruption where two
// subscriber numbers end up glued into one string joined by an
// embedded country code, e.g. "7659002696170313250" is really
// "76590026" + "961" + "70313250". It greedily re-splits the string
// into valid-length candidates and returns them in order.
//
// The repair exists purely for backward data compatibility; when the
// upstream stops emitting corrupt values this function can be removed
// without touching Normalize.
func SplitConcatenated(phone string) []string {
	p := digitsOnly(phone)
	if len(p) <= LocalLength+3 {
		return []string{Normalize(p)}
	}

	for n := LocalLength; n <= LocalLength+3 && n < len(p); n++ {
		first := p[:n]
		rest := p[n:]
		if !strings.HasPrefix(rest, CountryCode) {
			continue
		}
		second := rest[len(CountryCode):]

		a := Normalize(first)
		b := Normalize(second)
		if len(a) == LocalLength && len(b) == LocalLength {
			return []string{a, b}
		}
	}

	return []string{Normalize(p)}
}
