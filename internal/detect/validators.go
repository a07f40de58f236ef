package detect

import (
	"math/big"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Verdict is the outcome of checking a pattern match beyond its regex.
type Verdict int

const (
	// Plausible keeps the pattern score.
	Plausible Verdict = iota
	// Valid means a checksum verified the value; the score becomes 1.0.
	Valid
	// Invalid drops the match or caps its score, depending on the recognizer.
	Invalid
)

// Validator inspects text[start:end]. It may look at neighbouring runes,
// which the RE2 syntax cannot express with lookarounds.
type Validator func(text string, start, end int) Verdict

var validators = map[string]Validator{
	"luhn":   validateLuhn,
	"iban":   validateIBAN,
	"us_ssn": validateUSSSN,
	"phone":  validatePhone,
	"ip":     validateIP,
	"date":   validateDate,
}

func LookupValidator(name string) (Validator, bool) {
	v, ok := validators[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func ValidatorNames() []string {
	return []string{"date", "iban", "ip", "luhn", "phone", "us_ssn"}
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigitRune(r rune) bool { return r >= '0' && r <= '9' }

// digitNeighbour reports whether a digit sits directly before start or after end.
func digitNeighbour(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isDigitRune(r) {
			return true
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isDigitRune(r) {
			return true
		}
	}
	return false
}

func validateLuhn(text string, start, end int) Verdict {
	if digitNeighbour(text, start, end) {
		return Invalid
	}
	digits := digitsOf(text[start:end])
	if len(digits) < 13 || len(digits) > 19 {
		return Invalid
	}
	if luhnValid(digits) {
		return Valid
	}
	return Invalid
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

var ibanLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24, "DE": 22,
	"DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22, "GR": 27, "HR": 21,
	"HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21, "LT": 20, "LU": 20, "LV": 21,
	"MC": 27, "MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25, "RO": 24, "SE": 24,
	"SI": 19, "SK": 24, "SM": 27,
}

func validateIBAN(text string, start, end int) Verdict {
	iban := strings.ToUpper(strings.ReplaceAll(text[start:end], " ", ""))
	if len(iban) < 15 {
		return Invalid
	}
	if want, ok := ibanLengths[iban[:2]]; ok && len(iban) != want {
		return Invalid
	}
	rearranged := iban[4:] + iban[:4]
	var numeric strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			numeric.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			numeric.WriteString(strconv.Itoa(int(r-'A') + 10))
		default:
			return Invalid
		}
	}
	n, ok := new(big.Int).SetString(numeric.String(), 10)
	if !ok {
		return Invalid
	}
	if new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1 {
		return Valid
	}
	return Invalid
}

func validateUSSSN(text string, start, end int) Verdict {
	if digitNeighbour(text, start, end) {
		return Invalid
	}
	d := digitsOf(text[start:end])
	if len(d) != 9 {
		return Invalid
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' || group == "00" || serial == "0000" {
		return Invalid
	}
	if strings.Count(d, d[:1]) == len(d) {
		return Invalid
	}
	return Plausible
}

func validatePhone(text string, start, end int) Verdict {
	if digitNeighbour(text, start, end) {
		return Invalid
	}
	n := len(digitsOf(text[start:end]))
	if n < 7 || n > 15 {
		return Invalid
	}
	return Plausible
}

func validateIP(text string, start, end int) Verdict {
	if digitNeighbour(text, start, end) {
		return Invalid
	}
	if end < len(text)-1 && text[end] == '.' && isDigitRune(rune(text[end+1])) {
		return Invalid
	}
	if _, err := netip.ParseAddr(text[start:end]); err != nil {
		return Invalid
	}
	return Plausible
}

var ordinalSuffix = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)

var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006", "2/1/2006", "1/2/06", "2/1/06",
	"1-2-2006", "2-1-2006",
	"1.2.2006", "2.1.2006",
	"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006",
	"2 January 2006", "2 Jan 2006", "2 January, 2006",
}

func validateDate(text string, start, end int) Verdict {
	if digitNeighbour(text, start, end) {
		return Invalid
	}
	s := strings.Join(strings.FieldsFunc(text[start:end], unicode.IsSpace), " ")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "Sept ", "Sep ")
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return Plausible
		}
	}
	return Invalid
}
