package parser

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

var (
	amountPattern  = regexp.MustCompile(`\d{1,3}(?:[ .,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`)
	symbolPattern  = regexp.MustCompile(`[€$£¥₹₽₩]`)
	isoCodePattern = regexp.MustCompile(`\b([A-Z]{3})\b`)

	currencySymbols = map[string]string{
		"€": "EUR",
		"$": "USD",
		"£": "GBP",
		"¥": "JPY",
		"₹": "INR",
		"₽": "RUB",
		"₩": "KRW",
	}
)

// ParsePrice extracts an amount and, when present, an ISO currency code from
// display text like "€49,90", "49.99 $" or "SEK 1 299". When the text holds
// several numbers the one closest to the currency marker wins, so "Size 38
// €49,90" reads as 49.90.
func ParsePrice(text string) (amount float64, code string, ok bool) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return 0, "", false
	}

	amounts := amountPattern.FindAllStringIndex(text, -1)
	if len(amounts) == 0 {
		return 0, "", false
	}

	best := amounts[0]
	anchor, code := currencyAnchor(text)
	if anchor != nil {
		best = closestTo(amounts, anchor)
	}

	amount, err := parseAmount(text[best[0]:best[1]])
	if err != nil {
		return 0, "", false
	}
	return amount, code, true
}

// currencyAnchor locates the first currency symbol, falling back to the first
// valid ISO code.
func currencyAnchor(text string) ([]int, string) {
	if loc := symbolPattern.FindStringIndex(text); loc != nil {
		return loc, currencySymbols[text[loc[0]:loc[1]]]
	}
	for _, loc := range isoCodePattern.FindAllStringSubmatchIndex(text, -1) {
		if iso, ok := NormalizeCurrency(text[loc[2]:loc[3]]); ok {
			return loc[:2], iso
		}
	}
	return nil, ""
}

func closestTo(amounts [][]int, anchor []int) []int {
	best, bestGap := amounts[0], -1
	for _, loc := range amounts {
		gap := loc[0] - anchor[1]
		if loc[1] <= anchor[0] {
			gap = anchor[0] - loc[1]
		}
		if bestGap < 0 || gap < bestGap {
			best, bestGap = loc, gap
		}
	}
	return best
}

// NormalizeCurrency validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if iso, ok := currencySymbols[code]; ok {
		return iso, true
	}
	if len(code) != 3 {
		return "", false
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

// parseAmount accepts both "1.299,00" and "1,299.00" styles. A single
// separator followed by exactly three digits is read as a thousands
// separator.
func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	}

	return strconv.ParseFloat(s, 64)
}

func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}

	idx := strings.Index(s, sep)
	if len(s)-idx-1 == 3 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}
