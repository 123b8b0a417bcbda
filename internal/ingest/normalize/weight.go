package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	packRe   = regexp.MustCompile(`(?i)^\s*(\d+)\s*[x×]\s*(.+)$`)
	weightRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(kg|kilos?|kilograms?|g|grams?|gr|oz|ounces?|lbs?|pounds?)\b`)
	bareRe   = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*$`)
)

const (
	gramsPerOunce = 28.3495
	gramsPerPound = 453.592
)

// ParseWeight extracts a weight in grams and a pack count from free text
// ("250g", "0.5kg", "8.8oz", "1 lb", "2 x 250g"). A bare number with no
// unit is read as grams. Returns ok=false when no weight can be read.
func ParseWeight(text string) (grams, packCount int, ok bool) {
	packCount = 1
	rest := text
	if m := packRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 1 && n <= 24 {
			packCount = n
			rest = m[2]
		}
	}

	if m := weightRe.FindStringSubmatch(rest); m != nil {
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil {
			return 0, 1, false
		}
		switch unit := strings.ToLower(m[2]); unit[0] {
		case 'k':
			grams = int(math.Round(value * 1000))
		case 'g':
			grams = int(math.Round(value))
		case 'o':
			grams = int(math.Round(value * gramsPerOunce))
		case 'l', 'p':
			grams = int(math.Round(value * gramsPerPound))
		}
		if grams <= 0 {
			return 0, 1, false
		}
		return grams, packCount, true
	}

	if m := bareRe.FindStringSubmatch(rest); m != nil {
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil || value <= 0 {
			return 0, 1, false
		}
		// No unit given: grams is the documented default.
		return int(math.Round(value)), packCount, true
	}

	return 0, 1, false
}
