package extractor

import (
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)

var currencyStripper = strings.NewReplacer(
	"£", "",
	"€", "",
	"$", "",
	",", "",
)

// ParsePrice extracts the first decimal number from a price string, ignoring
// currency symbols and thousands separators. It never fails: text without a
// number yields nil, and the raw text stays available for diagnostics.
func ParsePrice(text string) *float64 {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	cleaned := currencyStripper.Replace(text)
	match := numberPattern.FindString(cleaned)
	if match == "" {
		return nil
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}

	return &value
}
