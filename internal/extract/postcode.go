package extract

import (
	"fmt"
	"regexp"
	"strings"
)

var ukPostcode = regexp.MustCompile(`(?i)\b([A-Z]{1,2}\d{1,2}[A-Z]?)\s*(\d[A-Z]{2})\b`)

// NormalisePostcode finds a UK postcode in raw and formats it as "CF10 1AE".
func NormalisePostcode(raw string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(raw, "\u00a0", " "))
	m := ukPostcode.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("no UK postcode found in %q", raw)
	}
	return m[1] + " " + m[2], nil
}
