package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Salary patterns found in free-text descriptions, most specific first:
// "$120,000 - $150,000", "$120K - $150K", "$150K", "$150,000.00",
// "$40 to $60/hour" (annualized at 40h × 52w).
var (
	salaryRangeRe  = regexp.MustCompile(`\$([\d,]+(?:\.\d{2})?)\s*([Kk])?\s*-\s*\$([\d,]+(?:\.\d{2})?)\s*([Kk])?`)
	salaryKRe      = regexp.MustCompile(`\$([\d.]+)[Kk]`)
	salaryPlainRe  = regexp.MustCompile(`\$([\d,]+(?:\.\d{2})?)`)
	salaryHourlyRe = regexp.MustCompile(`\$([\d.]+)\s*to\s*\$([\d.]+)/hour`)

	retirement401kRe = regexp.MustCompile(`\$?401[Kk]`)
)

// ExtractSalary pulls an annual salary range out of description text.
// Returns (0, 0) when nothing parseable is found. Values under 100 are
// treated as thousands ("$95" in a salary context means $95,000).
func ExtractSalary(text string) (low, high float64) {
	if text == "" {
		return 0, 0
	}
	// "$401K match" is a retirement plan, not a salary.
	text = retirement401kRe.ReplaceAllString(text, "")

	if m := salaryRangeRe.FindStringSubmatch(text); m != nil {
		low = parseAmount(m[1], m[2] != "")
		high = parseAmount(m[3], m[4] != "")
	} else if m := salaryKRe.FindStringSubmatch(text); m != nil {
		low = parseAmount(m[1], true)
		high = low
	} else if m := salaryHourlyRe.FindStringSubmatch(text); m != nil {
		low = parseFloat(m[1]) * 40 * 52
		high = parseFloat(m[2]) * 40 * 52
	} else if m := salaryPlainRe.FindStringSubmatch(text); m != nil {
		low = parseAmount(m[1], false)
		high = low
	}

	if low > 0 && low < 100 {
		low *= 1000
	}
	if high > 0 && high < 100 {
		high *= 1000
	}
	return low, high
}

func parseAmount(s string, thousands bool) float64 {
	v := parseFloat(s)
	if thousands {
		v *= 1000
	}
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v
}
