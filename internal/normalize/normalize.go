// Package normalize converts loosely-typed raw job postings into
// canonical corpus records with a stable identity key.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/anatolykoptev/go_match/internal/corpus"
)

// RawPosting is an untyped posting as delivered by a job-search source.
// Field names vary per source; fieldAliases folds the known variants.
type RawPosting map[string]any

// Error reports a posting that cannot be normalized. The posting is
// skipped and counted; it never aborts sibling postings.
type Error struct {
	Missing []string
}

func (e *Error) Error() string {
	return "normalize: missing required fields: " + strings.Join(e.Missing, ", ")
}

// fieldAliases folds source-specific field names (JSearch API shapes,
// old dump formats) into canonical names. Sources are listed in
// priority order and the canonical name comes first, so already
// normalized input passes through and a posting carrying two aliases
// of the same field resolves the same way on every call.
var fieldAliases = []struct {
	canon   string
	sources []string
}{
	{"title", []string{"title", "job_title"}},
	{"company", []string{"company", "company_name", "employer_name"}},
	{"city", []string{"city", "job_city"}},
	{"state", []string{"state", "job_state"}},
	{"country", []string{"country", "job_country"}},
	{"location", []string{"location", "job_location"}},
	{"description", []string{"description", "job_description"}},
	{"salary_low", []string{"salary_low", "job_min_salary"}},
	{"salary_high", []string{"salary_high", "job_max_salary"}},
	{"date", []string{"date", "posted_date", "job_posted_at_datetime_utc"}},
	{"url", []string{"url", "job_url", "job_apply_link"}},
}

// Normalize converts one raw posting into a JobRecord.
// Required fields are title and company; their absence yields *Error.
// Pure: no I/O, deterministic for identical input.
func Normalize(raw RawPosting) (corpus.JobRecord, error) {
	fields := canonicalFields(raw)

	title := strings.TrimSpace(fields["title"])
	company := strings.TrimSpace(fields["company"])
	var missing []string
	if title == "" {
		missing = append(missing, "title")
	}
	if company == "" {
		missing = append(missing, "company")
	}
	if len(missing) > 0 {
		return corpus.JobRecord{}, &Error{Missing: missing}
	}

	rec := corpus.JobRecord{
		Key:         Key(company, title),
		Title:       title,
		Company:     company,
		Location:    location(fields),
		Description: cleanDescription(fields["description"]),
		PostedDate:  strings.TrimSpace(fields["date"]),
		URL:         strings.TrimSpace(fields["url"]),
	}

	rec.SalaryLow = numField(raw, "salary_low", "job_min_salary")
	rec.SalaryHigh = numField(raw, "salary_high", "job_max_salary")
	if rec.SalaryLow == 0 && rec.SalaryHigh == 0 {
		rec.SalaryLow, rec.SalaryHigh = ExtractSalary(rec.Description)
	}

	return rec, nil
}

// canonicalFields flattens raw string fields under canonical names,
// dropping anything outside the schema. Raw keys are matched
// case-insensitively; casing collisions resolve to the lexically
// smallest original key so the outcome never depends on map order.
func canonicalFields(raw RawPosting) map[string]string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lowered := make(map[string]any, len(raw))
	for _, k := range keys {
		lk := strings.ToLower(k)
		if _, ok := lowered[lk]; !ok {
			lowered[lk] = raw[k]
		}
	}

	out := make(map[string]string, len(fieldAliases))
	for _, f := range fieldAliases {
		for _, src := range f.sources {
			s, ok := stringValue(lowered[src])
			if !ok || s == "" {
				continue
			}
			out[f.canon] = s
			break
		}
	}
	return out
}

// location prefers an explicit location field, else assembles city/state/country.
func location(fields map[string]string) string {
	if loc := strings.TrimSpace(fields["location"]); loc != "" {
		return loc
	}
	var parts []string
	for _, k := range []string{"city", "state", "country"} {
		if v := strings.TrimSpace(fields[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// cleanDescription strips HTML markup when present, returning plain text.
func cleanDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" || !strings.Contains(desc, "<") {
		return desc
	}
	md, err := htmltomarkdown.ConvertString(desc)
	if err != nil || md == "" {
		return desc
	}
	return strings.TrimSpace(md)
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		return fmt.Sprintf("%v", t), true
	case int:
		return fmt.Sprintf("%d", t), true
	case bool, nil:
		return "", false
	default:
		return "", false
	}
}

func numField(raw RawPosting, keys ...string) float64 {
	for _, k := range keys {
		switch t := raw[k].(type) {
		case float64:
			return t
		case int:
			return float64(t)
		}
	}
	return 0
}
