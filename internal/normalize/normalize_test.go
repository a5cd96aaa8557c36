package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJSearchFields(t *testing.T) {
	raw := RawPosting{
		"job_title":                  "Senior Data Scientist",
		"employer_name":              "Acme Corp",
		"job_city":                   "Austin",
		"job_state":                  "TX",
		"job_country":                "US",
		"job_description":            "Python, SQL, ML",
		"job_min_salary":             float64(120000),
		"job_max_salary":             float64(150000),
		"job_posted_at_datetime_utc": "2026-08-20T00:00:00Z",
		"job_apply_link":             "https://example.com/jobs/1",
		"employer_logo":              "https://example.com/logo.png", // dropped
	}

	rec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "acme corp|senior data scientist", rec.Key)
	assert.Equal(t, "Senior Data Scientist", rec.Title)
	assert.Equal(t, "Acme Corp", rec.Company)
	assert.Equal(t, "Austin, TX, US", rec.Location)
	assert.Equal(t, "Python, SQL, ML", rec.Description)
	assert.Equal(t, float64(120000), rec.SalaryLow)
	assert.Equal(t, float64(150000), rec.SalaryHigh)
	assert.Equal(t, "2026-08-20T00:00:00Z", rec.PostedDate)
	assert.Equal(t, "https://example.com/jobs/1", rec.URL)
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := RawPosting{
		"title":       "ML Engineer",
		"company":     "Initech",
		"description": "Go, Kubernetes",
		"location":    "Remote",
	}
	a, err := Normalize(raw)
	require.NoError(t, err)
	b, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizeAliasPriority(t *testing.T) {
	// A posting carrying two aliases of the same field must resolve the
	// same way on every call: the canonical name wins over source variants.
	raw := RawPosting{
		"job_title": "Engineer A",
		"title":     "Engineer B",
		"company":   "Acme",
	}
	first, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Engineer B", first.Title)

	for i := 0; i < 200; i++ {
		rec, err := Normalize(raw)
		require.NoError(t, err)
		require.Equal(t, first, rec, "call %d diverged", i)
	}
}

func TestNormalizeMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawPosting
		missing []string
	}{
		{"no title", RawPosting{"company": "Acme"}, []string{"title"}},
		{"no company", RawPosting{"title": "Engineer"}, []string{"company"}},
		{"whitespace title", RawPosting{"title": "   ", "company": "Acme"}, []string{"title"}},
		{"empty posting", RawPosting{}, []string{"title", "company"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			var nerr *Error
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, tt.missing, nerr.Missing)
		})
	}
}

func TestNormalizeErrorIsTyped(t *testing.T) {
	_, err := Normalize(RawPosting{"description": "orphan"})
	var nerr *Error
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
}

func TestNormalizeStripsHTMLDescription(t *testing.T) {
	rec, err := Normalize(RawPosting{
		"title":       "Backend Engineer",
		"company":     "Acme",
		"description": "<p>We need <strong>Go</strong> experience.</p>",
	})
	require.NoError(t, err)
	assert.NotContains(t, rec.Description, "<p>")
	assert.Contains(t, rec.Description, "Go")
}

func TestNormalizeSalaryFromDescription(t *testing.T) {
	rec, err := Normalize(RawPosting{
		"title":       "Data Engineer",
		"company":     "Acme",
		"description": "Compensation: $120K - $150K plus equity",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(120000), rec.SalaryLow)
	assert.Equal(t, float64(150000), rec.SalaryHigh)
}

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		company string
		title   string
		want    string
	}{
		{"basic", "Acme", "Data Scientist", "acme|data scientist"},
		{"case and spacing", "  ACME  ", "Data  Scientist ", "acme|data scientist"},
		{"punctuation", "Acme, Inc.", "Sr. Engineer (ML)", "acme inc|sr engineer ml"},
		{"identical postings collide", "Acme", "Data Scientist", Key("ACME", "data scientist")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.company, tt.title); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSalary(t *testing.T) {
	tests := []struct {
		name string
		text string
		low  float64
		high float64
	}{
		{"range", "base pay $120,000 - $150,000", 120000, 150000},
		{"range with K", "$120K - $150K", 120000, 150000},
		{"single K", "up to $150K", 150000, 150000},
		{"plain", "salary $150,000.00 per year", 150000, 150000},
		{"hourly", "$40 to $60/hour", 83200, 124800},
		{"small value scaled", "pays $95", 95000, 95000},
		{"401k ignored for range", "benefits include $401K match", 0, 0},
		{"nothing", "competitive compensation", 0, 0},
		{"empty", "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low, high := ExtractSalary(tt.text)
			if low != tt.low || high != tt.high {
				t.Errorf("ExtractSalary(%q) = (%v, %v), want (%v, %v)", tt.text, low, high, tt.low, tt.high)
			}
		})
	}
}
