// Package corpus owns the persisted job and resume records and the
// store implementations the pipeline writes through.
package corpus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// JobRecord is one normalized job posting in the corpus.
// Key is the composite identity (normalized company|title) and is unique.
type JobRecord struct {
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	SalaryLow   float64   `json:"salary_low,omitempty"`
	SalaryHigh  float64   `json:"salary_high,omitempty"`
	PostedDate  string    `json:"posted_date,omitempty"`
	URL         string    `json:"url,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Similarity  *float64  `json:"resume_similarity,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// HasEmbedding reports whether the record carries a complete vector.
func (r *JobRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// EmbeddingText is the text the embedding is computed from.
// Description plus title, so near-identical descriptions for different
// roles still separate.
func (r *JobRecord) EmbeddingText() string {
	return r.Description + " " + r.Title
}

// ResumeRecord is one stored resume. Name is unique; upload replaces.
type ResumeRecord struct {
	Name      string    `json:"name"`
	RawText   string    `json:"raw_text"`
	Embedding []float32 `json:"embedding,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Filter is a conjunction of predicates for ReadAll. Zero values match all.
type Filter struct {
	MinSimilarity float64 // resume_similarity >= x (excludes unscored records when > 0)
	Location      string  // case-insensitive exact match
	Company       string  // case-insensitive exact match
	MinSalary     float64 // salary_high >= x
	ScoredOnly    bool    // only records with a similarity score
}

// Match reports whether rec satisfies every set predicate.
func (f Filter) Match(rec *JobRecord) bool {
	if f.MinSimilarity > 0 || f.ScoredOnly {
		if rec.Similarity == nil {
			return false
		}
		if *rec.Similarity < f.MinSimilarity {
			return false
		}
	}
	if f.Location != "" && !strings.EqualFold(f.Location, rec.Location) {
		return false
	}
	if f.Company != "" && !strings.EqualFold(f.Company, rec.Company) {
		return false
	}
	if f.MinSalary > 0 && rec.SalaryHigh < f.MinSalary {
		return false
	}
	return true
}

// UpsertResult counts the outcome of one Upsert call.
// Failed records are logged and skipped, never fatal to the batch.
type UpsertResult struct {
	Inserted int
	Updated  int
	Failed   int
}

// Store is the persistence contract the pipeline writes through.
// Upsert is idempotent per record; concurrent upserts of the same key
// resolve last-write-wins with no partial writes within a record.
type Store interface {
	// Upsert inserts records whose key is absent and refreshes the rest.
	// A stored embedding is preserved when the description is unchanged and
	// the incoming record carries none; a changed description invalidates
	// the stored embedding and similarity.
	Upsert(ctx context.Context, recs []JobRecord) (UpsertResult, error)

	// Get returns the record for key, or nil if absent.
	Get(ctx context.Context, key string) (*JobRecord, error)

	// ReadAll returns records matching the filter. Ordering is stable for
	// a given corpus state; presentation ordering is the caller's concern.
	ReadAll(ctx context.Context, f Filter) ([]JobRecord, error)

	// UpdateSimilarity sets resume_similarity for one record. A missing key
	// is logged and ignored (lost update, not an error).
	UpdateSimilarity(ctx context.Context, key string, score float64) error

	SaveResume(ctx context.Context, r ResumeRecord) error
	GetResume(ctx context.Context, name string) (*ResumeRecord, error)

	Close() error
}

// WriteError is an adapter-level failure for a single record.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("corpus write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
