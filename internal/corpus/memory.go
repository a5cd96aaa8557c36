package corpus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs.
// Semantics mirror the SQL stores, including conditional embedding
// preservation on upsert.
type MemoryStore struct {
	mu      sync.Mutex
	dim     int
	jobs    map[string]*JobRecord
	resumes map[string]*ResumeRecord
}

// NewMemoryStore creates an empty in-memory corpus.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:     dim,
		jobs:    make(map[string]*JobRecord),
		resumes: make(map[string]*ResumeRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

// Upsert inserts or refreshes each record under a single lock per call.
func (s *MemoryStore) Upsert(_ context.Context, recs []JobRecord) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	for i := range recs {
		rec := recs[i]
		if len(rec.Embedding) > 0 && s.dim > 0 && len(rec.Embedding) != s.dim {
			slog.Warn("corpus: dropping bad vector", slog.String("key", rec.Key), slog.Int("len", len(rec.Embedding)))
			rec.Embedding = nil
		}
		prev, ok := s.jobs[rec.Key]
		if !ok {
			stored := rec
			stored.Embedding = cloneVec(rec.Embedding)
			stored.UpdatedAt = time.Now().UTC()
			s.jobs[rec.Key] = &stored
			res.Inserted++
			continue
		}
		if len(rec.Embedding) == 0 {
			if rec.Description == prev.Description && prev.HasEmbedding() {
				rec.Embedding = prev.Embedding
			} else if rec.Description != prev.Description {
				prev.Similarity = nil
			}
		}
		stored := rec
		stored.Embedding = cloneVec(rec.Embedding)
		stored.Similarity = prev.Similarity
		stored.UpdatedAt = time.Now().UTC()
		s.jobs[rec.Key] = &stored
		res.Updated++
	}
	return res, nil
}

// Get returns a copy of the record for key, or nil if absent.
func (s *MemoryStore) Get(_ context.Context, key string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Embedding = cloneVec(rec.Embedding)
	return &out, nil
}

// ReadAll returns matching records ordered by key.
func (s *MemoryStore) ReadAll(_ context.Context, f Filter) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobRecord
	for _, rec := range s.jobs {
		if !f.Match(rec) {
			continue
		}
		cp := *rec
		cp.Embedding = cloneVec(rec.Embedding)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// UpdateSimilarity sets the score for one record; missing keys are logged.
func (s *MemoryStore) UpdateSimilarity(_ context.Context, key string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[key]
	if !ok {
		slog.Warn("corpus: similarity update lost, key not found", slog.String("key", key))
		return nil
	}
	v := score
	rec.Similarity = &v
	return nil
}

// SaveResume inserts or replaces a resume by name.
func (s *MemoryStore) SaveResume(_ context.Context, r ResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := r
	stored.Embedding = cloneVec(r.Embedding)
	stored.UpdatedAt = time.Now().UTC()
	s.resumes[r.Name] = &stored
	return nil
}

// GetResume returns a copy of the resume for name, or nil if absent.
func (s *MemoryStore) GetResume(_ context.Context, name string) (*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resumes[name]
	if !ok {
		return nil, nil
	}
	out := *r
	out.Embedding = cloneVec(r.Embedding)
	return &out, nil
}

func cloneVec(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
