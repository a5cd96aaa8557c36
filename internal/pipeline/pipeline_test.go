package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/anatolykoptev/go_match/internal/corpus"
	"github.com/anatolykoptev/go_match/internal/embed"
	"github.com/anatolykoptev/go_match/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

// fakeEmbedder produces deterministic vectors from text bytes, with
// per-call failure injection.
type fakeEmbedder struct {
	calls    int
	oneCalls int
	vecs     map[string][]float32
	failIdx  map[int]bool
	quota    bool
	oneErr   error
}

func (f *fakeEmbedder) Dimensions() int { return testDim }

func (f *fakeEmbedder) vector(text string) []float32 {
	if v, ok := f.vecs[text]; ok {
		return v
	}
	v := make([]float32, testDim)
	for i, b := range []byte(text) {
		v[i%testDim] += float32(b)
	}
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.quota {
		return nil, &embed.QuotaError{StatusCode: 429, Code: "insufficient_quota"}
	}
	out := make([][]float32, len(texts))
	var failed []int
	for i, t := range texts {
		if f.failIdx[i] {
			failed = append(failed, i)
			continue
		}
		out[i] = f.vector(t)
	}
	if len(failed) > 0 {
		return out, &embed.ServiceError{Indices: failed, Err: errors.New("upstream 500")}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	f.oneCalls++
	if f.quota {
		return nil, &embed.QuotaError{StatusCode: 429, Code: "insufficient_quota"}
	}
	if f.oneErr != nil {
		return nil, f.oneErr
	}
	return f.vector(text), nil
}

func posting(title, company, desc string) normalize.RawPosting {
	return normalize.RawPosting{
		"job_title":       title,
		"employer_name":   company,
		"job_description": desc,
	}
}

func newPipeline(t *testing.T, emb Embedder) (*Pipeline, *corpus.MemoryStore) {
	t.Helper()
	store := corpus.NewMemoryStore(testDim)
	p, err := New(Config{Store: store, Embedder: emb, Workers: 2})
	require.NoError(t, err)
	return p, store
}

func TestNewRequiresWiring(t *testing.T) {
	_, err := New(Config{Embedder: &fakeEmbedder{}})
	require.Error(t, err)
	_, err = New(Config{Store: corpus.NewMemoryStore(testDim)})
	require.Error(t, err)
}

func TestRunEndToEnd(t *testing.T) {
	emb := &fakeEmbedder{}
	p, store := newPipeline(t, emb)

	raws := []normalize.RawPosting{
		posting("Go Developer", "Acme", "old description"),
		posting("Go Developer", "Acme", "builds backend services in Go"),
		posting("", "Acme", "no title on this one"),
		posting("Data Engineer", "Initech", "maintains spark pipelines"),
	}
	sum, err := p.Run(t.Context(), raws, &Resume{Name: "main", Text: "go backend engineer"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, sum.Status)
	assert.Equal(t, 4, sum.Ingested)
	assert.Equal(t, 1, sum.NormalizedFailed)
	assert.Equal(t, 2, sum.Embedded)
	assert.Equal(t, 2, sum.Scored)
	assert.Equal(t, 2, sum.Updated)
	assert.NotEmpty(t, sum.RunID)

	// Duplicate key collapsed to one record carrying the later description.
	jobs, err := store.ReadAll(t.Context(), corpus.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	rec, err := store.Get(t.Context(), normalize.Key("Acme", "Go Developer"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "builds backend services in Go", rec.Description)
	assert.True(t, rec.HasEmbedding())
	require.NotNil(t, rec.Similarity)
	assert.GreaterOrEqual(t, *rec.Similarity, 0.0)
	assert.LessOrEqual(t, *rec.Similarity, 1.0)
}

func TestRunWithoutResumeSkipsScoring(t *testing.T) {
	emb := &fakeEmbedder{}
	p, store := newPipeline(t, emb)

	sum, err := p.Run(t.Context(), []normalize.RawPosting{posting("Dev", "Acme", "desc")}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, sum.Status)
	assert.True(t, sum.NoResume)
	assert.Zero(t, sum.Scored)
	assert.Zero(t, sum.Updated)

	rec, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.HasEmbedding())
	assert.Nil(t, rec.Similarity)
}

func TestRunUnchangedPostingSkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	p, store := newPipeline(t, emb)
	raws := []normalize.RawPosting{posting("Dev", "Acme", "stable description")}
	resume := &Resume{Name: "main", Text: "resume text"}

	sum, err := p.Run(t.Context(), raws, resume)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Embedded)
	first, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)

	sum, err = p.Run(t.Context(), raws, resume)
	require.NoError(t, err)
	assert.Zero(t, sum.Embedded)
	assert.Equal(t, 1, emb.calls, "second run must not re-embed an unchanged posting")
	assert.Equal(t, 1, emb.oneCalls, "stored resume embedding must be reused")

	second, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)
	assert.Equal(t, first.Embedding, second.Embedding)
}

func TestRunChangedDescriptionReembeds(t *testing.T) {
	emb := &fakeEmbedder{}
	p, store := newPipeline(t, emb)
	resume := &Resume{Name: "main", Text: "resume text"}

	_, err := p.Run(t.Context(), []normalize.RawPosting{posting("Dev", "Acme", "v1")}, resume)
	require.NoError(t, err)
	first, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)

	sum, err := p.Run(t.Context(), []normalize.RawPosting{posting("Dev", "Acme", "v2 rewritten")}, resume)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Embedded)

	second, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)
	assert.Equal(t, "v2 rewritten", second.Description)
	assert.NotEqual(t, first.Embedding, second.Embedding)
}

func TestRunPartialEmbeddingFailure(t *testing.T) {
	emb := &fakeEmbedder{failIdx: map[int]bool{1: true}}
	p, store := newPipeline(t, emb)

	raws := []normalize.RawPosting{
		posting("Dev", "Acme", "healthy record"),
		posting("Ops", "Initech", "this one fails"),
	}
	sum, err := p.Run(t.Context(), raws, &Resume{Name: "main", Text: "resume text"})
	require.NoError(t, err, "chunk failures must not abort the run")

	assert.Equal(t, StatusDone, sum.Status)
	assert.Equal(t, 1, sum.Embedded)
	assert.Equal(t, 1, sum.EmbeddingFailed)
	assert.Equal(t, 1, sum.Scored)
	assert.Equal(t, 1, sum.SkippedUnembedded)

	// The failed record is persisted without a vector and stays pending.
	rec, err := store.Get(t.Context(), normalize.Key("Initech", "Ops"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.HasEmbedding())

	// A later run with no new postings sweeps and embeds the straggler.
	emb.failIdx = nil
	sum, err = p.Run(t.Context(), nil, &Resume{Name: "main", Text: "resume text"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Embedded)
	assert.Equal(t, 2, sum.Scored)
	assert.Zero(t, sum.SkippedUnembedded)

	rec, err = store.Get(t.Context(), normalize.Key("Initech", "Ops"))
	require.NoError(t, err)
	assert.True(t, rec.HasEmbedding())
}

func TestRunQuotaFailureIsFatal(t *testing.T) {
	emb := &fakeEmbedder{quota: true}
	p, store := newPipeline(t, emb)

	sum, err := p.Run(t.Context(), []normalize.RawPosting{posting("Dev", "Acme", "desc")}, &Resume{Name: "main", Text: "r"})
	require.Error(t, err)
	var quotaErr *embed.QuotaError
	assert.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, StatusFailed, sum.Status)

	// Halted before persisting: no partial state.
	jobs, err := store.ReadAll(t.Context(), corpus.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunResumeEmbedFailureIsNonFatal(t *testing.T) {
	emb := &fakeEmbedder{oneErr: errors.New("upstream 503")}
	p, store := newPipeline(t, emb)

	sum, err := p.Run(t.Context(), []normalize.RawPosting{posting("Dev", "Acme", "desc")}, &Resume{Name: "main", Text: "r"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, sum.Status)
	assert.True(t, sum.NoResume)
	assert.Zero(t, sum.Scored)

	// Postings were still persisted before the resume step.
	rec, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestRunUnknownResumeNameIsNonFatal(t *testing.T) {
	p, _ := newPipeline(t, &fakeEmbedder{})
	sum, err := p.Run(t.Context(), nil, &Resume{Name: "missing"})
	require.NoError(t, err)
	assert.True(t, sum.NoResume)
	assert.Equal(t, StatusDone, sum.Status)
}

func TestRunSimilarityBounds(t *testing.T) {
	match := posting("Dev", "Acme", "identical vector")
	anti := posting("Ops", "Initech", "opposite vector")
	resumeText := "the resume"

	emb := &fakeEmbedder{vecs: map[string][]float32{
		"identical vector Dev": {1, 0, 0, 0},
		"opposite vector Ops":  {-1, 0, 0, 0},
		resumeText:             {1, 0, 0, 0},
	}}
	p, store := newPipeline(t, emb)

	sum, err := p.Run(t.Context(), []normalize.RawPosting{match, anti}, &Resume{Name: "main", Text: resumeText})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)

	recA, err := store.Get(t.Context(), normalize.Key("Acme", "Dev"))
	require.NoError(t, err)
	require.NotNil(t, recA.Similarity)
	assert.InDelta(t, 1.0, *recA.Similarity, 1e-6)

	recB, err := store.Get(t.Context(), normalize.Key("Initech", "Ops"))
	require.NoError(t, err)
	require.NotNil(t, recB.Similarity)
	assert.InDelta(t, 0.0, *recB.Similarity, 1e-6)
}

func TestRunCancelledContext(t *testing.T) {
	p, _ := newPipeline(t, &fakeEmbedder{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	sum, err := p.Run(ctx, []normalize.RawPosting{posting("Dev", "Acme", "desc")}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, sum.Status)
}
