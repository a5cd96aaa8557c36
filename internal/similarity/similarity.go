// Package similarity scores resume embeddings against job embeddings
// with deterministic cosine similarity.
package similarity

import (
	"context"
	"math"
	"sync"

	"github.com/anatolykoptev/go_match/internal/corpus"
)

// DefaultWorkers is the scoring pool size for ScoreAll.
const DefaultWorkers = 8

// Score returns the cosine similarity of a and b clipped to [0, 1].
// Negative cosine is floored to 0: embedding-model vectors are
// non-negative-cosine in practice, and scores stay in the documented range.
// Accumulation runs in index order with float64 accumulators, so identical
// inputs always produce the identical float.
func Score(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

// Result is the outcome of one scoring pass.
type Result struct {
	Scores  map[string]float64 // identity key → score
	Skipped int                // jobs without embeddings, left unscored
}

// ScoreAll scores every embedded job against the resume vector across a
// fixed worker pool. Jobs are partitioned into contiguous shards; each
// worker fills its own map and the shards are merged by key afterwards,
// so no mutable state is shared while scoring. Jobs with missing
// embeddings are counted, not errors.
func ScoreAll(ctx context.Context, resume []float32, jobs []corpus.JobRecord, workers int) Result {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	res := Result{Scores: make(map[string]float64, len(jobs))}
	if len(jobs) == 0 || len(resume) == 0 {
		return res
	}

	shards := make([]map[string]float64, workers)
	skips := make([]int, workers)
	var wg sync.WaitGroup
	size := (len(jobs) + workers - 1) / workers

	for w := 0; w < workers; w++ {
		lo := w * size
		hi := min(lo+size, len(jobs))
		if lo >= hi {
			shards[w] = map[string]float64{}
			continue
		}
		wg.Add(1)
		go func(w int, shard []corpus.JobRecord) {
			defer wg.Done()
			local := make(map[string]float64, len(shard))
			for i := range shard {
				if ctx.Err() != nil {
					break
				}
				if !shard[i].HasEmbedding() {
					skips[w]++
					continue
				}
				local[shard[i].Key] = Score(resume, shard[i].Embedding)
			}
			shards[w] = local
		}(w, jobs[lo:hi])
	}
	wg.Wait()

	for w := range shards {
		for k, v := range shards[w] {
			res.Scores[k] = v
		}
		res.Skipped += skips[w]
	}
	return res
}
