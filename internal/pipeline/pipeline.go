// Package pipeline sequences one matching run:
// normalize → embed → persist → score → update.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anatolykoptev/go_match/internal/corpus"
	"github.com/anatolykoptev/go_match/internal/embed"
	"github.com/anatolykoptev/go_match/internal/normalize"
	"github.com/anatolykoptev/go_match/internal/similarity"
	"github.com/google/uuid"
)

// State names the stage a run is in. FAILED is terminal and reachable
// from any stage on unrecoverable error.
type State string

const (
	StateIngesting   State = "INGESTING"
	StateNormalizing State = "NORMALIZING"
	StateEmbedding   State = "EMBEDDING"
	StatePersisting  State = "PERSISTING"
	StateScoring     State = "SCORING"
	StateUpdating    State = "UPDATING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusDone   Status = "DONE"
	StatusFailed Status = "FAILED"
)

// Embedder is the embedding client contract the pipeline depends on.
// *embed.Client satisfies it; tests inject fakes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Resume selects the resume to score against. Text may be empty to
// reuse the stored resume under Name.
type Resume struct {
	Name string
	Text string
}

// Summary reports one run's outcome. Record-level failures are counts
// here, never aborts; only quota/auth failures mark the run FAILED.
type Summary struct {
	RunID             string `json:"run_id"`
	Ingested          int    `json:"ingested"`
	NormalizedFailed  int    `json:"normalized_failed"`
	Embedded          int    `json:"embedded"`
	EmbeddingFailed   int    `json:"embedding_failed"`
	StoreFailed       int    `json:"store_failed,omitempty"`
	Scored            int    `json:"scored"`
	SkippedUnembedded int    `json:"skipped_unembedded,omitempty"`
	Updated           int    `json:"updated"`
	UpdateLost        int    `json:"update_lost,omitempty"`
	NoResume          bool   `json:"no_resume,omitempty"`
	Status            Status `json:"status"`
}

// Config wires a Pipeline. Store and Embedder are required.
type Config struct {
	Store    corpus.Store
	Embedder Embedder
	Workers  int // similarity pool size; 0 = similarity.DefaultWorkers
}

// Pipeline runs matching passes over batches of raw postings.
// Stages run sequentially; cancellation is honored at stage boundaries
// (a dispatched embedding batch runs to completion or exhausted retry).
type Pipeline struct {
	store    corpus.Store
	embedder Embedder
	workers  int
}

// New validates the wiring and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("pipeline: embedder is required")
	}
	return &Pipeline{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		workers:  cfg.Workers,
	}, nil
}

// Run executes one full pass. resume may be nil: ingestion still
// happens, scoring is skipped with a reported no-resume outcome.
func (p *Pipeline) Run(ctx context.Context, raws []normalize.RawPosting, resume *Resume) (Summary, error) {
	sum := Summary{RunID: uuid.New().String(), Ingested: len(raws)}
	log := slog.With(slog.String("run_id", sum.RunID))
	state := StateIngesting
	log.Info("run started", slog.String("state", string(state)), slog.Int("raw_postings", len(raws)))

	fail := func(err error) (Summary, error) {
		sum.Status = StatusFailed
		log.Error("run failed", slog.String("state", string(state)), slog.Any("error", err))
		return sum, err
	}
	advance := func(next State) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		state = next
		log.Debug("stage", slog.String("state", string(state)))
		return nil
	}

	// NORMALIZING: postings that fail validation are counted and skipped.
	if err := advance(StateNormalizing); err != nil {
		return fail(err)
	}
	records := p.normalizeAll(log, raws, &sum)

	// EMBEDDING: batch records missing a usable vector, plus stored
	// records still pending from earlier runs.
	if err := advance(StateEmbedding); err != nil {
		return fail(err)
	}
	batchTargets, pending, err := p.collectEmbedTargets(ctx, records)
	if err != nil {
		return fail(err)
	}
	if err := p.embedAll(ctx, log, append(batchTargets, pending...), &sum); err != nil {
		return fail(err)
	}
	// Re-embedded stragglers from earlier runs get persisted too.
	for _, rec := range pending {
		if rec.HasEmbedding() {
			records = append(records, *rec)
		}
	}

	// PERSISTING
	if err := advance(StatePersisting); err != nil {
		return fail(err)
	}
	res, err := p.store.Upsert(ctx, records)
	if err != nil {
		return fail(fmt.Errorf("persist: %w", err))
	}
	sum.StoreFailed = res.Failed
	log.Info("persisted",
		slog.Int("inserted", res.Inserted), slog.Int("updated", res.Updated), slog.Int("failed", res.Failed))

	// A usable resume embedding gates scoring; its absence is a
	// reported outcome, not a failure.
	resumeVec, err := p.ensureResumeEmbedding(ctx, log, resume)
	if err != nil {
		return fail(err)
	}
	if resumeVec == nil {
		sum.NoResume = true
		sum.Status = StatusDone
		log.Info("run finished without scoring, no active resume")
		return sum, nil
	}

	// SCORING
	if err := advance(StateScoring); err != nil {
		return fail(err)
	}
	jobs, err := p.store.ReadAll(ctx, corpus.Filter{})
	if err != nil {
		return fail(fmt.Errorf("read corpus: %w", err))
	}
	scored := similarity.ScoreAll(ctx, resumeVec, jobs, p.workers)
	sum.Scored = len(scored.Scores)
	sum.SkippedUnembedded = scored.Skipped

	// UPDATING: lost updates are logged and counted, never fatal.
	if err := advance(StateUpdating); err != nil {
		return fail(err)
	}
	for key, score := range scored.Scores {
		if err := p.store.UpdateSimilarity(ctx, key, score); err != nil {
			log.Warn("similarity update failed", slog.String("key", key), slog.Any("error", err))
			sum.UpdateLost++
			continue
		}
		sum.Updated++
	}

	state = StateDone
	sum.Status = StatusDone
	log.Info("run finished",
		slog.Int("ingested", sum.Ingested),
		slog.Int("normalized_failed", sum.NormalizedFailed),
		slog.Int("embedded", sum.Embedded),
		slog.Int("embedding_failed", sum.EmbeddingFailed),
		slog.Int("scored", sum.Scored),
		slog.Int("updated", sum.Updated))
	return sum, nil
}

// normalizeAll converts raw postings, deduplicating by identity key
// within the batch (last posting wins, matching upsert semantics).
func (p *Pipeline) normalizeAll(log *slog.Logger, raws []normalize.RawPosting, sum *Summary) []corpus.JobRecord {
	index := make(map[string]int)
	var out []corpus.JobRecord
	for _, raw := range raws {
		rec, err := normalize.Normalize(raw)
		if err != nil {
			sum.NormalizedFailed++
			log.Warn("posting skipped", slog.Any("error", err))
			continue
		}
		if i, ok := index[rec.Key]; ok {
			out[i] = rec
			continue
		}
		index[rec.Key] = len(out)
		out = append(out, rec)
	}
	return out
}

// collectEmbedTargets picks the batch records that need a fresh vector
// (new record, changed description, or missing embedding) and sweeps
// the stored corpus for records still pending from earlier runs.
func (p *Pipeline) collectEmbedTargets(ctx context.Context, records []corpus.JobRecord) (batch, pending []*corpus.JobRecord, err error) {
	inBatch := make(map[string]bool, len(records))
	for i := range records {
		rec := &records[i]
		inBatch[rec.Key] = true
		existing, err := p.store.Get(ctx, rec.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("check existing %s: %w", rec.Key, err)
		}
		if existing != nil && existing.HasEmbedding() && existing.Description == rec.Description {
			continue // upsert preserves the stored vector
		}
		batch = append(batch, rec)
	}

	stored, err := p.store.ReadAll(ctx, corpus.Filter{})
	if err != nil {
		return nil, nil, fmt.Errorf("sweep pending: %w", err)
	}
	for i := range stored {
		rec := stored[i]
		if rec.HasEmbedding() || inBatch[rec.Key] {
			continue
		}
		straggler := rec
		pending = append(pending, &straggler)
	}
	return batch, pending, nil
}

// embedAll fills vectors into the targeted records. Chunk failures mark
// only their records as still-pending; quota/auth failures abort.
func (p *Pipeline) embedAll(ctx context.Context, log *slog.Logger, targets []*corpus.JobRecord, sum *Summary) error {
	if len(targets) == 0 {
		return nil
	}

	// The embedding client rejects empty inputs wholesale; filter here
	// so one degenerate record cannot sink its siblings.
	var embeddable []*corpus.JobRecord
	texts := make([]string, 0, len(targets))
	for _, rec := range targets {
		text := rec.EmbeddingText()
		if strings.TrimSpace(text) == "" {
			sum.EmbeddingFailed++
			log.Warn("record has no embeddable text", slog.String("key", rec.Key))
			continue
		}
		embeddable = append(embeddable, rec)
		texts = append(texts, text)
	}
	if len(embeddable) == 0 {
		return nil
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		var svcErr *embed.ServiceError
		switch {
		case errors.As(err, &svcErr):
			// Failed positions stay pending; the record is persisted
			// without a vector and retried on a future run.
			sum.EmbeddingFailed += len(svcErr.Indices)
			log.Warn("embedding chunk(s) failed, records left pending",
				slog.Int("failed", len(svcErr.Indices)), slog.Any("error", svcErr.Err))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// Quota/auth and malformed-input failures abort the run.
			return err
		}
	}

	for i, rec := range embeddable {
		if i >= len(vectors) || vectors[i] == nil {
			continue
		}
		rec.Embedding = vectors[i]
		sum.Embedded++
	}
	return nil
}

// ensureResumeEmbedding returns the vector to score against, computing
// and storing it when the resume is new or its text changed. A nil
// return with nil error means no usable resume.
func (p *Pipeline) ensureResumeEmbedding(ctx context.Context, log *slog.Logger, resume *Resume) ([]float32, error) {
	if resume == nil || resume.Name == "" {
		return nil, nil
	}

	stored, err := p.store.GetResume(ctx, resume.Name)
	if err != nil {
		return nil, fmt.Errorf("load resume: %w", err)
	}

	text := resume.Text
	if text == "" {
		if stored == nil {
			log.Warn("resume not found", slog.String("name", resume.Name))
			return nil, nil
		}
		text = stored.RawText
	}
	if stored != nil && stored.RawText == text && len(stored.Embedding) == p.embedder.Dimensions() {
		return stored.Embedding, nil
	}

	vec, err := p.embedder.EmbedOne(ctx, text)
	if err != nil {
		var quotaErr *embed.QuotaError
		if errors.As(err, &quotaErr) {
			return nil, err
		}
		// Transient failure: no usable resume this run, retry next time.
		log.Warn("resume embedding failed", slog.String("name", resume.Name), slog.Any("error", err))
		return nil, nil
	}

	if err := p.store.SaveResume(ctx, corpus.ResumeRecord{
		Name:      resume.Name,
		RawText:   text,
		Embedding: vec,
	}); err != nil {
		log.Warn("resume save failed", slog.String("name", resume.Name), slog.Any("error", err))
	}
	return vec, nil
}
