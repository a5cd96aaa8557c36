// go_match — semantic job matching pipeline.
//
// Ingests job postings from the JSearch API or local JSON dumps,
// embeds them with the OpenAI embeddings API, and scores every posting
// in the corpus against the active resume by cosine similarity.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go_match/internal/corpus"
	"github.com/anatolykoptev/go_match/internal/embed"
	"github.com/anatolykoptev/go_match/internal/normalize"
	"github.com/anatolykoptev/go_match/internal/pipeline"
	"github.com/anatolykoptev/go_match/internal/similarity"
	"github.com/anatolykoptev/go_match/internal/source"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	initLogger()

	if err := run(); err != nil {
		slog.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	query := flag.String("query", env.Str("SEARCH_QUERY", ""), "job title to search for")
	location := flag.String("location", env.Str("SEARCH_LOCATION", ""), "search location")
	inputDir := flag.String("input", "", "directory of JSON posting dumps, used instead of the search API")
	resumePath := flag.String("resume", env.Str("RESUME_FILE", ""), "resume text file")
	resumeName := flag.String("resume-name", env.Str("RESUME_NAME", "default"), "resume identity in the store")
	remote := flag.Bool("remote", env.Str("SEARCH_REMOTE_ONLY", "") == "true", "remote jobs only")
	pages := flag.Int("pages", env.Int("SEARCH_PAGES", 1), "result pages to fetch")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting go_match", slog.String("version", version))

	apiKey := env.Str("OPENAI_API_KEY", "")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	raws, err := loadPostings(ctx, *query, *location, *inputDir, *remote, *pages)
	if err != nil {
		return fmt.Errorf("load postings: %w", err)
	}

	resume, err := loadResume(*resumePath, *resumeName)
	if err != nil {
		return fmt.Errorf("load resume: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Store:    store,
		Embedder: newEmbedder(apiKey),
		Workers:  env.Int("SIMILARITY_WORKERS", similarity.DefaultWorkers),
	})
	if err != nil {
		return err
	}

	sum, err := p.Run(ctx, raws, resume)
	if err != nil {
		return err
	}

	slog.Info("run summary",
		slog.String("run_id", sum.RunID),
		slog.String("status", string(sum.Status)),
		slog.Int("ingested", sum.Ingested),
		slog.Int("normalized_failed", sum.NormalizedFailed),
		slog.Int("embedded", sum.Embedded),
		slog.Int("embedding_failed", sum.EmbeddingFailed),
		slog.Int("scored", sum.Scored),
		slog.Int("updated", sum.Updated),
		slog.Bool("no_resume", sum.NoResume),
	)
	return nil
}

func initLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(env.Str("LOG_LEVEL", ""), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStore prefers PostgreSQL with pgvector when DATABASE_URL is set,
// falling back to a local SQLite file.
func openStore(ctx context.Context) (corpus.Store, error) {
	if url := env.Str("DATABASE_URL", ""); url != "" {
		return corpus.ConnectPostgres(ctx, url, embed.Dimensions)
	}
	return corpus.OpenSQLite(env.Str("SQLITE_PATH", "jobs.db"), embed.Dimensions)
}

func newEmbedder(apiKey string) *embed.Client {
	opts := []embed.Option{
		embed.WithRateLimit(env.Float("EMBED_RPS", 3), 1),
	}
	cacheTTL := env.Duration("CACHE_TTL", 15*time.Minute)
	opts = append(opts, embed.WithCache(
		embed.NewCache(env.Str("REDIS_URL", ""), cacheTTL, env.Int("CACHE_MAX_ENTRIES", 1000))))
	return embed.New(apiKey, opts...)
}

// loadPostings reads a local dump directory when -input is given, else
// queries JSearch when a search term is set. No postings is a valid
// rescoring-only run.
func loadPostings(ctx context.Context, query, location, inputDir string, remote bool, pages int) ([]normalize.RawPosting, error) {
	if inputDir != "" {
		return source.LoadDir(inputDir)
	}
	if query == "" {
		return nil, nil
	}
	rapidKey := env.Str("RAPIDAPI_KEY", "")
	if rapidKey == "" {
		return nil, fmt.Errorf("RAPIDAPI_KEY is required for API search")
	}
	return source.NewJSearch(rapidKey).Search(ctx, source.SearchQuery{
		Title:      query,
		Location:   location,
		DatePosted: env.Str("SEARCH_DATE_POSTED", "today"),
		RemoteOnly: remote,
		Pages:      pages,
	})
}

func loadResume(path, name string) (*pipeline.Resume, error) {
	if name == "" {
		return nil, nil
	}
	if path == "" {
		return &pipeline.Resume{Name: name}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("resume file %s is empty", path)
	}
	return &pipeline.Resume{Name: name, Text: text}, nil
}
