package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore persists the corpus in Postgres with a pgvector column.
// The vector column is plain storage here; similarity is computed by the
// scoring engine, not by ANN queries.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// ConnectPostgres creates a pgx pool, ensures the schema, and returns the store.
func ConnectPostgres(ctx context.Context, databaseURL string, dim int) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, dim: dim}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	slog.Info("corpus postgres connected", slog.String("addr", config.ConnConfig.Host))
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			key               TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			company           TEXT NOT NULL,
			location          TEXT,
			description       TEXT,
			salary_low        DOUBLE PRECISION,
			salary_high       DOUBLE PRECISION,
			posted_date       TEXT,
			url               TEXT,
			embedding         vector(%d),
			resume_similarity DOUBLE PRECISION,
			updated_at        TIMESTAMPTZ NOT NULL
		)`, s.dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resumes (
			name       TEXT PRIMARY KEY,
			raw_text   TEXT NOT NULL,
			embedding  vector(%d),
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert inserts or refreshes each record. Per-record failures are logged
// and counted, never fatal to the batch.
func (s *PostgresStore) Upsert(ctx context.Context, recs []JobRecord) (UpsertResult, error) {
	var res UpsertResult
	for i := range recs {
		rec := recs[i]
		if len(rec.Embedding) > 0 && s.dim > 0 && len(rec.Embedding) != s.dim {
			slog.Warn("corpus: dropping bad vector",
				slog.String("key", rec.Key), slog.Int("len", len(rec.Embedding)))
			rec.Embedding = nil
		}
		inserted, err := s.upsertOne(ctx, &rec)
		if err != nil {
			slog.Error("corpus: upsert failed", slog.String("key", rec.Key), slog.Any("error", err))
			res.Failed++
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (s *PostgresStore) upsertOne(ctx context.Context, rec *JobRecord) (inserted bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, &WriteError{Key: rec.Key, Err: err}
	}
	defer tx.Rollback(ctx)

	var prevDesc *string
	var prevEmb *pgvector.Vector
	scanErr := tx.QueryRow(ctx,
		`SELECT description, embedding FROM jobs WHERE key = $1 FOR UPDATE`, rec.Key).
		Scan(&prevDesc, &prevEmb)

	now := time.Now().UTC()
	switch {
	case scanErr == pgx.ErrNoRows:
		_, err = tx.Exec(ctx, `INSERT INTO jobs
			(key, title, company, location, description, salary_low, salary_high, posted_date, url, embedding, resume_similarity, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.Key, rec.Title, rec.Company, rec.Location, rec.Description,
			rec.SalaryLow, rec.SalaryHigh, rec.PostedDate, rec.URL,
			pgVector(rec.Embedding), similarityArg(rec.Similarity), now)
		if err != nil {
			return false, &WriteError{Key: rec.Key, Err: err}
		}
		inserted = true

	case scanErr != nil:
		return false, &WriteError{Key: rec.Key, Err: scanErr}

	default:
		emb := pgVector(rec.Embedding)
		clearSimilarity := false
		if emb == nil {
			if rec.Description == deref(prevDesc) && prevEmb != nil {
				emb = prevEmb
			} else if rec.Description != deref(prevDesc) {
				clearSimilarity = true
			}
		}
		query := `UPDATE jobs SET title = $1, company = $2, location = $3, description = $4,
			salary_low = $5, salary_high = $6, posted_date = $7, url = $8, embedding = $9, updated_at = $10`
		args := []any{rec.Title, rec.Company, rec.Location, rec.Description,
			rec.SalaryLow, rec.SalaryHigh, rec.PostedDate, rec.URL, emb, now}
		if clearSimilarity {
			query += `, resume_similarity = NULL`
		}
		query += ` WHERE key = $11`
		args = append(args, rec.Key)
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return false, &WriteError{Key: rec.Key, Err: err}
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, &WriteError{Key: rec.Key, Err: err}
	}
	return inserted, nil
}

// Get returns the record for key, or nil if absent.
func (s *PostgresStore) Get(ctx context.Context, key string) (*JobRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectJobs+` WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("corpus: get %s: %w", key, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanPGJob(rows)
	if err != nil {
		return nil, fmt.Errorf("corpus: get %s: %w", key, err)
	}
	return rec, nil
}

// ReadAll returns records matching the filter, ordered by key.
func (s *PostgresStore) ReadAll(ctx context.Context, f Filter) ([]JobRecord, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.MinSimilarity > 0 || f.ScoredOnly {
		conds = append(conds, `resume_similarity IS NOT NULL AND resume_similarity >= `+arg(f.MinSimilarity))
	}
	if f.Location != "" {
		conds = append(conds, `LOWER(location) = LOWER(`+arg(f.Location)+`)`)
	}
	if f.Company != "" {
		conds = append(conds, `LOWER(company) = LOWER(`+arg(f.Company)+`)`)
	}
	if f.MinSalary > 0 {
		conds = append(conds, `salary_high >= `+arg(f.MinSalary))
	}

	query := pgSelectJobs
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("corpus: read: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("corpus: scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpdateSimilarity sets resume_similarity for one record.
// A missing key is logged and ignored.
func (s *PostgresStore) UpdateSimilarity(ctx context.Context, key string, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET resume_similarity = $1 WHERE key = $2`, score, key)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("corpus: similarity update lost, key not found", slog.String("key", key))
	}
	return nil
}

// SaveResume inserts or replaces a resume by name.
func (s *PostgresStore) SaveResume(ctx context.Context, r ResumeRecord) error {
	if len(r.Embedding) > 0 && s.dim > 0 && len(r.Embedding) != s.dim {
		return fmt.Errorf("corpus: resume %s: vector length %d, want %d", r.Name, len(r.Embedding), s.dim)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO resumes (name, raw_text, embedding, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET raw_text = EXCLUDED.raw_text,
			embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
		r.Name, r.RawText, pgVector(r.Embedding), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("corpus: save resume %s: %w", r.Name, err)
	}
	return nil
}

// GetResume returns the resume for name, or nil if absent.
func (s *PostgresStore) GetResume(ctx context.Context, name string) (*ResumeRecord, error) {
	var r ResumeRecord
	var emb *pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT name, raw_text, embedding, updated_at FROM resumes WHERE name = $1`, name).
		Scan(&r.Name, &r.RawText, &emb, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("corpus: get resume %s: %w", name, err)
	}
	if emb != nil {
		r.Embedding = emb.Slice()
	}
	return &r, nil
}

const pgSelectJobs = `SELECT key, title, company, location, description,
	salary_low, salary_high, posted_date, url, embedding, resume_similarity, updated_at FROM jobs`

func scanPGJob(rows pgx.Rows) (*JobRecord, error) {
	var rec JobRecord
	var loc, desc, posted, url *string
	var low, high *float64
	var emb *pgvector.Vector
	if err := rows.Scan(&rec.Key, &rec.Title, &rec.Company, &loc, &desc,
		&low, &high, &posted, &url, &emb, &rec.Similarity, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Location = deref(loc)
	rec.Description = deref(desc)
	rec.SalaryLow = derefF(low)
	rec.SalaryHigh = derefF(high)
	rec.PostedDate = deref(posted)
	rec.URL = deref(url)
	if emb != nil {
		rec.Embedding = emb.Slice()
	}
	return &rec, nil
}

func pgVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func similarityArg(s *float64) any {
	if s == nil {
		return nil
	}
	return *s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefF(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
