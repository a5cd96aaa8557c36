package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the corpus in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// OpenSQLite opens (or creates) the corpus database at path.
// dim is the required embedding dimensionality; vectors of any other
// length are rejected rather than persisted.
func OpenSQLite(path string, dim int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("corpus: init schema: %w", err)
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		key               TEXT PRIMARY KEY,
		title             TEXT NOT NULL,
		company           TEXT NOT NULL,
		location          TEXT,
		description       TEXT,
		salary_low        REAL,
		salary_high       REAL,
		posted_date       TEXT,
		url               TEXT,
		embedding         TEXT,
		resume_similarity REAL,
		updated_at        TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS resumes (
		name       TEXT PRIMARY KEY,
		raw_text   TEXT NOT NULL,
		embedding  TEXT,
		updated_at TEXT NOT NULL
	)`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert inserts or refreshes each record inside its own transaction.
// Failures are logged and counted, never fatal to the batch.
func (s *SQLiteStore) Upsert(ctx context.Context, recs []JobRecord) (UpsertResult, error) {
	var res UpsertResult
	for i := range recs {
		rec := recs[i]
		if err := s.checkVector(&rec); err != nil {
			slog.Warn("corpus: dropping bad vector", slog.String("key", rec.Key), slog.Any("error", err))
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

func (s *SQLiteStore) upsertOne(ctx context.Context, rec *JobRecord) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &WriteError{Key: rec.Key, Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var prevDesc, prevEmb sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT description, embedding FROM jobs WHERE key = ?`, rec.Key)
	scanErr := row.Scan(&prevDesc, &prevEmb)

	now := time.Now().UTC().Format(time.RFC3339)
	switch {
	case scanErr == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `INSERT INTO jobs
			(key, title, company, location, description, salary_low, salary_high, posted_date, url, embedding, resume_similarity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Key, rec.Title, rec.Company, rec.Location, rec.Description,
			rec.SalaryLow, rec.SalaryHigh, rec.PostedDate, rec.URL,
			encodeVector(rec.Embedding), similarityArg(rec.Similarity), now)
		if err != nil {
			return false, &WriteError{Key: rec.Key, Err: err}
		}
		inserted = true

	case scanErr != nil:
		return false, &WriteError{Key: rec.Key, Err: scanErr}

	default:
		emb := encodeVector(rec.Embedding)
		clearSimilarity := false
		if emb == nil {
			if rec.Description == prevDesc.String && prevEmb.Valid {
				// Description unchanged: keep the stored vector byte-identical.
				emb = &prevEmb.String
			} else if rec.Description != prevDesc.String {
				// Stale vector no longer matches the text; force regeneration.
				clearSimilarity = true
			}
		}
		query := `UPDATE jobs SET title = ?, company = ?, location = ?, description = ?,
			salary_low = ?, salary_high = ?, posted_date = ?, url = ?, embedding = ?, updated_at = ?`
		args := []any{rec.Title, rec.Company, rec.Location, rec.Description,
			rec.SalaryLow, rec.SalaryHigh, rec.PostedDate, rec.URL, emb, now}
		if clearSimilarity {
			query += `, resume_similarity = NULL`
		}
		query += ` WHERE key = ?`
		args = append(args, rec.Key)
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return false, &WriteError{Key: rec.Key, Err: err}
		}
	}

	if err = tx.Commit(); err != nil {
		return false, &WriteError{Key: rec.Key, Err: err}
	}
	return inserted, nil
}

// Get returns the record for key, or nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE key = ?`, key)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("corpus: get %s: %w", key, err)
	}
	return rec, nil
}

// ReadAll returns records matching the filter, ordered by key.
func (s *SQLiteStore) ReadAll(ctx context.Context, f Filter) ([]JobRecord, error) {
	var conds []string
	var args []any
	if f.MinSimilarity > 0 || f.ScoredOnly {
		conds = append(conds, `resume_similarity IS NOT NULL AND resume_similarity >= ?`)
		args = append(args, f.MinSimilarity)
	}
	if f.Location != "" {
		conds = append(conds, `LOWER(location) = LOWER(?)`)
		args = append(args, f.Location)
	}
	if f.Company != "" {
		conds = append(conds, `LOWER(company) = LOWER(?)`)
		args = append(args, f.Company)
	}
	if f.MinSalary > 0 {
		conds = append(conds, `salary_high >= ?`)
		args = append(args, f.MinSalary)
	}

	query := selectJobs
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("corpus: read: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("corpus: scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpdateSimilarity sets resume_similarity for one record.
// A missing key is logged and ignored; the corpus may have changed underneath.
func (s *SQLiteStore) UpdateSimilarity(ctx context.Context, key string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET resume_similarity = ? WHERE key = ?`, score, key)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("corpus: similarity update lost, key not found", slog.String("key", key))
	}
	return nil
}

// SaveResume inserts or replaces a resume by name.
func (s *SQLiteStore) SaveResume(ctx context.Context, r ResumeRecord) error {
	if len(r.Embedding) > 0 && s.dim > 0 && len(r.Embedding) != s.dim {
		return fmt.Errorf("corpus: resume %s: vector length %d, want %d", r.Name, len(r.Embedding), s.dim)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO resumes (name, raw_text, embedding, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET raw_text = excluded.raw_text,
			embedding = excluded.embedding, updated_at = excluded.updated_at`,
		r.Name, r.RawText, encodeVector(r.Embedding), now)
	if err != nil {
		return fmt.Errorf("corpus: save resume %s: %w", r.Name, err)
	}
	return nil
}

// GetResume returns the resume for name, or nil if absent.
func (s *SQLiteStore) GetResume(ctx context.Context, name string) (*ResumeRecord, error) {
	var r ResumeRecord
	var emb sql.NullString
	var updated string
	row := s.db.QueryRowContext(ctx,
		`SELECT name, raw_text, embedding, updated_at FROM resumes WHERE name = ?`, name)
	if err := row.Scan(&r.Name, &r.RawText, &emb, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("corpus: get resume %s: %w", name, err)
	}
	r.Embedding = decodeVector(emb)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &r, nil
}

func (s *SQLiteStore) checkVector(rec *JobRecord) error {
	if len(rec.Embedding) == 0 || s.dim == 0 {
		return nil
	}
	if len(rec.Embedding) != s.dim {
		return fmt.Errorf("vector length %d, want %d", len(rec.Embedding), s.dim)
	}
	return nil
}

const selectJobs = `SELECT key, title, company, location, description,
	salary_low, salary_high, posted_date, url, embedding, resume_similarity, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var loc, desc, posted, url, updated sql.NullString
	var low, high sql.NullFloat64
	var emb sql.NullString
	var sim sql.NullFloat64
	if err := row.Scan(&rec.Key, &rec.Title, &rec.Company, &loc, &desc,
		&low, &high, &posted, &url, &emb, &sim, &updated); err != nil {
		return nil, err
	}
	rec.Location = loc.String
	rec.Description = desc.String
	rec.SalaryLow = low.Float64
	rec.SalaryHigh = high.Float64
	rec.PostedDate = posted.String
	rec.URL = url.String
	rec.Embedding = decodeVector(emb)
	if sim.Valid {
		v := sim.Float64
		rec.Similarity = &v
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated.String)
	return &rec, nil
}

// encodeVector serializes a vector as JSON text, nil for no vector.
func encodeVector(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func decodeVector(s sql.NullString) []float32 {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		slog.Warn("corpus: undecodable vector dropped", slog.Any("error", err))
		return nil
	}
	return v
}
