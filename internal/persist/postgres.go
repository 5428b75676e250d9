package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/jobs"
	"github.com/finbrief/finbrief/internal/skill"
)

// Store implements the Manager's persistence contract on Redis (live job
// state) plus Postgres (durable report archive).
type Store struct {
	kv     *redis.Client
	db     *sql.DB
	ttl    time.Duration
	logger *log.Logger
}

// New wires the store from configuration. Either backend may be absent;
// the corresponding operations become no-ops.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	s := &Store{
		ttl:    ttlOrDefault(cfg.Redis.TTL),
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if cfg.Redis.Host != "" {
		kv, err := Conn(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.kv = kv
	}
	if dsn := cfg.Postgres.DSN(); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		s.db = db
	}
	return s, nil
}

// NewWithHandles builds a store from existing connections. Used by tests.
func NewWithHandles(kv *redis.Client, db *sql.DB, ttl time.Duration) *Store {
	return &Store{
		kv:     kv,
		db:     db,
		ttl:    ttlOrDefault(ttl),
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
}

// Close releases both backends.
func (s *Store) Close() error {
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Printf("close redis: %v", err)
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ReportRecord is one archived report row.
type ReportRecord struct {
	JobID        string    `json:"job_id"`
	Slug         string    `json:"slug"`
	Query        string    `json:"query"`
	Summary      string    `json:"summary"`
	FindingCount int       `json:"finding_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArchiveReport writes a completed job's report to the archive. Re-archiving
// the same job overwrites the previous row.
func (s *Store) ArchiveReport(ctx context.Context, snap *jobs.Snapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	if snap.Report == nil {
		return fmt.Errorf("job %s has no report to archive", snap.ID)
	}
	body, err := json.Marshal(snap.Report)
	if err != nil {
		return fmt.Errorf("marshal report for job %s: %w", snap.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO reports (job_id, slug, query, summary, finding_count, report, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (job_id) DO UPDATE SET
  summary = EXCLUDED.summary,
  finding_count = EXCLUDED.finding_count,
  report = EXCLUDED.report`,
		snap.ID, snap.Slug, snap.Query, snap.Report.Summary, len(snap.Report.Findings), body)
	if err != nil {
		return fmt.Errorf("archive report for job %s: %w", snap.ID, err)
	}
	return nil
}

// ListReports returns archived report rows, newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]ReportRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, slug, query, summary, finding_count, created_at
FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRecord
	for rows.Next() {
		var r ReportRecord
		if err := rows.Scan(&r.JobID, &r.Slug, &r.Query, &r.Summary, &r.FindingCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReport loads one archived report; (nil, nil) when absent.
func (s *Store) GetReport(ctx context.Context, jobID string) (*skill.Report, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE job_id=$1`, jobID).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var report skill.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("unmarshal archived report %s: %w", jobID, err)
	}
	return &report, nil
}
