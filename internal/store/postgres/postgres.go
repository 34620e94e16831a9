// Package postgres implements store.Store on top of PostgreSQL using sqlx
// and lib/pq, following the connection-pool conventions of the wider
// north-cloud services.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/store"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sqlx.DB
}

// New connects to PostgreSQL and returns a ready Store.
func New(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// queueRow is the sqlx scan target for the queue_entries table.
type queueRow struct {
	ID             string         `db:"id"`
	URL            string         `db:"url"`
	Host           string         `db:"host"`
	Depth          int            `db:"depth"`
	Priority       int            `db:"priority"`
	Meta           []byte         `db:"meta"`
	Attempt        int            `db:"attempt"`
	EnqueuedAt     time.Time      `db:"enqueued_at"`
	Status         string         `db:"status"`
	LastError      sql.NullString `db:"last_error"`
	LeasedBy       sql.NullString `db:"leased_by"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
}

func (r queueRow) toDomain() (domain.QueueEntry, error) {
	meta := map[string]any{}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &meta); err != nil {
			return domain.QueueEntry{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return domain.QueueEntry{
		Request: domain.Request{
			ID:         r.ID,
			URL:        r.URL,
			Host:       r.Host,
			Depth:      r.Depth,
			Priority:   r.Priority,
			Meta:       meta,
			Attempt:    r.Attempt,
			EnqueuedAt: r.EnqueuedAt,
		},
		Status:         r.Status,
		LastError:      r.LastError.String,
		LeasedBy:       r.LeasedBy.String,
		LeaseExpiresAt: r.LeaseExpiresAt.Time,
	}, nil
}

// QueueUpsert implements store.Store, deduping on canonical URL per the
// ON CONFLICT pattern used elsewhere in the north-cloud stack.
func (s *Store) QueueUpsert(ctx context.Context, entry domain.QueueEntry) (bool, error) {
	meta, err := json.Marshal(entry.Request.Meta)
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}
	if entry.Request.EnqueuedAt.IsZero() {
		entry.Request.EnqueuedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = domain.StatusQueued
	}

	const q = `
		INSERT INTO queue_entries (id, url, host, depth, priority, meta, attempt, enqueued_at, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (url) DO UPDATE SET
			priority = LEAST(queue_entries.priority, EXCLUDED.priority)
		WHERE queue_entries.status = 'queued'
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err = s.db.QueryRowContext(ctx, q,
		entry.Request.URL, entry.Request.Host, entry.Request.Depth, entry.Request.Priority,
		meta, entry.Request.Attempt, entry.Request.EnqueuedAt, entry.Status,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// The WHERE clause excluded the conflicting row (its status isn't
		// "queued"), so RETURNING produced nothing: a duplicate, not a
		// failure, matching store/memory's rejection of any existing URL
		// regardless of status.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert queue entry: %w", err)
	}
	return inserted, nil
}

// QueuePickNext implements store.Store using SELECT ... FOR UPDATE SKIP LOCKED
// so concurrent workers never contend on the same row.
func (s *Store) QueuePickNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.QueueEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const selectQ = `
		SELECT id, url, host, depth, priority, meta, attempt, enqueued_at, status, last_error, leased_by, lease_expires_at
		FROM queue_entries
		WHERE status = 'queued' AND (lease_expires_at IS NULL OR lease_expires_at < NOW())
		ORDER BY priority ASC, enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var row queueRow
	if err := tx.GetContext(ctx, &row, selectQ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoEntryAvailable
		}
		return nil, fmt.Errorf("select next queue entry: %w", err)
	}

	const updateQ = `
		UPDATE queue_entries SET status = 'in-progress', leased_by = $1, lease_expires_at = $2
		WHERE id = $3
	`
	leaseExpiresAt := time.Now().Add(leaseDuration)
	if _, err := tx.ExecContext(ctx, updateQ, workerID, leaseExpiresAt, row.ID); err != nil {
		return nil, fmt.Errorf("lease queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	row.Status = domain.StatusInProgress
	row.LeasedBy = sql.NullString{String: workerID, Valid: true}
	row.LeaseExpiresAt = sql.NullTime{Time: leaseExpiresAt, Valid: true}
	entry, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// QueueSettle implements store.Store.
func (s *Store) QueueSettle(ctx context.Context, id string, outcome store.Outcome) error {
	const q = `
		UPDATE queue_entries SET
			status = $1,
			last_error = $2,
			leased_by = NULL,
			lease_expires_at = $3,
			attempt = CASE WHEN $1 = 'queued' THEN attempt + 1 ELSE attempt END
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, q, outcome.Status, outcome.LastError, nullableTime(outcome.NextEligibleAt), id)
	if err != nil {
		return fmt.Errorf("settle queue entry: %w", err)
	}
	return nil
}

// QueueReclaimExpiredLeases implements store.Store.
func (s *Store) QueueReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	const q = `
		UPDATE queue_entries SET status = 'queued', leased_by = NULL, attempt = attempt + 1
		WHERE status = 'in-progress' AND lease_expires_at < $1
	`
	res, err := s.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// QueueStats implements store.Store.
func (s *Store) QueueStats(ctx context.Context) (store.QueueStats, error) {
	const q = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'in-progress') AS in_progress,
			COUNT(*) FILTER (WHERE status = 'done') AS done
		FROM queue_entries
	`
	var stats store.QueueStats
	row := s.db.QueryRowContext(ctx, q)
	if err := row.Scan(&stats.Queued, &stats.InProgress, &stats.Done); err != nil {
		return store.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// CacheGet implements store.Store.
func (s *Store) CacheGet(ctx context.Context, url string, maxAge time.Duration) (*domain.CachedPage, error) {
	page, err := s.cacheLookup(ctx, url)
	if page == nil || err != nil {
		return page, err
	}
	if maxAge > 0 && time.Since(page.FetchedAt) > maxAge {
		return nil, nil
	}
	return page, nil
}

// CacheGetAny implements store.Store.
func (s *Store) CacheGetAny(ctx context.Context, url string) (*domain.CachedPage, error) {
	return s.cacheLookup(ctx, url)
}

func (s *Store) cacheLookup(ctx context.Context, url string) (*domain.CachedPage, error) {
	const q = `
		SELECT url, fetched_at, http_status, body_hash, content_type, etag, last_modified
		FROM cached_pages WHERE url = $1
	`
	var (
		page                       domain.CachedPage
		etag, lastModified         sql.NullString
	)
	row := s.db.QueryRowContext(ctx, q, url)
	if err := row.Scan(&page.URL, &page.FetchedAt, &page.HTTPStatus, &page.BodyHash, &page.ContentType, &etag, &lastModified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	page.ETag = etag.String
	page.LastModified = lastModified.String

	const bodyQ = `SELECT body FROM cached_bodies WHERE hash = $1`
	if err := s.db.GetContext(ctx, &page.Body, bodyQ, page.BodyHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache body lookup: %w", err)
	}
	return &page, nil
}

// CachePut implements store.Store, storing bodies content-addressed so
// repeated identical fetches don't duplicate storage.
func (s *Store) CachePut(ctx context.Context, page domain.CachedPage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const bodyQ = `INSERT INTO cached_bodies (hash, body) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`
	if _, err := tx.ExecContext(ctx, bodyQ, page.BodyHash, page.Body); err != nil {
		return fmt.Errorf("insert cached body: %w", err)
	}

	const pageQ = `
		INSERT INTO cached_pages (url, fetched_at, http_status, body_hash, content_type, etag, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE SET
			fetched_at = EXCLUDED.fetched_at,
			http_status = EXCLUDED.http_status,
			body_hash = EXCLUDED.body_hash,
			content_type = EXCLUDED.content_type,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified
	`
	if _, err := tx.ExecContext(ctx, pageQ, page.URL, page.FetchedAt, page.HTTPStatus, page.BodyHash, page.ContentType, page.ETag, page.LastModified); err != nil {
		return fmt.Errorf("upsert cached page: %w", err)
	}
	return tx.Commit()
}

// RobotsGet implements store.Store.
func (s *Store) RobotsGet(ctx context.Context, host string) (*domain.RobotsPolicy, error) {
	const q = `SELECT host, fetched_at, expires_at, rules, sitemaps, allow_all FROM robots_policies WHERE host = $1`
	var (
		policy         domain.RobotsPolicy
		rulesJSON      []byte
		sitemapsJSON   []byte
	)
	row := s.db.QueryRowContext(ctx, q, host)
	if err := row.Scan(&policy.Host, &policy.FetchedAt, &policy.ExpiresAt, &rulesJSON, &sitemapsJSON, &policy.AllowAll); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("robots lookup: %w", err)
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &policy.Rules); err != nil {
			return nil, fmt.Errorf("decode robots rules: %w", err)
		}
	}
	if len(sitemapsJSON) > 0 {
		if err := json.Unmarshal(sitemapsJSON, &policy.Sitemaps); err != nil {
			return nil, fmt.Errorf("decode robots sitemaps: %w", err)
		}
	}
	return &policy, nil
}

// RobotsPut implements store.Store.
func (s *Store) RobotsPut(ctx context.Context, policy domain.RobotsPolicy) error {
	rulesJSON, err := json.Marshal(policy.Rules)
	if err != nil {
		return fmt.Errorf("encode robots rules: %w", err)
	}
	sitemapsJSON, err := json.Marshal(policy.Sitemaps)
	if err != nil {
		return fmt.Errorf("encode robots sitemaps: %w", err)
	}

	const q = `
		INSERT INTO robots_policies (host, fetched_at, expires_at, rules, sitemaps, allow_all)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (host) DO UPDATE SET
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			rules = EXCLUDED.rules,
			sitemaps = EXCLUDED.sitemaps,
			allow_all = EXCLUDED.allow_all
	`
	_, err = s.db.ExecContext(ctx, q, policy.Host, policy.FetchedAt, policy.ExpiresAt, rulesJSON, sitemapsJSON, policy.AllowAll)
	if err != nil {
		return fmt.Errorf("upsert robots policy: %w", err)
	}
	return nil
}

// PagePut implements store.Store.
func (s *Store) PagePut(ctx context.Context, record domain.PageRecord) error {
	links, err := json.Marshal(record.ExtractedLinks)
	if err != nil {
		return fmt.Errorf("encode extracted links: %w", err)
	}
	const q = `
		INSERT INTO page_records (url, fetched_at, http_status, body_ref, content_type, extracted_links, analysis_ref, fallback_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (url) DO UPDATE SET
			fetched_at = EXCLUDED.fetched_at,
			http_status = EXCLUDED.http_status,
			body_ref = EXCLUDED.body_ref,
			content_type = EXCLUDED.content_type,
			extracted_links = EXCLUDED.extracted_links,
			analysis_ref = EXCLUDED.analysis_ref,
			fallback_used = EXCLUDED.fallback_used
	`
	_, err = s.db.ExecContext(ctx, q, record.URL, record.FetchedAt, record.HTTPStatus, record.BodyRef, record.ContentType, links, record.AnalysisRef, record.FallbackUsed)
	if err != nil {
		return fmt.Errorf("upsert page record: %w", err)
	}
	return nil
}

// DecisionAppend implements store.Store.
func (s *Store) DecisionAppend(ctx context.Context, trace domain.DecisionTrace) error {
	fields, err := json.Marshal(trace.Fields)
	if err != nil {
		return fmt.Errorf("encode decision fields: %w", err)
	}
	const q = `INSERT INTO decision_traces (ts, kind, url, host, fields) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, trace.TS, trace.Kind, trace.URL, trace.Host, fields); err != nil {
		return fmt.Errorf("append decision trace: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
