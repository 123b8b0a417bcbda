package store

import (
	"encoding/json"
	"fmt"
	"time"

	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/roastradar/catalog-sync/internal/db"
	"github.com/roastradar/catalog-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations (price-only runs hit these in a tight loop).
var preparedStatements = map[string]string{
	"lookup_variant": `SELECT v.id FROM variants v
		JOIN products p ON p.id = v.product_id
		WHERE p.source_domain = $1 AND p.platform_product_id = $2 AND v.platform_variant_id = $3`,
	"insert_price": `INSERT INTO prices (variant_id, price_cents, currency, on_sale, scraped_at, source_url)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (variant_id, scraped_at) DO NOTHING`,
	"update_projection": `UPDATE variants SET current_price_cents = $1, currency = $2, current_on_sale = $3, last_checked_at = $4 WHERE id = $5`,
	"touch_variant":     `UPDATE variants SET last_checked_at = $1 WHERE id = $2`,
	"check_fingerprint": `SELECT cdn_ref FROM image_fingerprints WHERE content_hash = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                  BIGSERIAL PRIMARY KEY,
	source_domain       TEXT NOT NULL,
	platform_product_id TEXT NOT NULL,
	name                TEXT NOT NULL,
	slug                TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	available           BOOLEAN NOT NULL DEFAULT true,
	decaf               BOOLEAN NOT NULL DEFAULT false,
	roast               TEXT NOT NULL DEFAULT '',
	roast_raw           TEXT NOT NULL DEFAULT '',
	process             TEXT NOT NULL DEFAULT '',
	process_raw         TEXT NOT NULL DEFAULT '',
	tags                JSONB,
	varieties           JSONB,
	geography           JSONB,
	tasting_notes       JSONB,
	content_hash        TEXT NOT NULL,
	raw_hash            TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'ok',
	review_reasons      JSONB,
	enrichment          JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_domain, platform_product_id)
);

CREATE TABLE IF NOT EXISTS variants (
	id                  BIGSERIAL PRIMARY KEY,
	product_id          BIGINT NOT NULL REFERENCES products(id),
	platform_variant_id TEXT NOT NULL,
	sku                 TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	grams               INTEGER NOT NULL DEFAULT 0,
	grind               TEXT NOT NULL DEFAULT '',
	currency            TEXT NOT NULL DEFAULT '',
	in_stock            BOOLEAN NOT NULL DEFAULT true,
	pack_count          INTEGER NOT NULL DEFAULT 1,
	compare_at_cents    BIGINT NOT NULL DEFAULT 0,
	current_price_cents BIGINT NOT NULL DEFAULT 0,
	current_on_sale     BOOLEAN NOT NULL DEFAULT false,
	last_checked_at     TIMESTAMPTZ,
	UNIQUE (product_id, platform_variant_id)
);

CREATE TABLE IF NOT EXISTS prices (
	id          BIGSERIAL PRIMARY KEY,
	variant_id  BIGINT NOT NULL REFERENCES variants(id),
	price_cents BIGINT NOT NULL,
	currency    TEXT NOT NULL,
	on_sale     BOOLEAN NOT NULL DEFAULT false,
	scraped_at  TIMESTAMPTZ NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	UNIQUE (variant_id, scraped_at)
);

CREATE TABLE IF NOT EXISTS images (
	id           BIGSERIAL PRIMARY KEY,
	product_id   BIGINT NOT NULL REFERENCES products(id),
	url          TEXT NOT NULL,
	alt          TEXT NOT NULL DEFAULT '',
	position     INTEGER NOT NULL DEFAULT 0,
	width        INTEGER NOT NULL DEFAULT 0,
	height       INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	cdn_ref      TEXT NOT NULL DEFAULT '',
	UNIQUE (product_id, url)
);

CREATE TABLE IF NOT EXISTS image_fingerprints (
	content_hash   TEXT PRIMARY KEY,
	cdn_ref        TEXT NOT NULL,
	first_seen_url TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS raw_artifacts (
	id            BIGSERIAL PRIMARY KEY,
	source_domain TEXT NOT NULL,
	origin        TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	fetched_at    TIMESTAMPTZ NOT NULL,
	raw_hash      TEXT NOT NULL,
	archive_path  TEXT NOT NULL DEFAULT '',
	UNIQUE (raw_hash, fetched_at)
);

CREATE TABLE IF NOT EXISTS review_queue (
	id                  BIGSERIAL PRIMARY KEY,
	source_domain       TEXT NOT NULL,
	platform_product_id TEXT NOT NULL DEFAULT '',
	raw_hash            TEXT NOT NULL DEFAULT '',
	reasons             JSONB NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved            BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id         BIGSERIAL PRIMARY KEY,
	raw_hash   TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	applied    BOOLEAN NOT NULL DEFAULT false,
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	source_domain TEXT NOT NULL,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'queued',
	stats         JSONB,
	error         TEXT NOT NULL DEFAULT '',
	enqueued_at   TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS source_state (
	domain                TEXT PRIMARY KEY,
	paused                BOOLEAN NOT NULL DEFAULT false,
	pause_reason          TEXT NOT NULL DEFAULT '',
	consecutive_permanent INTEGER NOT NULL DEFAULT 0,
	validators            JSONB,
	last_full_run         TIMESTAMPTZ,
	last_price_run        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_products_source ON products(source_domain);
CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
CREATE INDEX IF NOT EXISTS idx_variants_product ON variants(product_id);
CREATE INDEX IF NOT EXISTS idx_prices_variant ON prices(variant_id, scraped_at DESC);
CREATE INDEX IF NOT EXISTS idx_raw_artifacts_hash ON raw_artifacts(raw_hash);
CREATE INDEX IF NOT EXISTS idx_review_queue_open ON review_queue(resolved, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichment_key ON enrichment_records(raw_hash, field, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source_domain, enqueued_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRawArtifact(ctx context.Context, raw model.RawArtifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO raw_artifacts (source_domain, origin, source_url, fetched_at, raw_hash, archive_path)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (raw_hash, fetched_at) DO NOTHING`,
		raw.SourceDomain, raw.Origin, raw.SourceURL, raw.FetchedAt.UTC(), raw.RawHash, raw.ArchivePath,
	)
	return eris.Wrap(err, "postgres: save raw artifact")
}

func (s *PostgresStore) AddReview(ctx context.Context, item ReviewItem) error {
	reasonsJSON, err := json.Marshal(item.Reasons)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review reasons")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_queue (source_domain, platform_product_id, raw_hash, reasons)
		 VALUES ($1, $2, $3, $4)`,
		item.SourceDomain, item.PlatformProductID, item.RawHash, reasonsJSON,
	)
	return eris.Wrap(err, "postgres: add review")
}

func (s *PostgresStore) ListReview(ctx context.Context, limit int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_domain, platform_product_id, raw_hash, reasons, created_at, resolved
		 FROM review_queue WHERE NOT resolved ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review")
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		var reasonsJSON []byte
		if err := rows.Scan(&item.ID, &item.SourceDomain, &item.PlatformProductID, &item.RawHash, &reasonsJSON, &item.CreatedAt, &item.Resolved); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		if err := json.Unmarshal(reasonsJSON, &item.Reasons); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal review reasons")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list review rows")
}

func (s *PostgresStore) CountReview(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM review_queue WHERE NOT resolved`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count review")
}

func (s *PostgresStore) GetEnrichment(ctx context.Context, rawHash, field string) (*model.EnrichmentRecord, error) {
	var rec model.EnrichmentRecord
	err := s.pool.QueryRow(ctx,
		`SELECT raw_hash, field, value, confidence, applied, model, created_at
		 FROM enrichment_records WHERE raw_hash = $1 AND field = $2
		 ORDER BY created_at DESC LIMIT 1`,
		rawHash, field,
	).Scan(&rec.RawHash, &rec.Field, &rec.Value, &rec.Confidence, &rec.Applied, &rec.Model, &rec.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get enrichment")
	}
	return &rec, nil
}

func (s *PostgresStore) SaveEnrichment(ctx context.Context, rec model.EnrichmentRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_records (raw_hash, field, value, confidence, applied, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RawHash, rec.Field, rec.Value, rec.Confidence, rec.Applied, rec.Model, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: save enrichment")
}

func (s *PostgresStore) CreateJob(ctx context.Context, job model.Job) error {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job stats")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, source_domain, kind, state, stats, error, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.SourceDomain, string(job.Kind), string(job.State), statsJSON, job.Error, job.EnqueuedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: create job")
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job model.Job) error {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job stats")
	}
	var started, finished *time.Time
	if !job.StartedAt.IsZero() {
		t := job.StartedAt.UTC()
		started = &t
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt.UTC()
		finished = &t
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, stats = $2, error = $3, started_at = $4, finished_at = $5 WHERE id = $6`,
		string(job.State), statsJSON, job.Error, started, finished, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, source_domain, kind, state, stats, error, enqueued_at, started_at, finished_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceDomain != "" {
		query += fmt.Sprintf(` AND source_domain = $%d`, argIdx)
		args = append(args, filter.SourceDomain)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND enqueued_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY enqueued_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var statsJSON []byte
		var started, finished *time.Time
		if err := rows.Scan(&j.ID, &j.SourceDomain, &j.Kind, &j.State, &statsJSON, &j.Error, &j.EnqueuedAt, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &j.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal job stats")
			}
		}
		if started != nil {
			j.StartedAt = *started
		}
		if finished != nil {
			j.FinishedAt = *finished
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs rows")
}

func (s *PostgresStore) GetSourceState(ctx context.Context, domain string) (*model.SourceState, error) {
	var st model.SourceState
	var validatorsJSON []byte
	var lastFull, lastPrice *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT domain, paused, pause_reason, consecutive_permanent, validators, last_full_run, last_price_run
		 FROM source_state WHERE domain = $1`,
		domain,
	).Scan(&st.Domain, &st.Paused, &st.PauseReason, &st.ConsecutivePermanent, &validatorsJSON, &lastFull, &lastPrice)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return &model.SourceState{Domain: domain, Validators: map[string]model.CacheValidator{}}, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source state %s", domain)
	}
	if len(validatorsJSON) > 0 {
		if err := json.Unmarshal(validatorsJSON, &st.Validators); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal validators")
		}
	}
	if st.Validators == nil {
		st.Validators = map[string]model.CacheValidator{}
	}
	if lastFull != nil {
		st.LastFullRun = *lastFull
	}
	if lastPrice != nil {
		st.LastPriceRun = *lastPrice
	}
	return &st, nil
}

func (s *PostgresStore) SaveSourceState(ctx context.Context, st model.SourceState) error {
	validatorsJSON, err := json.Marshal(st.Validators)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validators")
	}
	var lastFull, lastPrice *time.Time
	if !st.LastFullRun.IsZero() {
		t := st.LastFullRun.UTC()
		lastFull = &t
	}
	if !st.LastPriceRun.IsZero() {
		t := st.LastPriceRun.UTC()
		lastPrice = &t
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_state (domain, paused, pause_reason, consecutive_permanent, validators, last_full_run, last_price_run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain) DO UPDATE SET
			paused = EXCLUDED.paused,
			pause_reason = EXCLUDED.pause_reason,
			consecutive_permanent = EXCLUDED.consecutive_permanent,
			validators = EXCLUDED.validators,
			last_full_run = EXCLUDED.last_full_run,
			last_price_run = EXCLUDED.last_price_run`,
		st.Domain, st.Paused, st.PauseReason, st.ConsecutivePermanent, validatorsJSON, lastFull, lastPrice,
	)
	return eris.Wrapf(err, "postgres: save source state %s", st.Domain)
}
