package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/roastradar/catalog-sync/internal/model"
)

// SQLiteStore is a single-file Store for local development and small
// deployments. Same contract as PostgresStore, no server required.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	source_domain       TEXT NOT NULL,
	platform_product_id TEXT NOT NULL,
	name                TEXT NOT NULL,
	slug                TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	available           INTEGER NOT NULL DEFAULT 1,
	decaf               INTEGER NOT NULL DEFAULT 0,
	roast               TEXT NOT NULL DEFAULT '',
	roast_raw           TEXT NOT NULL DEFAULT '',
	process             TEXT NOT NULL DEFAULT '',
	process_raw         TEXT NOT NULL DEFAULT '',
	tags                TEXT,
	varieties           TEXT,
	geography           TEXT,
	tasting_notes       TEXT,
	content_hash        TEXT NOT NULL,
	raw_hash            TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'ok',
	review_reasons      TEXT,
	enrichment          TEXT,
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (source_domain, platform_product_id)
);

CREATE TABLE IF NOT EXISTS variants (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id          INTEGER NOT NULL REFERENCES products(id),
	platform_variant_id TEXT NOT NULL,
	sku                 TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	grams               INTEGER NOT NULL DEFAULT 0,
	grind               TEXT NOT NULL DEFAULT '',
	currency            TEXT NOT NULL DEFAULT '',
	in_stock            INTEGER NOT NULL DEFAULT 1,
	pack_count          INTEGER NOT NULL DEFAULT 1,
	compare_at_cents    INTEGER NOT NULL DEFAULT 0,
	current_price_cents INTEGER NOT NULL DEFAULT 0,
	current_on_sale     INTEGER NOT NULL DEFAULT 0,
	last_checked_at     TIMESTAMP,
	UNIQUE (product_id, platform_variant_id)
);

CREATE TABLE IF NOT EXISTS prices (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	variant_id  INTEGER NOT NULL REFERENCES variants(id),
	price_cents INTEGER NOT NULL,
	currency    TEXT NOT NULL,
	on_sale     INTEGER NOT NULL DEFAULT 0,
	scraped_at  TIMESTAMP NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	UNIQUE (variant_id, scraped_at)
);

CREATE TABLE IF NOT EXISTS images (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id   INTEGER NOT NULL REFERENCES products(id),
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
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS raw_artifacts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	source_domain TEXT NOT NULL,
	origin        TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	fetched_at    TIMESTAMP NOT NULL,
	raw_hash      TEXT NOT NULL,
	archive_path  TEXT NOT NULL DEFAULT '',
	UNIQUE (raw_hash, fetched_at)
);

CREATE TABLE IF NOT EXISTS review_queue (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	source_domain       TEXT NOT NULL,
	platform_product_id TEXT NOT NULL DEFAULT '',
	raw_hash            TEXT NOT NULL DEFAULT '',
	reasons             TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	raw_hash   TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	applied    INTEGER NOT NULL DEFAULT 0,
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	source_domain TEXT NOT NULL,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'queued',
	stats         TEXT,
	error         TEXT NOT NULL DEFAULT '',
	enqueued_at   TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS source_state (
	domain                TEXT PRIMARY KEY,
	paused                INTEGER NOT NULL DEFAULT 0,
	pause_reason          TEXT NOT NULL DEFAULT '',
	consecutive_permanent INTEGER NOT NULL DEFAULT 0,
	validators            TEXT,
	last_full_run         TIMESTAMP,
	last_price_run        TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_products_source ON products(source_domain);
CREATE INDEX IF NOT EXISTS idx_variants_product ON variants(product_id);
CREATE INDEX IF NOT EXISTS idx_prices_variant ON prices(variant_id, scraped_at DESC);
CREATE INDEX IF NOT EXISTS idx_review_queue_open ON review_queue(resolved, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichment_key ON enrichment_records(raw_hash, field, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func (s *SQLiteStore) ApplyArtifact(ctx context.Context, a *model.CanonicalArtifact, prices []model.PriceObservation) (*ApplyResult, error) {
	tags, _ := json.Marshal(a.Tags)
	varieties, _ := json.Marshal(a.Varieties)
	geography, _ := json.Marshal(a.Geography)
	notes, _ := json.Marshal(a.TastingNotes)
	reasons, _ := json.Marshal(a.ReviewReasons)
	enrichment, _ := json.Marshal(a.Enrichment)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin apply")
	}
	defer tx.Rollback() //nolint:errcheck

	result := &ApplyResult{}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO products (
			source_domain, platform_product_id, name, slug, description, available, decaf,
			roast, roast_raw, process, process_raw,
			tags, varieties, geography, tasting_notes,
			content_hash, raw_hash, status, review_reasons, enrichment, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_domain, platform_product_id) DO UPDATE SET
			name = excluded.name, slug = excluded.slug, description = excluded.description,
			available = excluded.available, decaf = excluded.decaf,
			roast = excluded.roast, roast_raw = excluded.roast_raw,
			process = excluded.process, process_raw = excluded.process_raw,
			tags = excluded.tags, varieties = excluded.varieties,
			geography = excluded.geography, tasting_notes = excluded.tasting_notes,
			content_hash = excluded.content_hash, raw_hash = excluded.raw_hash,
			status = excluded.status, review_reasons = excluded.review_reasons,
			enrichment = excluded.enrichment, updated_at = excluded.updated_at
		RETURNING id`,
		a.SourceDomain, a.PlatformProductID, a.Name, a.Slug, a.Description, a.Available, a.Decaf,
		string(a.Roast), a.RoastRaw, string(a.Process), a.ProcessRaw,
		string(tags), string(varieties), string(geography), string(notes),
		a.ContentHash, a.RawHash, string(a.Status), string(reasons), string(enrichment), time.Now().UTC(),
	).Scan(&result.ProductID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert product %s/%s", a.SourceDomain, a.PlatformProductID)
	}

	variantIDs := make(map[string]int64, len(a.Variants))
	for _, v := range a.Variants {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO variants (
				product_id, platform_variant_id, sku, title, grams, grind, currency,
				in_stock, pack_count, compare_at_cents
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (product_id, platform_variant_id) DO UPDATE SET
				sku = excluded.sku, title = excluded.title, grams = excluded.grams,
				grind = excluded.grind, currency = excluded.currency,
				in_stock = excluded.in_stock, pack_count = excluded.pack_count,
				compare_at_cents = excluded.compare_at_cents
			RETURNING id`,
			result.ProductID, v.PlatformVariantID, v.SKU, v.Title, v.Grams, string(v.Grind), v.Currency,
			v.InStock, v.PackCount, v.CompareAtCents,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert variant %s", v.PlatformVariantID)
		}
		variantIDs[v.PlatformVariantID] = id
		result.VariantsWritten++
	}

	for _, obs := range prices {
		id, ok := variantIDs[obs.Key.PlatformVariantID]
		if !ok {
			return nil, eris.Errorf("price observation for unknown variant %s", obs.Key.PlatformVariantID)
		}
		inserted, err := insertPriceTx(ctx, tx, id, obs)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.PricesInserted++
		}
	}

	for _, img := range a.Images {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO images (product_id, url, alt, position, width, height, content_hash, cdn_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (product_id, url) DO UPDATE SET
				alt = excluded.alt, position = excluded.position,
				width = excluded.width, height = excluded.height,
				content_hash = excluded.content_hash, cdn_ref = excluded.cdn_ref`,
			result.ProductID, img.URL, img.Alt, img.Position, img.Width, img.Height, img.ContentHash, img.CDNRef,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert image %s", img.URL)
		}
		result.ImagesWritten++
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit apply")
	}
	return result, nil
}

func insertPriceTx(ctx context.Context, tx *sql.Tx, variantID int64, obs model.PriceObservation) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO prices (variant_id, price_cents, currency, on_sale, scraped_at, source_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (variant_id, scraped_at) DO NOTHING`,
		variantID, obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), obs.SourceURL,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert price")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: price rows affected")
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE variants SET current_price_cents = ?, currency = ?, current_on_sale = ?, last_checked_at = ?
		WHERE id = ?`,
		obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), variantID,
	); err != nil {
		return false, eris.Wrap(err, "sqlite: update projection")
	}
	return true, nil
}

func (s *SQLiteStore) InsertPrice(ctx context.Context, obs model.PriceObservation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin price insert")
	}
	defer tx.Rollback() //nolint:errcheck

	var variantID int64
	err = tx.QueryRowContext(ctx, `
		SELECT v.id FROM variants v
		JOIN products p ON p.id = v.product_id
		WHERE p.source_domain = ? AND p.platform_product_id = ? AND v.platform_variant_id = ?`,
		obs.Key.SourceDomain, obs.Key.PlatformProductID, obs.Key.PlatformVariantID,
	).Scan(&variantID)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return false, eris.Errorf("variant not found: %s/%s/%s",
				obs.Key.SourceDomain, obs.Key.PlatformProductID, obs.Key.PlatformVariantID)
		}
		return false, eris.Wrap(err, "sqlite: lookup variant")
	}

	inserted, err := insertPriceTx(ctx, tx, variantID, obs)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit price insert")
	}
	return inserted, nil
}

func (s *SQLiteStore) TouchVariant(ctx context.Context, key model.VariantKey, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE variants SET last_checked_at = ?
		WHERE id IN (
			SELECT v.id FROM variants v
			JOIN products p ON p.id = v.product_id
			WHERE p.source_domain = ? AND p.platform_product_id = ? AND v.platform_variant_id = ?
		)`,
		checkedAt.UTC(), key.SourceDomain, key.PlatformProductID, key.PlatformVariantID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: touch variant")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: touch rows affected")
	}
	if n == 0 {
		return eris.Errorf("variant not found: %s/%s/%s",
			key.SourceDomain, key.PlatformProductID, key.PlatformVariantID)
	}
	return nil
}

func (s *SQLiteStore) GetProductSnapshot(ctx context.Context, sourceDomain, platformProductID string) (*ProductSnapshot, error) {
	snap := &ProductSnapshot{CurrentPrices: map[string]VariantPrice{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash FROM products WHERE source_domain = ? AND platform_product_id = ?`,
		sourceDomain, platformProductID,
	).Scan(&snap.ProductID, &snap.ContentHash)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get product snapshot")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT platform_variant_id, current_price_cents, currency, current_on_sale, last_checked_at
		 FROM variants WHERE product_id = ?`,
		snap.ProductID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot variants")
	}
	defer rows.Close()

	for rows.Next() {
		var vp VariantPrice
		var checked sql.NullTime
		if err := rows.Scan(&vp.PlatformVariantID, &vp.PriceCents, &vp.Currency, &vp.OnSale, &checked); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot variant")
		}
		if checked.Valid {
			vp.LastCheckedAt = checked.Time
		}
		snap.CurrentPrices[vp.PlatformVariantID] = vp
		snap.VariantCount++
	}
	return snap, eris.Wrap(rows.Err(), "sqlite: snapshot variant rows")
}

func (s *SQLiteStore) ListVariantPrices(ctx context.Context, sourceDomain string) (map[string]map[string]VariantPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.platform_product_id, v.platform_variant_id, v.current_price_cents, v.currency, v.current_on_sale, v.last_checked_at
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE p.source_domain = ?`,
		sourceDomain,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list variant prices")
	}
	defer rows.Close()

	out := map[string]map[string]VariantPrice{}
	for rows.Next() {
		var productID string
		var vp VariantPrice
		var checked sql.NullTime
		if err := rows.Scan(&productID, &vp.PlatformVariantID, &vp.PriceCents, &vp.Currency, &vp.OnSale, &checked); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan variant price")
		}
		if checked.Valid {
			vp.LastCheckedAt = checked.Time
		}
		if out[productID] == nil {
			out[productID] = map[string]VariantPrice{}
		}
		out[productID][vp.PlatformVariantID] = vp
	}
	return out, eris.Wrap(rows.Err(), "sqlite: variant price rows")
}

func (s *SQLiteStore) CheckContentHash(ctx context.Context, contentHash string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT cdn_ref FROM image_fingerprints WHERE content_hash = ?`, contentHash,
	).Scan(&ref)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "sqlite: check content hash")
	}
	return ref, nil
}

func (s *SQLiteStore) SaveImageFingerprint(ctx context.Context, fp model.ImageFingerprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_fingerprints (content_hash, cdn_ref, first_seen_url)
		VALUES (?, ?, ?) ON CONFLICT (content_hash) DO NOTHING`,
		fp.ContentHash, fp.CDNRef, fp.FirstSeenURL,
	)
	return eris.Wrap(err, "sqlite: save image fingerprint")
}

func (s *SQLiteStore) SaveRawArtifact(ctx context.Context, raw model.RawArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_artifacts (source_domain, origin, source_url, fetched_at, raw_hash, archive_path)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (raw_hash, fetched_at) DO NOTHING`,
		raw.SourceDomain, raw.Origin, raw.SourceURL, raw.FetchedAt.UTC(), raw.RawHash, raw.ArchivePath,
	)
	return eris.Wrap(err, "sqlite: save raw artifact")
}

func (s *SQLiteStore) AddReview(ctx context.Context, item ReviewItem) error {
	reasonsJSON, err := json.Marshal(item.Reasons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review reasons")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_queue (source_domain, platform_product_id, raw_hash, reasons)
		VALUES (?, ?, ?, ?)`,
		item.SourceDomain, item.PlatformProductID, item.RawHash, string(reasonsJSON),
	)
	return eris.Wrap(err, "sqlite: add review")
}

func (s *SQLiteStore) ListReview(ctx context.Context, limit int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_domain, platform_product_id, raw_hash, reasons, created_at, resolved
		FROM review_queue WHERE resolved = 0 ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review")
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		var reasonsJSON string
		if err := rows.Scan(&item.ID, &item.SourceDomain, &item.PlatformProductID, &item.RawHash, &reasonsJSON, &item.CreatedAt, &item.Resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		if err := json.Unmarshal([]byte(reasonsJSON), &item.Reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal review reasons")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list review rows")
}

func (s *SQLiteStore) CountReview(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM review_queue WHERE resolved = 0`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count review")
}

func (s *SQLiteStore) GetEnrichment(ctx context.Context, rawHash, field string) (*model.EnrichmentRecord, error) {
	var rec model.EnrichmentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT raw_hash, field, value, confidence, applied, model, created_at
		FROM enrichment_records WHERE raw_hash = ? AND field = ?
		ORDER BY created_at DESC LIMIT 1`,
		rawHash, field,
	).Scan(&rec.RawHash, &rec.Field, &rec.Value, &rec.Confidence, &rec.Applied, &rec.Model, &rec.CreatedAt)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get enrichment")
	}
	return &rec, nil
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, rec model.EnrichmentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_records (raw_hash, field, value, confidence, applied, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RawHash, rec.Field, rec.Value, rec.Confidence, rec.Applied, rec.Model, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save enrichment")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) error {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job stats")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_domain, kind, state, stats, error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceDomain, string(job.Kind), string(job.State), string(statsJSON), job.Error, job.EnqueuedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: create job")
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job model.Job) error {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job stats")
	}
	var started, finished any
	if !job.StartedAt.IsZero() {
		started = job.StartedAt.UTC()
	}
	if !job.FinishedAt.IsZero() {
		finished = job.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, stats = ?, error = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(job.State), string(statsJSON), job.Error, started, finished, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: job rows affected")
	}
	if n == 0 {
		return eris.Errorf("job not found: %s", job.ID)
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, source_domain, kind, state, stats, error, enqueued_at, started_at, finished_at FROM jobs WHERE 1=1`
	args := []any{}

	if filter.SourceDomain != "" {
		query += ` AND source_domain = ?`
		args = append(args, filter.SourceDomain)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND enqueued_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY enqueued_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var statsJSON string
		var started, finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.SourceDomain, &j.Kind, &j.State, &statsJSON, &j.Error, &j.EnqueuedAt, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		if statsJSON != "" {
			if err := json.Unmarshal([]byte(statsJSON), &j.Stats); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal job stats")
			}
		}
		if started.Valid {
			j.StartedAt = started.Time
		}
		if finished.Valid {
			j.FinishedAt = finished.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs rows")
}

func (s *SQLiteStore) GetSourceState(ctx context.Context, domain string) (*model.SourceState, error) {
	var st model.SourceState
	var validatorsJSON sql.NullString
	var lastFull, lastPrice sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, paused, pause_reason, consecutive_permanent, validators, last_full_run, last_price_run
		FROM source_state WHERE domain = ?`,
		domain,
	).Scan(&st.Domain, &st.Paused, &st.PauseReason, &st.ConsecutivePermanent, &validatorsJSON, &lastFull, &lastPrice)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return &model.SourceState{Domain: domain, Validators: map[string]model.CacheValidator{}}, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get source state %s", domain)
	}
	if validatorsJSON.Valid && validatorsJSON.String != "" {
		if err := json.Unmarshal([]byte(validatorsJSON.String), &st.Validators); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal validators")
		}
	}
	if st.Validators == nil {
		st.Validators = map[string]model.CacheValidator{}
	}
	if lastFull.Valid {
		st.LastFullRun = lastFull.Time
	}
	if lastPrice.Valid {
		st.LastPriceRun = lastPrice.Time
	}
	return &st, nil
}

func (s *SQLiteStore) SaveSourceState(ctx context.Context, st model.SourceState) error {
	validatorsJSON, err := json.Marshal(st.Validators)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validators")
	}
	var lastFull, lastPrice any
	if !st.LastFullRun.IsZero() {
		lastFull = st.LastFullRun.UTC()
	}
	if !st.LastPriceRun.IsZero() {
		lastPrice = st.LastPriceRun.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_state (domain, paused, pause_reason, consecutive_permanent, validators, last_full_run, last_price_run)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			paused = excluded.paused,
			pause_reason = excluded.pause_reason,
			consecutive_permanent = excluded.consecutive_permanent,
			validators = excluded.validators,
			last_full_run = excluded.last_full_run,
			last_price_run = excluded.last_price_run`,
		st.Domain, st.Paused, st.PauseReason, st.ConsecutivePermanent, string(validatorsJSON), lastFull, lastPrice,
	)
	return eris.Wrapf(err, "sqlite: save source state %s", st.Domain)
}

// Open selects a Store backend from a driver name. "postgres" needs a
// connection string; "sqlite" a file path.
func Open(ctx context.Context, driver, dsn string, maxConns, minConns int32) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, maxConns, minConns)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("unknown store driver: %s", driver)
	}
}
