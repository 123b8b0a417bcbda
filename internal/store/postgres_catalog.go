package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/roastradar/catalog-sync/internal/model"
)

const upsertProductSQL = `
INSERT INTO products (
	source_domain, platform_product_id, name, slug, description, available, decaf,
	roast, roast_raw, process, process_raw,
	tags, varieties, geography, tasting_notes,
	content_hash, raw_hash, status, review_reasons, enrichment, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11,
	$12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21
)
ON CONFLICT (source_domain, platform_product_id) DO UPDATE SET
	name = EXCLUDED.name,
	slug = EXCLUDED.slug,
	description = EXCLUDED.description,
	available = EXCLUDED.available,
	decaf = EXCLUDED.decaf,
	roast = EXCLUDED.roast,
	roast_raw = EXCLUDED.roast_raw,
	process = EXCLUDED.process,
	process_raw = EXCLUDED.process_raw,
	tags = EXCLUDED.tags,
	varieties = EXCLUDED.varieties,
	geography = EXCLUDED.geography,
	tasting_notes = EXCLUDED.tasting_notes,
	content_hash = EXCLUDED.content_hash,
	raw_hash = EXCLUDED.raw_hash,
	status = EXCLUDED.status,
	review_reasons = EXCLUDED.review_reasons,
	enrichment = EXCLUDED.enrichment,
	updated_at = EXCLUDED.updated_at
RETURNING id`

const upsertVariantSQL = `
INSERT INTO variants (
	product_id, platform_variant_id, sku, title, grams, grind, currency,
	in_stock, pack_count, compare_at_cents
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (product_id, platform_variant_id) DO UPDATE SET
	sku = EXCLUDED.sku,
	title = EXCLUDED.title,
	grams = EXCLUDED.grams,
	grind = EXCLUDED.grind,
	currency = EXCLUDED.currency,
	in_stock = EXCLUDED.in_stock,
	pack_count = EXCLUDED.pack_count,
	compare_at_cents = EXCLUDED.compare_at_cents
RETURNING id`

const upsertImageSQL = `
INSERT INTO images (product_id, url, alt, position, width, height, content_hash, cdn_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (product_id, url) DO UPDATE SET
	alt = EXCLUDED.alt,
	position = EXCLUDED.position,
	width = EXCLUDED.width,
	height = EXCLUDED.height,
	content_hash = EXCLUDED.content_hash,
	cdn_ref = EXCLUDED.cdn_ref`

const insertPriceSQL = `
INSERT INTO prices (variant_id, price_cents, currency, on_sale, scraped_at, source_url)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (variant_id, scraped_at) DO NOTHING`

const updateProjectionSQL = `
UPDATE variants SET current_price_cents = $1, currency = $2, current_on_sale = $3, last_checked_at = $4
WHERE id = $5`

const lookupVariantSQL = `
SELECT v.id FROM variants v
JOIN products p ON p.id = v.product_id
WHERE p.source_domain = $1 AND p.platform_product_id = $2 AND v.platform_variant_id = $3`

// ApplyArtifact writes product metadata, variants, changed-price
// observations, and images in one transaction. Replaying the same artifact
// version changes nothing: every statement conflicts into an update or a
// no-op on its natural key.
func (s *PostgresStore) ApplyArtifact(ctx context.Context, a *model.CanonicalArtifact, prices []model.PriceObservation) (*ApplyResult, error) {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal tags")
	}
	varieties, err := json.Marshal(a.Varieties)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal varieties")
	}
	geography, err := json.Marshal(a.Geography)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal geography")
	}
	notes, err := json.Marshal(a.TastingNotes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal tasting notes")
	}
	reasons, err := json.Marshal(a.ReviewReasons)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal review reasons")
	}
	enrichment, err := json.Marshal(a.Enrichment)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal enrichment")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin apply")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	result := &ApplyResult{}
	err = tx.QueryRow(ctx, upsertProductSQL,
		a.SourceDomain, a.PlatformProductID, a.Name, a.Slug, a.Description, a.Available, a.Decaf,
		string(a.Roast), a.RoastRaw, string(a.Process), a.ProcessRaw,
		tags, varieties, geography, notes,
		a.ContentHash, a.RawHash, string(a.Status), reasons, enrichment, time.Now().UTC(),
	).Scan(&result.ProductID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert product %s/%s", a.SourceDomain, a.PlatformProductID)
	}

	variantIDs := make(map[string]int64, len(a.Variants))
	for _, v := range a.Variants {
		var id int64
		err := tx.QueryRow(ctx, upsertVariantSQL,
			result.ProductID, v.PlatformVariantID, v.SKU, v.Title, v.Grams, string(v.Grind), v.Currency,
			v.InStock, v.PackCount, v.CompareAtCents,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert variant %s", v.PlatformVariantID)
		}
		variantIDs[v.PlatformVariantID] = id
		result.VariantsWritten++
	}

	for _, obs := range prices {
		id, ok := variantIDs[obs.Key.PlatformVariantID]
		if !ok {
			return nil, eris.Errorf("price observation for unknown variant %s", obs.Key.PlatformVariantID)
		}
		tag, err := tx.Exec(ctx, insertPriceSQL,
			id, obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), obs.SourceURL,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert price for variant %s", obs.Key.PlatformVariantID)
		}
		if tag.RowsAffected() > 0 {
			result.PricesInserted++
		}
		if _, err := tx.Exec(ctx, updateProjectionSQL,
			obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), id,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: update projection for variant %s", obs.Key.PlatformVariantID)
		}
	}

	for _, img := range a.Images {
		if _, err := tx.Exec(ctx, upsertImageSQL,
			result.ProductID, img.URL, img.Alt, img.Position, img.Width, img.Height, img.ContentHash, img.CDNRef,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert image %s", img.URL)
		}
		result.ImagesWritten++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit apply")
	}
	return result, nil
}

// InsertPrice appends one observation and refreshes the variant's
// current-price projection. Returns false when the (variant, scraped_at)
// pair already exists.
func (s *PostgresStore) InsertPrice(ctx context.Context, obs model.PriceObservation) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin price insert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var variantID int64
	err = tx.QueryRow(ctx, lookupVariantSQL,
		obs.Key.SourceDomain, obs.Key.PlatformProductID, obs.Key.PlatformVariantID,
	).Scan(&variantID)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return false, eris.Errorf("variant not found: %s/%s/%s",
				obs.Key.SourceDomain, obs.Key.PlatformProductID, obs.Key.PlatformVariantID)
		}
		return false, eris.Wrap(err, "postgres: lookup variant")
	}

	tag, err := tx.Exec(ctx, insertPriceSQL,
		variantID, obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), obs.SourceURL,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert price")
	}
	inserted := tag.RowsAffected() > 0
	if inserted {
		if _, err := tx.Exec(ctx, updateProjectionSQL,
			obs.PriceCents, obs.Currency, obs.OnSale, obs.ScrapedAt.UTC(), variantID,
		); err != nil {
			return false, eris.Wrap(err, "postgres: update projection")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit price insert")
	}
	return inserted, nil
}

func (s *PostgresStore) TouchVariant(ctx context.Context, key model.VariantKey, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE variants v SET last_checked_at = $4
		FROM products p
		WHERE p.id = v.product_id
		  AND p.source_domain = $1 AND p.platform_product_id = $2 AND v.platform_variant_id = $3`,
		key.SourceDomain, key.PlatformProductID, key.PlatformVariantID, checkedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: touch variant")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("variant not found: %s/%s/%s",
			key.SourceDomain, key.PlatformProductID, key.PlatformVariantID)
	}
	return nil
}

func (s *PostgresStore) GetProductSnapshot(ctx context.Context, sourceDomain, platformProductID string) (*ProductSnapshot, error) {
	snap := &ProductSnapshot{CurrentPrices: map[string]VariantPrice{}}
	err := s.pool.QueryRow(ctx,
		`SELECT id, content_hash FROM products WHERE source_domain = $1 AND platform_product_id = $2`,
		sourceDomain, platformProductID,
	).Scan(&snap.ProductID, &snap.ContentHash)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get product snapshot")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT platform_variant_id, current_price_cents, currency, current_on_sale, COALESCE(last_checked_at, 'epoch'::timestamptz)
		 FROM variants WHERE product_id = $1`,
		snap.ProductID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot variants")
	}
	defer rows.Close()

	for rows.Next() {
		var vp VariantPrice
		if err := rows.Scan(&vp.PlatformVariantID, &vp.PriceCents, &vp.Currency, &vp.OnSale, &vp.LastCheckedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot variant")
		}
		snap.CurrentPrices[vp.PlatformVariantID] = vp
		snap.VariantCount++
	}
	return snap, eris.Wrap(rows.Err(), "postgres: snapshot variant rows")
}

func (s *PostgresStore) ListVariantPrices(ctx context.Context, sourceDomain string) (map[string]map[string]VariantPrice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.platform_product_id, v.platform_variant_id, v.current_price_cents, v.currency, v.current_on_sale, COALESCE(v.last_checked_at, 'epoch'::timestamptz)
		 FROM variants v JOIN products p ON p.id = v.product_id
		 WHERE p.source_domain = $1`,
		sourceDomain,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list variant prices")
	}
	defer rows.Close()

	out := map[string]map[string]VariantPrice{}
	for rows.Next() {
		var productID string
		var vp VariantPrice
		if err := rows.Scan(&productID, &vp.PlatformVariantID, &vp.PriceCents, &vp.Currency, &vp.OnSale, &vp.LastCheckedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan variant price")
		}
		if out[productID] == nil {
			out[productID] = map[string]VariantPrice{}
		}
		out[productID][vp.PlatformVariantID] = vp
	}
	return out, eris.Wrap(rows.Err(), "postgres: variant price rows")
}

// CheckContentHash returns the CDN reference for a previously uploaded
// image, or "" when the hash has never been seen.
func (s *PostgresStore) CheckContentHash(ctx context.Context, contentHash string) (string, error) {
	var ref string
	err := s.pool.QueryRow(ctx,
		`SELECT cdn_ref FROM image_fingerprints WHERE content_hash = $1`, contentHash,
	).Scan(&ref)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "postgres: check content hash")
	}
	return ref, nil
}

func (s *PostgresStore) SaveImageFingerprint(ctx context.Context, fp model.ImageFingerprint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO image_fingerprints (content_hash, cdn_ref, first_seen_url)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (content_hash) DO NOTHING`,
		fp.ContentHash, fp.CDNRef, fp.FirstSeenURL,
	)
	return eris.Wrap(err, "postgres: save image fingerprint")
}
