// Package store persists canonical catalog state behind a small set of
// idempotent write operations.
package store

import (
	"context"
	"time"

	"github.com/roastradar/catalog-sync/internal/model"
)

// VariantPrice is the current-price projection for one variant.
type VariantPrice struct {
	PlatformVariantID string    `json:"platform_variant_id"`
	PriceCents        int64     `json:"price_cents"`
	Currency          string    `json:"currency"`
	OnSale            bool      `json:"on_sale"`
	LastCheckedAt     time.Time `json:"last_checked_at"`
}

// ProductSnapshot is the transformer's view of the last persisted state of
// one product: enough to decide whether a metadata write is needed and
// which prices changed.
type ProductSnapshot struct {
	ProductID     int64                   `json:"product_id"`
	ContentHash   string                  `json:"content_hash"`
	VariantCount  int                     `json:"variant_count"`
	CurrentPrices map[string]VariantPrice `json:"current_prices"` // by platform variant id
}

// ApplyResult reports what a full artifact write changed.
type ApplyResult struct {
	ProductID       int64 `json:"product_id"`
	VariantsWritten int   `json:"variants_written"`
	PricesInserted  int   `json:"prices_inserted"`
	ImagesWritten   int   `json:"images_written"`
}

// ReviewItem is one entry in the manual review queue.
type ReviewItem struct {
	ID                int64     `json:"id"`
	SourceDomain      string    `json:"source_domain"`
	PlatformProductID string    `json:"platform_product_id,omitempty"`
	RawHash           string    `json:"raw_hash"`
	Reasons           []string  `json:"reasons"`
	CreatedAt         time.Time `json:"created_at"`
	Resolved          bool      `json:"resolved"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	SourceDomain string         `json:"source_domain,omitempty"`
	State        model.JobState `json:"state,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// Store defines the persistence contract for the ingestion pipeline. Every
// write is idempotent on its key: replaying the same artifact version must
// be a no-op beyond the first successful write.
type Store interface {
	// Atomic multi-entity write. Product metadata, variants, changed-price
	// observations, and images commit in one transaction keyed on
	// (source_domain, platform_product_id, platform_variant_id).
	ApplyArtifact(ctx context.Context, a *model.CanonicalArtifact, prices []model.PriceObservation) (*ApplyResult, error)

	// InsertPrice appends one price observation and updates the variant's
	// current-price projection and last-checked timestamp in the same
	// transaction. Inserting the same (variant, scraped_at) twice is a
	// no-op.
	InsertPrice(ctx context.Context, obs model.PriceObservation) (bool, error)

	// TouchVariant updates only the last-checked timestamp, for price-only
	// runs where the price did not move.
	TouchVariant(ctx context.Context, key model.VariantKey, checkedAt time.Time) error

	// GetProductSnapshot returns the last persisted state for change
	// detection, or nil when the product has never been written.
	GetProductSnapshot(ctx context.Context, sourceDomain, platformProductID string) (*ProductSnapshot, error)

	// ListVariantPrices returns the current-price projections for every
	// known variant of a source (the price-only path's comparison set).
	ListVariantPrices(ctx context.Context, sourceDomain string) (map[string]map[string]VariantPrice, error)

	// Image dedup.
	CheckContentHash(ctx context.Context, contentHash string) (string, error)
	SaveImageFingerprint(ctx context.Context, fp model.ImageFingerprint) error

	// Raw artifact ledger (the payload bytes live in the archive; the
	// store records the pointer).
	SaveRawArtifact(ctx context.Context, raw model.RawArtifact) error

	// Review queue.
	AddReview(ctx context.Context, item ReviewItem) error
	ListReview(ctx context.Context, limit int) ([]ReviewItem, error)
	CountReview(ctx context.Context) (int, error)

	// Enrichment cache, keyed (raw hash, field). Get returns the newest
	// record or nil.
	GetEnrichment(ctx context.Context, rawHash, field string) (*model.EnrichmentRecord, error)
	SaveEnrichment(ctx context.Context, rec model.EnrichmentRecord) error

	// Jobs.
	CreateJob(ctx context.Context, job model.Job) error
	UpdateJob(ctx context.Context, job model.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Per-source runtime state.
	GetSourceState(ctx context.Context, domain string) (*model.SourceState, error)
	SaveSourceState(ctx context.Context, st model.SourceState) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
