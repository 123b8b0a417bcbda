package model

import "time"

// ArtifactStatus is the triage state of a canonical artifact.
type ArtifactStatus string

const (
	ArtifactStatusOK     ArtifactStatus = "ok"
	ArtifactStatusReview ArtifactStatus = "review"
)

// RawArtifact is one unprocessed fetched payload. It is immutable once
// captured and is archived before any validation runs, so malformed
// payloads are still replayable.
type RawArtifact struct {
	Origin       string    `json:"origin"` // "api", "fallback"
	SourceDomain string    `json:"source_domain"`
	SourceURL    string    `json:"source_url"`
	FetchedAt    time.Time `json:"fetched_at"`
	Payload      []byte    `json:"payload"`
	RawHash      string    `json:"raw_hash"`
	ArchivePath  string    `json:"archive_path,omitempty"`
}

// Geography holds the extracted origin of a coffee.
type Geography struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	Producer string `json:"producer,omitempty"`
}

// Variant is one purchasable option of a product.
type Variant struct {
	PlatformVariantID string `json:"platform_variant_id"`
	SKU               string `json:"sku,omitempty"`
	Title             string `json:"title,omitempty"`
	PriceCents        int64  `json:"price_cents"`
	CompareAtCents    int64  `json:"compare_at_cents,omitempty"`
	Currency          string `json:"currency"`
	WeightText        string `json:"weight_text,omitempty"`
	Grams             int    `json:"grams,omitempty"`
	Grind             Grind  `json:"grind,omitempty"`
	InStock           bool   `json:"in_stock"`
	PackCount         int    `json:"pack_count,omitempty"`
}

// OnSale reports whether the variant is discounted against its compare-at
// price.
func (v Variant) OnSale() bool {
	return v.CompareAtCents > 0 && v.PriceCents < v.CompareAtCents
}

// Image is one product image reference.
type Image struct {
	URL         string `json:"url"`
	Alt         string `json:"alt,omitempty"`
	Position    int    `json:"position"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	CDNRef      string `json:"cdn_ref,omitempty"`
}

// Warning is one non-fatal parsing problem. Warnings accumulate toward the
// review threshold but never block the pipeline.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// EnrichmentValue is an inference-service result attached to an artifact.
type EnrichmentValue struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Applied    bool    `json:"applied"`
}

// CanonicalArtifact is the validated, typed representation of one product
// observation. The Validator creates the shell from a RawArtifact, the
// Normalizer fills it in place, and the Transformer consumes it.
type CanonicalArtifact struct {
	SourceDomain      string `json:"source_domain"`
	PlatformProductID string `json:"platform_product_id"`
	SourceURL         string `json:"source_url"`

	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Available   bool   `json:"available"`
	Decaf       bool   `json:"decaf"`

	RoastRaw   string     `json:"roast_raw,omitempty"`
	Roast      RoastLevel `json:"roast,omitempty"`
	ProcessRaw string     `json:"process_raw,omitempty"`
	Process    Process    `json:"process,omitempty"`

	Tags         []string  `json:"tags,omitempty"`
	Varieties    []string  `json:"varieties,omitempty"`
	Geography    Geography `json:"geography,omitempty"`
	TastingNotes []string  `json:"tasting_notes,omitempty"`

	Variants []Variant `json:"variants"`
	Images   []Image   `json:"images,omitempty"`

	// RawHash fingerprints the fetched payload; ContentHash fingerprints
	// the normalized fields and drives no-op change detection. They are
	// never the same value space.
	RawHash     string `json:"raw_hash"`
	ContentHash string `json:"content_hash,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`

	Warnings      []Warning         `json:"warnings,omitempty"`
	Status        ArtifactStatus    `json:"status"`
	ReviewReasons []string          `json:"review_reasons,omitempty"`
	Enrichment    []EnrichmentValue `json:"enrichment,omitempty"`
}

// AddWarning records a non-fatal parsing problem.
func (a *CanonicalArtifact) AddWarning(field, message string) {
	a.Warnings = append(a.Warnings, Warning{Field: field, Message: message})
}

// MarkReview sets review status and records why. Repeated reasons are kept;
// an artifact is review once any reason exists.
func (a *CanonicalArtifact) MarkReview(reason string) {
	a.Status = ArtifactStatusReview
	a.ReviewReasons = append(a.ReviewReasons, reason)
}

// VariantKey is the stable idempotency tuple for one variant.
type VariantKey struct {
	SourceDomain      string `json:"source_domain"`
	PlatformProductID string `json:"platform_product_id"`
	PlatformVariantID string `json:"platform_variant_id"`
}

// Key returns the idempotency tuple for the given variant.
func (a *CanonicalArtifact) Key(v Variant) VariantKey {
	return VariantKey{
		SourceDomain:      a.SourceDomain,
		PlatformProductID: a.PlatformProductID,
		PlatformVariantID: v.PlatformVariantID,
	}
}

// PriceObservation is an immutable, append-only price fact for a variant.
type PriceObservation struct {
	Key        VariantKey `json:"key"`
	PriceCents int64      `json:"price_cents"`
	Currency   string     `json:"currency"`
	OnSale     bool       `json:"on_sale"`
	ScrapedAt  time.Time  `json:"scraped_at"`
	SourceURL  string     `json:"source_url,omitempty"`
}

// ImageFingerprint maps a content hash to a previously uploaded image.
type ImageFingerprint struct {
	ContentHash  string    `json:"content_hash"`
	CDNRef       string    `json:"cdn_ref"`
	FirstSeenURL string    `json:"first_seen_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EnrichmentRecord is one inference result for (raw hash, field). Records
// are append-only; re-inference appends a new record.
type EnrichmentRecord struct {
	RawHash    string    `json:"raw_hash"`
	Field      string    `json:"field"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Applied    bool      `json:"applied"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
