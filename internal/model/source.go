package model

import "time"

// Source describes one roaster storefront to scrape. The static portion is
// operator-edited (sources.yaml); runtime state (cache validators, budget
// spend, pause flag) lives in SourceState and is persisted by the store.
type Source struct {
	Domain        string       `json:"domain" yaml:"domain"`
	Name          string       `json:"name" yaml:"name"`
	Platform      PlatformKind `json:"platform" yaml:"platform"`
	BaseURL       string       `json:"base_url" yaml:"base_url"`
	FullSchedule  string       `json:"full_schedule" yaml:"full_schedule"`
	PriceSchedule string       `json:"price_schedule" yaml:"price_schedule"`
	Concurrency   int          `json:"concurrency" yaml:"concurrency"`

	InferenceEnabled bool `json:"inference_enabled" yaml:"inference_enabled"`
	InferenceBudget  int  `json:"inference_budget" yaml:"inference_budget"`

	FallbackEnabled bool   `json:"fallback_enabled" yaml:"fallback_enabled"`
	FallbackBudget  int    `json:"fallback_budget" yaml:"fallback_budget"`
	ListingURL      string `json:"listing_url,omitempty" yaml:"listing_url"`
}

// CacheValidator holds the conditional-request tokens last returned for one
// endpoint URL.
type CacheValidator struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// SourceState is the mutable per-source runtime record.
type SourceState struct {
	Domain string `json:"domain"`

	// Paused stops future scheduling until an operator clears it.
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	// ConsecutivePermanent counts back-to-back permanent fetch failures;
	// crossing the escalation threshold pauses the source.
	ConsecutivePermanent int `json:"consecutive_permanent"`

	// Validators maps endpoint URL to its last conditional-cache tokens,
	// per page so paginated catalogs cache independently.
	Validators map[string]CacheValidator `json:"validators,omitempty"`

	LastFullRun  time.Time `json:"last_full_run,omitempty"`
	LastPriceRun time.Time `json:"last_price_run,omitempty"`
}

// EffectiveConcurrency returns the per-source fetch concurrency, applying
// the default when the source doesn't set one.
func (s Source) EffectiveConcurrency(def int) int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	if def > 0 {
		return def
	}
	return 3
}
