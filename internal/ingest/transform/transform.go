// Package transform maps canonical artifacts onto the store's atomic write
// contract, with hash-based short-circuiting and write-layer backpressure.
package transform

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Transformer is the write stage of a run. One Transformer serves one job;
// its breaker carries that job's backpressure state.
type Transformer struct {
	store   store.Store
	breaker *resilience.WriteBreaker
}

// New creates a Transformer. A nil breaker disables backpressure handling
// (used by tests).
func New(st store.Store, breaker *resilience.WriteBreaker) *Transformer {
	if breaker == nil {
		breaker = resilience.NewWriteBreaker(resilience.WriteBreakerConfig{})
	}
	return &Transformer{store: st, breaker: breaker}
}

// Breaker exposes the write breaker for the orchestrator's pause logic.
func (t *Transformer) Breaker() *resilience.WriteBreaker {
	return t.breaker
}

// Apply writes one artifact. When the normalized-content hash matches the
// last persisted state, the metadata write is skipped entirely and only
// changed prices are inserted; this is what makes repeated full runs on an
// unchanged catalog cheap.
func (t *Transformer) Apply(ctx context.Context, a *model.CanonicalArtifact, stats *model.RunStats) error {
	snap, err := t.store.GetProductSnapshot(ctx, a.SourceDomain, a.PlatformProductID)
	if err != nil {
		return eris.Wrap(err, "transform: read snapshot")
	}

	if snap != nil && snap.ContentHash == a.ContentHash {
		stats.MetadataSkipped++
		return t.applyPriceDeltas(ctx, a, snap, stats)
	}

	prices := changedPrices(a, snap)
	var result *store.ApplyResult
	err = t.breaker.Execute(ctx, func(ctx context.Context) error {
		var applyErr error
		result, applyErr = t.store.ApplyArtifact(ctx, a, prices)
		return applyErr
	})
	if err != nil {
		return eris.Wrapf(err, "transform: apply %s/%s", a.SourceDomain, a.PlatformProductID)
	}

	stats.PriceDeltas += result.PricesInserted
	zap.L().Debug("artifact applied",
		zap.String("source", a.SourceDomain),
		zap.String("product", a.PlatformProductID),
		zap.Int("variants", result.VariantsWritten),
		zap.Int("prices", result.PricesInserted),
		zap.Int("images", result.ImagesWritten),
	)
	return nil
}

// applyPriceDeltas handles the unchanged-metadata branch of a full run:
// changed prices are inserted, everything else just gets its last-checked
// timestamp advanced.
func (t *Transformer) applyPriceDeltas(ctx context.Context, a *model.CanonicalArtifact, snap *store.ProductSnapshot, stats *model.RunStats) error {
	for _, v := range a.Variants {
		key := a.Key(v)
		current, known := snap.CurrentPrices[v.PlatformVariantID]
		if known && current.PriceCents == v.PriceCents && current.OnSale == v.OnSale() {
			if err := t.store.TouchVariant(ctx, key, a.FetchedAt); err != nil {
				return eris.Wrap(err, "transform: touch variant")
			}
			continue
		}
		obs := model.PriceObservation{
			Key:        key,
			PriceCents: v.PriceCents,
			Currency:   v.Currency,
			OnSale:     v.OnSale(),
			ScrapedAt:  a.FetchedAt,
			SourceURL:  a.SourceURL,
		}
		if err := t.insertPrice(ctx, obs, stats); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPriceObservations is the price-only path. current holds the store's
// current-price projections for the whole source; observations for unknown
// variants are skipped, never invented.
func (t *Transformer) ApplyPriceObservations(ctx context.Context, observations []model.PriceObservation, current map[string]map[string]store.VariantPrice, stats *model.RunStats) error {
	for _, obs := range observations {
		variants, ok := current[obs.Key.PlatformProductID]
		if !ok {
			continue
		}
		cur, ok := variants[obs.Key.PlatformVariantID]
		if !ok {
			continue
		}
		if cur.PriceCents == obs.PriceCents && cur.OnSale == obs.OnSale {
			if err := t.store.TouchVariant(ctx, obs.Key, obs.ScrapedAt); err != nil {
				return eris.Wrap(err, "transform: touch variant")
			}
			continue
		}
		if err := t.insertPrice(ctx, obs, stats); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transformer) insertPrice(ctx context.Context, obs model.PriceObservation, stats *model.RunStats) error {
	var inserted bool
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		var insErr error
		inserted, insErr = t.store.InsertPrice(ctx, obs)
		return insErr
	})
	if err != nil {
		return eris.Wrapf(err, "transform: insert price for %s", obs.Key.PlatformVariantID)
	}
	if inserted {
		stats.PriceDeltas++
	}
	return nil
}

// changedPrices returns one observation per variant whose price differs
// from the snapshot. A nil snapshot (new product) observes every variant.
func changedPrices(a *model.CanonicalArtifact, snap *store.ProductSnapshot) []model.PriceObservation {
	var out []model.PriceObservation
	for _, v := range a.Variants {
		if snap != nil {
			if cur, ok := snap.CurrentPrices[v.PlatformVariantID]; ok &&
				cur.PriceCents == v.PriceCents && cur.OnSale == v.OnSale() {
				continue
			}
		}
		out = append(out, model.PriceObservation{
			Key:        a.Key(v),
			PriceCents: v.PriceCents,
			Currency:   v.Currency,
			OnSale:     v.OnSale(),
			ScrapedAt:  a.FetchedAt,
			SourceURL:  a.SourceURL,
		})
	}
	return out
}
