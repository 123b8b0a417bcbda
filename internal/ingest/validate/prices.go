package validate

import (
	"encoding/json"
	"time"

	"github.com/roastradar/catalog-sync/internal/model"
)

// PriceFacts parses only the price, currency, and stock fields from a raw
// product document. This is the price-only run's parser: it never touches
// metadata and tolerates everything except an unreadable price.
func PriceFacts(src model.Source, raw json.RawMessage, sourceURL string, scrapedAt time.Time) ([]model.PriceObservation, error) {
	// The full validator already knows every platform's shape; reuse it
	// and keep only the price-bearing fields.
	a, err := Product(src, raw, "", sourceURL, scrapedAt)
	if err != nil {
		return nil, err
	}

	obs := make([]model.PriceObservation, 0, len(a.Variants))
	for _, v := range a.Variants {
		obs = append(obs, model.PriceObservation{
			Key:        a.Key(v),
			PriceCents: v.PriceCents,
			Currency:   v.Currency,
			OnSale:     v.OnSale(),
			ScrapedAt:  scrapedAt,
			SourceURL:  a.SourceURL,
		})
	}
	return obs, nil
}
