package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
)

// maxCatalogPages bounds pagination so a misbehaving endpoint cannot spin
// the walker forever.
const maxCatalogPages = 100

// Page is one fetched catalog page with its per-product raw documents.
type Page struct {
	Outcome  *Outcome
	PageNum  int
	Products []json.RawMessage
}

// Adapter knows one storefront platform's catalog endpoint shape.
type Adapter interface {
	Kind() model.PlatformKind
	PageURL(baseURL string, page int) string
	PageSize() int
	Products(payload []byte) ([]json.RawMessage, error)
}

// AdapterFor returns the adapter for a platform kind. Generic sources have
// no API adapter; they go through the fallback crawler.
func AdapterFor(kind model.PlatformKind) (Adapter, error) {
	switch kind {
	case model.PlatformShopify:
		return shopifyAdapter{}, nil
	case model.PlatformWooCommerce:
		return wooAdapter{}, nil
	case model.PlatformGeneric:
		return nil, eris.Errorf("platform %s has no catalog API", kind)
	default:
		return nil, eris.Errorf("unknown platform: %s", kind)
	}
}

type shopifyAdapter struct{}

func (shopifyAdapter) Kind() model.PlatformKind { return model.PlatformShopify }

func (shopifyAdapter) PageSize() int { return 250 }

func (shopifyAdapter) PageURL(baseURL string, page int) string {
	return fmt.Sprintf("%s/products.json?limit=%d&page=%d", strings.TrimRight(baseURL, "/"), shopifyAdapter{}.PageSize(), page)
}

func (shopifyAdapter) Products(payload []byte) ([]json.RawMessage, error) {
	var envelope struct {
		Products []json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, eris.Wrap(err, "shopify: unmarshal products envelope")
	}
	return envelope.Products, nil
}

type wooAdapter struct{}

func (wooAdapter) Kind() model.PlatformKind { return model.PlatformWooCommerce }

func (wooAdapter) PageSize() int { return 100 }

func (wooAdapter) PageURL(baseURL string, page int) string {
	return fmt.Sprintf("%s/wp-json/wc/store/v1/products?per_page=%d&page=%d", strings.TrimRight(baseURL, "/"), wooAdapter{}.PageSize(), page)
}

func (wooAdapter) Products(payload []byte) ([]json.RawMessage, error) {
	var products []json.RawMessage
	if err := json.Unmarshal(payload, &products); err != nil {
		return nil, eris.Wrap(err, "woocommerce: unmarshal products")
	}
	return products, nil
}

// CatalogResult is the full paginated walk of one source's catalog API.
// Oversized holds pages over the body ceiling: fetched and archivable but
// never parsed.
type CatalogResult struct {
	Pages       []Page
	Oversized   []*Outcome
	NotModified int
}

// Catalog walks the paginated catalog endpoint of an API-backed source.
// Validators in state are read and updated per page URL, so unchanged pages
// come back as 304 and cost the server nothing. The walk stops at the first
// empty page, or after a page shorter than the platform page size.
func (c *Client) Catalog(ctx context.Context, src model.Source, state *model.SourceState) (*CatalogResult, error) {
	adapter, err := AdapterFor(src.Platform)
	if err != nil {
		return nil, err
	}
	if state.Validators == nil {
		state.Validators = map[string]model.CacheValidator{}
	}

	result := &CatalogResult{}
	for page := 1; page <= maxCatalogPages; page++ {
		pageURL := adapter.PageURL(src.BaseURL, page)
		outcome, err := c.Get(ctx, src.Domain, pageURL, state.Validators[pageURL])
		if err != nil {
			return result, eris.Wrapf(err, "fetch: catalog page %d of %s", page, src.Domain)
		}
		state.Validators[pageURL] = outcome.Validator

		if outcome.NotModified {
			result.NotModified++
			zap.L().Debug("catalog page unchanged",
				zap.String("source", src.Domain),
				zap.Int("page", page),
			)
			// A 304 on a page we have seen before says nothing about
			// whether later pages exist; keep walking until the server
			// answers with content. An unknown page never 304s (no
			// validator was sent), so the empty-page stop still fires.
			continue
		}

		if outcome.Oversized {
			result.Oversized = append(result.Oversized, outcome)
			continue
		}

		products, err := adapter.Products(outcome.Body)
		if err != nil {
			return result, resilience.NewPermanentError(
				eris.Wrapf(err, "fetch: parse catalog page %d of %s", page, src.Domain), 0)
		}
		if len(products) == 0 {
			break
		}
		result.Pages = append(result.Pages, Page{
			Outcome:  outcome,
			PageNum:  page,
			Products: products,
		})
		// A short page is the last page.
		if len(products) < adapter.PageSize() {
			break
		}
	}
	return result, nil
}
