package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
)

// FallbackCrawler scrapes product pages directly when a source has no
// usable catalog API. Every page fetch spends one unit of the source's
// fallback budget; exhaustion stops discovery, it never fails the run.
type FallbackCrawler struct {
	client *Client
}

// NewFallbackCrawler creates a crawler on the shared fetch client.
func NewFallbackCrawler(client *Client) *FallbackCrawler {
	return &FallbackCrawler{client: client}
}

// FallbackProduct is the synthetic product document the crawler emits. It
// mirrors the shape the validator expects from API payloads so downstream
// stages stay platform-agnostic.
type FallbackProduct struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Handle    string   `json:"handle"`
	BodyHTML  string   `json:"body_html,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Images    []string `json:"images,omitempty"`
	PriceText string   `json:"price_text,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Available bool     `json:"available"`
	SourceURL string   `json:"source_url"`
}

// Discover fetches the listing page and returns absolute product URLs,
// deduplicated in document order. The outcome comes back even when the page
// is oversized, so the caller can archive it.
func (f *FallbackCrawler) Discover(ctx context.Context, src model.Source, budget *resilience.Budget) ([]string, *Outcome, error) {
	if src.ListingURL == "" {
		return nil, nil, eris.Errorf("fallback: source %s has no listing url", src.Domain)
	}
	if err := budget.Spend(); err != nil {
		return nil, nil, err
	}

	outcome, err := f.client.Get(ctx, src.Domain, src.ListingURL, model.CacheValidator{})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fallback: fetch listing %s", src.ListingURL)
	}
	if outcome.Oversized {
		return nil, outcome, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return nil, outcome, eris.Wrap(err, "fallback: parse listing")
	}

	base, err := url.Parse(src.ListingURL)
	if err != nil {
		return nil, outcome, eris.Wrap(err, "fallback: parse listing url")
	}

	seen := map[string]bool{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !looksLikeProductPath(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Host != base.Host {
			return
		}
		abs.Fragment = ""
		abs.RawQuery = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})

	zap.L().Info("fallback discovery",
		zap.String("source", src.Domain),
		zap.Int("product_links", len(links)),
	)
	return links, outcome, nil
}

func looksLikeProductPath(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") {
		return false
	}
	lower := strings.ToLower(href)
	return strings.Contains(lower, "/products/") ||
		strings.Contains(lower, "/product/") ||
		strings.Contains(lower, "/shop/")
}

// Extract fetches one product page and builds a synthetic product document
// from its markup and metadata tags. An oversized page comes back with a nil
// payload and the raw outcome for archival.
func (f *FallbackCrawler) Extract(ctx context.Context, src model.Source, productURL string, budget *resilience.Budget) (json.RawMessage, *Outcome, error) {
	if err := budget.Spend(); err != nil {
		return nil, nil, err
	}

	outcome, err := f.client.Get(ctx, src.Domain, productURL, model.CacheValidator{})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fallback: fetch product %s", productURL)
	}
	if outcome.Oversized {
		return nil, outcome, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fallback: parse product %s", productURL)
	}

	product := FallbackProduct{
		ID:        productURL,
		Handle:    handleFrom(productURL),
		SourceURL: productURL,
		Available: true,
	}

	product.Title = metaContent(doc, `meta[property="og:title"]`)
	if product.Title == "" {
		product.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if product.Title == "" {
		product.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if desc := metaContent(doc, `meta[property="og:description"]`); desc != "" {
		product.BodyHTML = desc
	} else {
		body := doc.Clone()
		body.Find("script, style, nav, header, footer, noscript, iframe").Remove()
		text := strings.Join(strings.Fields(body.Find("main, article, .product, body").First().Text()), " ")
		if len(text) > 5000 {
			text = text[:5000]
		}
		product.BodyHTML = text
	}

	if img := metaContent(doc, `meta[property="og:image"]`); img != "" {
		product.Images = append(product.Images, img)
	}
	product.PriceText = metaContent(doc, `meta[property="product:price:amount"]`)
	if product.PriceText == "" {
		product.PriceText = metaContent(doc, `meta[itemprop="price"]`)
	}
	if product.PriceText == "" {
		product.PriceText = strings.TrimSpace(doc.Find(`[itemprop="price"], .price, .product-price`).First().Text())
	}
	product.Currency = metaContent(doc, `meta[property="product:price:currency"]`)

	if avail := metaContent(doc, `meta[property="og:availability"]`); avail != "" {
		product.Available = !strings.Contains(strings.ToLower(avail), "out")
	}

	payload, err := json.Marshal(product)
	if err != nil {
		return nil, nil, eris.Wrap(err, "fallback: marshal product")
	}
	return payload, outcome, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func handleFrom(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
