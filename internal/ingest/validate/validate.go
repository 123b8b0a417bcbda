// Package validate turns raw per-product documents into canonical artifact
// shells. Validation is structural: it enforces the closed schema and
// rejects documents the pipeline cannot safely process. Interpretation of
// values (enums, weights, hashes) belongs to the normalizer.
package validate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/roastradar/catalog-sync/internal/model"
)

// Problem is one schema violation.
type Problem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is a fatal validation failure. The raw document is archived and
// counted; it never reaches the normalizer.
type Error struct {
	PlatformProductID string
	Problems          []Problem
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Field, p.Reason)
	}
	return fmt.Sprintf("validate: product %q: %s", e.PlatformProductID, strings.Join(parts, "; "))
}

func (e *Error) add(field, reason string) {
	e.Problems = append(e.Problems, Problem{Field: field, Reason: reason})
}

// Product validates one raw product document for the source's platform and
// returns the canonical shell. The shell carries raw field values; the
// normalizer fills in enums, weights, and hashes.
func Product(src model.Source, raw json.RawMessage, rawHash, sourceURL string, fetchedAt time.Time) (*model.CanonicalArtifact, error) {
	switch src.Platform {
	case model.PlatformShopify:
		return shopifyProduct(src, raw, rawHash, sourceURL, fetchedAt)
	case model.PlatformWooCommerce:
		return wooProduct(src, raw, rawHash, sourceURL, fetchedAt)
	case model.PlatformGeneric:
		return fallbackProduct(src, raw, rawHash, sourceURL, fetchedAt)
	default:
		return nil, eris.Errorf("validate: unknown platform %s", src.Platform)
	}
}

type shopifyDoc struct {
	ID       json.Number `json:"id"`
	Title    string      `json:"title"`
	Handle   string      `json:"handle"`
	BodyHTML string      `json:"body_html"`
	Tags     any         `json:"tags"` // string on /products.json, []string on some storefronts
	Vendor   string      `json:"vendor"`
	Variants []struct {
		ID             json.Number `json:"id"`
		Title          string      `json:"title"`
		SKU            string      `json:"sku"`
		Price          string      `json:"price"`
		CompareAtPrice string      `json:"compare_at_price"`
		Available      bool        `json:"available"`
		Grams          int         `json:"grams"`
		Option1        string      `json:"option1"`
		Option2        string      `json:"option2"`
	} `json:"variants"`
	Images []struct {
		Src      string `json:"src"`
		Alt      string `json:"alt"`
		Position int    `json:"position"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"images"`
}

func shopifyProduct(src model.Source, raw json.RawMessage, rawHash, sourceURL string, fetchedAt time.Time) (*model.CanonicalArtifact, error) {
	var doc shopifyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Problems: []Problem{{Field: "document", Reason: "not a product object: " + err.Error()}}}
	}

	verr := &Error{PlatformProductID: doc.ID.String()}
	if doc.ID.String() == "" {
		verr.add("id", "missing")
	}
	if strings.TrimSpace(doc.Title) == "" {
		verr.add("title", "missing")
	}
	if len(doc.Variants) == 0 {
		verr.add("variants", "empty")
	}

	a := &model.CanonicalArtifact{
		SourceDomain:      src.Domain,
		PlatformProductID: doc.ID.String(),
		SourceURL:         sourceURL,
		Name:              strings.TrimSpace(doc.Title),
		Slug:              doc.Handle,
		Description:       doc.BodyHTML,
		Tags:              shopifyTags(doc.Tags),
		RawHash:           rawHash,
		FetchedAt:         fetchedAt,
		Status:            model.ArtifactStatusOK,
	}

	anyAvailable := false
	for i, v := range doc.Variants {
		if v.ID.String() == "" {
			verr.add(fmt.Sprintf("variants[%d].id", i), "missing")
			continue
		}
		cents, err := parseDecimalCents(v.Price)
		if err != nil {
			verr.add(fmt.Sprintf("variants[%d].price", i), err.Error())
			continue
		}
		compareAt := int64(0)
		if v.CompareAtPrice != "" {
			if c, err := parseDecimalCents(v.CompareAtPrice); err == nil {
				compareAt = c
			} else {
				a.AddWarning(fmt.Sprintf("variants[%d].compare_at_price", i), err.Error())
			}
		}
		if v.Available {
			anyAvailable = true
		}
		a.Variants = append(a.Variants, model.Variant{
			PlatformVariantID: v.ID.String(),
			SKU:               v.SKU,
			Title:             v.Title,
			PriceCents:        cents,
			CompareAtCents:    compareAt,
			Currency:          "USD",
			WeightText:        firstNonEmpty(v.Option1, v.Title),
			Grams:             v.Grams,
			InStock:           v.Available,
			PackCount:         1,
		})
	}
	a.Available = anyAvailable

	if len(doc.Variants) > 0 && len(a.Variants) == 0 {
		verr.add("variants", "no variant passed validation")
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	for _, img := range doc.Images {
		if img.Src == "" {
			a.AddWarning("images", "image without src")
			continue
		}
		a.Images = append(a.Images, model.Image{
			URL:      img.Src,
			Alt:      img.Alt,
			Position: img.Position,
			Width:    img.Width,
			Height:   img.Height,
		})
	}
	return a, nil
}

// shopifyTags tolerates both the comma-joined string and array forms.
func shopifyTags(tags any) []string {
	switch t := tags.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

type wooDoc struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	Slug        string      `json:"slug"`
	Description string      `json:"description"`
	SKU         string      `json:"sku"`
	IsInStock   bool        `json:"is_in_stock"`
	Prices      struct {
		Price             string `json:"price"`
		RegularPrice      string `json:"regular_price"`
		CurrencyCode      string `json:"currency_code"`
		CurrencyMinorUnit int    `json:"currency_minor_unit"`
	} `json:"prices"`
	Images []struct {
		Src string `json:"src"`
		Alt string `json:"alt"`
	} `json:"images"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Categories []struct {
		Name string `json:"name"`
	} `json:"categories"`
	Variations []struct {
		ID         json.Number `json:"id"`
		Attributes []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"attributes"`
	} `json:"variations"`
	Permalink string `json:"permalink"`
}

func wooProduct(src model.Source, raw json.RawMessage, rawHash, sourceURL string, fetchedAt time.Time) (*model.CanonicalArtifact, error) {
	var doc wooDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Problems: []Problem{{Field: "document", Reason: "not a product object: " + err.Error()}}}
	}

	verr := &Error{PlatformProductID: doc.ID.String()}
	if doc.ID.String() == "" {
		verr.add("id", "missing")
	}
	if strings.TrimSpace(doc.Name) == "" {
		verr.add("name", "missing")
	}
	cents, err := parseMinorUnits(doc.Prices.Price, doc.Prices.CurrencyMinorUnit)
	if err != nil {
		verr.add("prices.price", err.Error())
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	currency := doc.Prices.CurrencyCode
	if currency == "" {
		currency = "USD"
	}
	compareAt := int64(0)
	if doc.Prices.RegularPrice != "" && doc.Prices.RegularPrice != doc.Prices.Price {
		if c, err := parseMinorUnits(doc.Prices.RegularPrice, doc.Prices.CurrencyMinorUnit); err == nil {
			compareAt = c
		}
	}

	a := &model.CanonicalArtifact{
		SourceDomain:      src.Domain,
		PlatformProductID: doc.ID.String(),
		SourceURL:         firstNonEmpty(doc.Permalink, sourceURL),
		Name:              strings.TrimSpace(doc.Name),
		Slug:              doc.Slug,
		Description:       doc.Description,
		Available:         doc.IsInStock,
		RawHash:           rawHash,
		FetchedAt:         fetchedAt,
		Status:            model.ArtifactStatusOK,
	}
	for _, t := range doc.Tags {
		if t.Name != "" {
			a.Tags = append(a.Tags, t.Name)
		}
	}
	for _, c := range doc.Categories {
		if c.Name != "" {
			a.Tags = append(a.Tags, c.Name)
		}
	}

	// The store API flattens pricing to the product; variations carry only
	// attribute labels. Each variation becomes a variant at the product
	// price, with the label kept for weight parsing.
	if len(doc.Variations) == 0 {
		a.Variants = append(a.Variants, model.Variant{
			PlatformVariantID: doc.ID.String(),
			SKU:               doc.SKU,
			PriceCents:        cents,
			CompareAtCents:    compareAt,
			Currency:          currency,
			InStock:           doc.IsInStock,
			PackCount:         1,
		})
	}
	for _, v := range doc.Variations {
		if v.ID.String() == "" {
			a.AddWarning("variations", "variation without id")
			continue
		}
		var label string
		for _, attr := range v.Attributes {
			label = firstNonEmpty(label, attr.Value)
		}
		a.Variants = append(a.Variants, model.Variant{
			PlatformVariantID: v.ID.String(),
			Title:             label,
			PriceCents:        cents,
			CompareAtCents:    compareAt,
			Currency:          currency,
			WeightText:        label,
			InStock:           doc.IsInStock,
			PackCount:         1,
		})
	}
	if len(a.Variants) == 0 {
		return nil, &Error{
			PlatformProductID: doc.ID.String(),
			Problems:          []Problem{{Field: "variations", Reason: "no variant passed validation"}},
		}
	}

	for i, img := range doc.Images {
		if img.Src == "" {
			a.AddWarning("images", "image without src")
			continue
		}
		a.Images = append(a.Images, model.Image{URL: img.Src, Alt: img.Alt, Position: i + 1})
	}
	return a, nil
}

type fallbackDoc struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Handle    string   `json:"handle"`
	BodyHTML  string   `json:"body_html"`
	Tags      []string `json:"tags"`
	Images    []string `json:"images"`
	PriceText string   `json:"price_text"`
	Currency  string   `json:"currency"`
	Available bool     `json:"available"`
	SourceURL string   `json:"source_url"`
}

func fallbackProduct(src model.Source, raw json.RawMessage, rawHash, sourceURL string, fetchedAt time.Time) (*model.CanonicalArtifact, error) {
	var doc fallbackDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Problems: []Problem{{Field: "document", Reason: "not a product object: " + err.Error()}}}
	}

	verr := &Error{PlatformProductID: doc.ID}
	if doc.ID == "" {
		verr.add("id", "missing")
	}
	if strings.TrimSpace(doc.Title) == "" {
		verr.add("title", "missing")
	}
	cents, err := parseDecimalCents(cleanPriceText(doc.PriceText))
	if err != nil {
		verr.add("price_text", err.Error())
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	currency := doc.Currency
	if currency == "" {
		currency = "USD"
	}
	a := &model.CanonicalArtifact{
		SourceDomain:      src.Domain,
		PlatformProductID: doc.ID,
		SourceURL:         firstNonEmpty(doc.SourceURL, sourceURL),
		Name:              strings.TrimSpace(doc.Title),
		Slug:              doc.Handle,
		Description:       doc.BodyHTML,
		Available:         doc.Available,
		Tags:              doc.Tags,
		RawHash:           rawHash,
		FetchedAt:         fetchedAt,
		Status:            model.ArtifactStatusOK,
		Variants: []model.Variant{{
			PlatformVariantID: "default",
			Title:             strings.TrimSpace(doc.Title),
			PriceCents:        cents,
			Currency:          currency,
			WeightText:        doc.Title,
			InStock:           doc.Available,
			PackCount:         1,
		}},
	}
	for i, src := range doc.Images {
		if src != "" {
			a.Images = append(a.Images, model.Image{URL: src, Position: i + 1})
		}
	}
	return a, nil
}

// parseDecimalCents parses a decimal money string ("12", "12.5", "12.50")
// into integer cents without going through floats.
func parseDecimalCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("empty price")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		return 0, eris.Errorf("negative price: %s", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	dollars, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Errorf("unparseable price: %s", s)
	}
	cents := int64(0)
	switch len(frac) {
	case 0:
	case 1:
		d, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, eris.Errorf("unparseable price: %s", s)
		}
		cents = d * 10
	default:
		d, err := strconv.ParseInt(frac[:2], 10, 64)
		if err != nil {
			return 0, eris.Errorf("unparseable price: %s", s)
		}
		cents = d
	}
	return dollars*100 + cents, nil
}

// parseMinorUnits parses a WooCommerce store-API price, which is an integer
// string already in minor units (e.g. "1850" with minor unit 2 = $18.50).
func parseMinorUnits(s string, minorUnit int) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("empty price")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Errorf("unparseable price: %s", s)
	}
	if n < 0 {
		return 0, eris.Errorf("negative price: %s", s)
	}
	// Normalize to cents regardless of the declared minor unit.
	switch minorUnit {
	case 0:
		return n * 100, nil
	case 3:
		return n / 10, nil
	default:
		return n, nil
	}
}

func cleanPriceText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
