// Package normalize fills canonical artifact shells: deterministic parsing
// first, then a budgeted, confidence-gated inference fallback for fields
// that stay ambiguous.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
	"github.com/roastradar/catalog-sync/pkg/inference"
)

const (
	// warningReviewLimit: more than this many parsing warnings marks the
	// artifact for review regardless of per-field confidence.
	warningReviewLimit = 1

	// variantDeltaLimit: a variant-count swing beyond this versus the last
	// known state marks the artifact for review.
	variantDeltaLimit = 3
)

// loadBearing fields escalate to review when inference confidence falls
// below the threshold instead of being silently left empty.
var loadBearing = map[string]bool{
	"roast": true,
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	client    inference.Client
	store     store.Store
	threshold float64
}

// New creates a Normalizer. A nil client disables the inference fallback
// globally; per-source enablement still applies on top.
func New(client inference.Client, st store.Store, threshold float64) *Normalizer {
	if threshold <= 0 {
		threshold = 0.70
	}
	return &Normalizer{client: client, store: st, threshold: threshold}
}

// Run fills the artifact in place. priorVariantCount is the variant count
// from the last persisted state, zero when the product is new. The
// inference budget is shared across the whole run for the source.
func (n *Normalizer) Run(ctx context.Context, src model.Source, a *model.CanonicalArtifact, priorVariantCount int, budget *resilience.Budget, stats *model.RunStats) error {
	a.Name = CleanText(a.Name)
	a.Description = CleanText(StripHTML(a.Description))
	a.Tags = normalizeTags(a.Tags)

	combined := strings.Join(append([]string{a.Name, a.Description}, a.Tags...), " ")

	a.Decaf = IsDecaf(combined)
	a.Geography = MatchGeography(combined)
	a.Varieties = MatchVarieties(combined)
	a.TastingNotes = extractTastingNotes(a.Description, a.Tags)

	a.RoastRaw = rawPhraseFor(combined, "roast")
	a.Roast = MatchRoast(combined)
	if a.Roast == model.RoastUnknown {
		a.AddWarning("roast", "no roast level matched")
	}

	a.ProcessRaw = rawPhraseFor(combined, "process")
	a.Process = MatchProcess(combined)

	weightMissing := false
	for i := range a.Variants {
		v := &a.Variants[i]
		if v.Grind == model.GrindUnknown {
			v.Grind = MatchGrind(v.Title + " " + v.SKU)
		}
		if v.Grams == 0 && v.WeightText != "" {
			grams, pack, ok := ParseWeight(v.WeightText)
			if ok {
				v.Grams = grams
				if v.PackCount <= 1 {
					v.PackCount = pack
				}
			} else {
				weightMissing = true
				a.AddWarning("weight", fmt.Sprintf("unparseable weight %q", v.WeightText))
			}
		}
	}

	n.runFallback(ctx, src, a, weightMissing, budget, stats)

	if len(a.Warnings) > warningReviewLimit {
		a.MarkReview(fmt.Sprintf("%d parsing warnings", len(a.Warnings)))
	}
	if priorVariantCount > 0 {
		delta := len(a.Variants) - priorVariantCount
		if delta < 0 {
			delta = -delta
		}
		if delta > variantDeltaLimit {
			a.MarkReview(fmt.Sprintf("variant count moved from %d to %d", priorVariantCount, len(a.Variants)))
		}
	}

	hash, err := contentHash(a)
	if err != nil {
		return eris.Wrap(err, "normalize: content hash")
	}
	a.ContentHash = hash
	return nil
}

// runFallback issues one inference call per ambiguous field, cached by
// (raw hash, field). Budget exhaustion stops the fallback quietly; it never
// fails the artifact.
func (n *Normalizer) runFallback(ctx context.Context, src model.Source, a *model.CanonicalArtifact, weightMissing bool, budget *resilience.Budget, stats *model.RunStats) {
	if n.client == nil || !src.InferenceEnabled {
		return
	}

	var fields []string
	if a.Roast == model.RoastUnknown {
		fields = append(fields, "roast")
	}
	if a.Process == model.ProcessUnknown {
		fields = append(fields, "process")
	}
	if a.Geography.Country == "" {
		fields = append(fields, "geography.country")
	}
	if weightMissing {
		fields = append(fields, "weight_grams")
	}

	for _, field := range fields {
		applied, err := n.inferField(ctx, src, a, field, budget, stats)
		if err != nil {
			if eris.Is(err, resilience.ErrBudgetExhausted) {
				zap.L().Warn("inference budget exhausted",
					zap.String("source", src.Domain),
					zap.String("product", a.PlatformProductID),
				)
				return
			}
			a.AddWarning(field, "inference failed: "+err.Error())
			continue
		}
		if !applied && loadBearing[field] {
			a.MarkReview("low-confidence inference for " + field)
		}
	}
}

func (n *Normalizer) inferField(ctx context.Context, src model.Source, a *model.CanonicalArtifact, field string, budget *resilience.Budget, stats *model.RunStats) (bool, error) {
	if cached, err := n.store.GetEnrichment(ctx, a.RawHash, field); err != nil {
		return false, eris.Wrap(err, "enrichment cache read")
	} else if cached != nil {
		applied := cached.Applied && n.applyInferred(a, field, cached.Value)
		a.Enrichment = append(a.Enrichment, model.EnrichmentValue{
			Field:      field,
			Value:      cached.Value,
			Confidence: cached.Confidence,
			Applied:    applied,
		})
		return applied, nil
	}

	if err := budget.Spend(); err != nil {
		return false, err
	}

	res, err := n.client.InferField(ctx, inference.FieldRequest{
		Field:       field,
		Allowed:     allowedFor(field),
		ProductName: a.Name,
		Description: a.Description,
		Tags:        a.Tags,
	})
	if err != nil {
		return false, err
	}
	stats.InferenceCalls++

	// Closed on the low side: exactly the threshold is accepted.
	applied := res.Confidence >= n.threshold && n.applyInferred(a, field, res.Value)

	rec := model.EnrichmentRecord{
		RawHash:    a.RawHash,
		Field:      field,
		Value:      res.Value,
		Confidence: res.Confidence,
		Applied:    applied,
		Model:      res.Model,
		CreatedAt:  time.Now().UTC(),
	}
	if err := n.store.SaveEnrichment(ctx, rec); err != nil {
		return applied, eris.Wrap(err, "enrichment cache write")
	}
	a.Enrichment = append(a.Enrichment, model.EnrichmentValue{
		Field:      field,
		Value:      res.Value,
		Confidence: res.Confidence,
		Applied:    applied,
	})
	return applied, nil
}

// applyInferred writes an accepted inference value onto the artifact.
// Returns false when the value fails the closed-enum check.
func (n *Normalizer) applyInferred(a *model.CanonicalArtifact, field, value string) bool {
	switch field {
	case "roast":
		if !model.IsValidRoast(value) {
			return false
		}
		a.Roast = model.RoastLevel(value)
		return true
	case "process":
		if !model.IsValidProcess(value) {
			return false
		}
		a.Process = model.Process(value)
		return true
	case "geography.country":
		if value == "" {
			return false
		}
		a.Geography.Country = value
		return true
	case "weight_grams":
		grams, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || grams <= 0 {
			return false
		}
		for i := range a.Variants {
			if a.Variants[i].Grams == 0 {
				a.Variants[i].Grams = grams
			}
		}
		return true
	default:
		return false
	}
}

func allowedFor(field string) []string {
	switch field {
	case "roast":
		out := make([]string, len(model.ValidRoasts))
		for i, r := range model.ValidRoasts {
			out[i] = string(r)
		}
		return out
	case "process":
		out := make([]string, len(model.ValidProcesses))
		for i, p := range model.ValidProcesses {
			out[i] = string(p)
		}
		return out
	default:
		return nil
	}
}

// StripHTML drops markup and boilerplate elements, keeping visible text.
func StripHTML(html string) string {
	if html == "" || !strings.Contains(html, "<") {
		return html
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, iframe").Remove()
	return doc.Text()
}

// CleanText NFC-normalizes and collapses whitespace.
func CleanText(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = CleanText(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}

var notesRe = regexp.MustCompile(`(?i)(?:tasting notes?|notes of|flavou?r notes?)[:\s]+([^.!?\n]+)`)

// extractTastingNotes pulls flavor descriptors from "tasting notes: x, y"
// phrasing in the description, falling back to note-like tags.
func extractTastingNotes(description string, tags []string) []string {
	var raw string
	if m := notesRe.FindStringSubmatch(description); m != nil {
		raw = m[1]
	}

	seen := map[string]bool{}
	var notes []string
	add := func(s string) {
		s = strings.TrimSpace(strings.Trim(s, ".,;"))
		if s == "" || len(s) > 40 {
			return
		}
		key := strings.ToLower(s)
		if !seen[key] {
			seen[key] = true
			notes = append(notes, s)
		}
	}

	if raw != "" {
		raw = strings.ReplaceAll(raw, " and ", ", ")
		raw = strings.ReplaceAll(raw, " & ", ", ")
		for _, part := range strings.Split(raw, ",") {
			add(part)
		}
	}
	return notes
}

// rawPhraseFor keeps the source phrase that drove (or failed) enum mapping,
// for operators reviewing the artifact.
func rawPhraseFor(text, kind string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, kind)
	if idx < 0 {
		return ""
	}
	start := idx - 24
	if start < 0 {
		start = 0
	}
	end := idx + len(kind) + 8
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// contentHash fingerprints the normalized fields that drive the metadata
// write. Prices and stock are excluded: those travel on the price path.
func contentHash(a *model.CanonicalArtifact) (string, error) {
	type hashVariant struct {
		ID    string `json:"id"`
		SKU   string `json:"sku"`
		Title string `json:"title"`
		Grams int    `json:"grams"`
		Grind string `json:"grind"`
		Pack  int    `json:"pack"`
	}
	variants := make([]hashVariant, len(a.Variants))
	for i, v := range a.Variants {
		variants[i] = hashVariant{
			ID:    v.PlatformVariantID,
			SKU:   v.SKU,
			Title: v.Title,
			Grams: v.Grams,
			Grind: string(v.Grind),
			Pack:  v.PackCount,
		}
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })

	images := make([]string, len(a.Images))
	for i, img := range a.Images {
		images[i] = img.URL
	}
	tags := append([]string(nil), a.Tags...)
	sort.Strings(tags)

	doc := struct {
		Name         string          `json:"name"`
		Slug         string          `json:"slug"`
		Description  string          `json:"description"`
		Decaf        bool            `json:"decaf"`
		Roast        string          `json:"roast"`
		Process      string          `json:"process"`
		Tags         []string        `json:"tags"`
		Varieties    []string        `json:"varieties"`
		Geography    model.Geography `json:"geography"`
		TastingNotes []string        `json:"tasting_notes"`
		Variants     []hashVariant   `json:"variants"`
		Images       []string        `json:"images"`
	}{
		Name:         a.Name,
		Slug:         a.Slug,
		Description:  a.Description,
		Decaf:        a.Decaf,
		Roast:        string(a.Roast),
		Process:      string(a.Process),
		Tags:         tags,
		Varieties:    a.Varieties,
		Geography:    a.Geography,
		TastingNotes: a.TastingNotes,
		Variants:     variants,
		Images:       images,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
