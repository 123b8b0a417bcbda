// Package images resolves product image references: fingerprint, dedup
// against previously uploaded content, and upload only what is new.
package images

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/ingest/fetch"
	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Uploader pushes image bytes to the CDN collaborator.
type Uploader interface {
	Upload(ctx context.Context, contentHash string, body []byte) (string, error)
}

// HTTPUploader uploads to a CDN ingest endpoint. The endpoint answers with
// a JSON {"ref": "..."} document; a missing ref falls back to the PUT URL.
type HTTPUploader struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPUploader creates an uploader for the given CDN base URL.
func NewHTTPUploader(baseURL, token string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPUploader{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, contentHash string, body []byte) (string, error) {
	target := fmt.Sprintf("%s/images/%s", u.baseURL, contentHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "cdn: create request")
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "cdn: upload %s", contentHash)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", eris.Errorf("cdn: upload %s: http %d", contentHash, resp.StatusCode)
	}

	var reply struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply); err == nil && reply.Ref != "" {
		return reply.Ref, nil
	}
	return target, nil
}

// Resolver runs the image stage of a full refresh. Price-only runs never
// construct one.
type Resolver struct {
	client   *fetch.Client
	store    store.Store
	uploader Uploader
}

// NewResolver creates a Resolver. A nil uploader disables uploads; images
// are still fingerprinted and recorded.
func NewResolver(client *fetch.Client, st store.Store, uploader Uploader) *Resolver {
	return &Resolver{client: client, store: st, uploader: uploader}
}

// Resolve fills ContentHash and CDNRef on every image of the artifact.
// A fingerprint already known to the store reuses the existing upload.
// Per-image failures degrade to warnings; they never fail the artifact.
func (r *Resolver) Resolve(ctx context.Context, a *model.CanonicalArtifact, stats *model.RunStats) {
	for i := range a.Images {
		img := &a.Images[i]
		if err := r.resolveOne(ctx, a, img, stats); err != nil {
			a.AddWarning("images", fmt.Sprintf("image %s: %s", img.URL, err))
			zap.L().Warn("image resolution failed",
				zap.String("source", a.SourceDomain),
				zap.String("url", img.URL),
				zap.Error(err),
			)
		}
	}
}

func (r *Resolver) resolveOne(ctx context.Context, a *model.CanonicalArtifact, img *model.Image, stats *model.RunStats) error {
	host, err := hostOf(img.URL)
	if err != nil {
		return err
	}

	outcome, err := r.client.Get(ctx, host, img.URL, model.CacheValidator{})
	if err != nil {
		return err
	}
	if outcome.Oversized {
		return eris.Wrapf(resilience.ErrPayloadTooLarge, "images: %s", img.URL)
	}

	img.ContentHash = Fingerprint(outcome.Validator.ETag, outcome.Body)

	ref, err := r.store.CheckContentHash(ctx, img.ContentHash)
	if err != nil {
		return err
	}
	if ref != "" {
		img.CDNRef = ref
		stats.ImagesReused++
		return nil
	}

	if r.uploader == nil {
		return nil
	}
	ref, err = r.uploader.Upload(ctx, img.ContentHash, outcome.Body)
	if err != nil {
		return err
	}
	img.CDNRef = ref
	stats.ImagesUploaded++

	return r.store.SaveImageFingerprint(ctx, model.ImageFingerprint{
		ContentHash:  img.ContentHash,
		CDNRef:       ref,
		FirstSeenURL: img.URL,
		CreatedAt:    time.Now().UTC(),
	})
}

// Fingerprint prefers a strong ETag as the content identity; weak ETags
// and missing headers fall back to hashing the bytes.
func Fingerprint(etag string, body []byte) string {
	etag = strings.TrimSpace(etag)
	if etag != "" && !strings.HasPrefix(etag, "W/") {
		return "etag:" + strings.Trim(etag, `"`)
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", eris.Errorf("images: bad url %q", rawURL)
	}
	return u.Host, nil
}
