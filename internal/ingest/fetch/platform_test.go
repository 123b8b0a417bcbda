package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/model"
)

// shopifyPage builds a products envelope with count entries, so tests can
// serve full and short pages against the 250-item shopify page size.
func shopifyPage(count, startID int) string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf(`{"id": %d}`, startID+i)
	}
	return `{"products": [` + strings.Join(ids, ",") + `]}`
}

func TestAdapterPageURLs(t *testing.T) {
	shopify, err := AdapterFor(model.PlatformShopify)
	require.NoError(t, err)
	assert.Equal(t,
		"https://roaster.example/products.json?limit=250&page=2",
		shopify.PageURL("https://roaster.example/", 2))

	woo, err := AdapterFor(model.PlatformWooCommerce)
	require.NoError(t, err)
	assert.Equal(t,
		"https://roaster.example/wp-json/wc/store/v1/products?per_page=100&page=1",
		woo.PageURL("https://roaster.example", 1))

	assert.Equal(t, 250, shopify.PageSize())
	assert.Equal(t, 100, woo.PageSize())

	_, err = AdapterFor(model.PlatformGeneric)
	require.Error(t, err)
}

func TestShopifyProductsEnvelope(t *testing.T) {
	products, err := shopifyAdapter{}.Products([]byte(`{"products": [{"id": 1}, {"id": 2}]}`))
	require.NoError(t, err)
	assert.Len(t, products, 2)

	_, err = shopifyAdapter{}.Products([]byte(`<html>maintenance</html>`))
	require.Error(t, err)
}

func TestWooProductsArray(t *testing.T) {
	products, err := wooAdapter{}.Products([]byte(`[{"id": 1}]`))
	require.NoError(t, err)
	assert.Len(t, products, 1)
}

func catalogServer(t *testing.T, pages map[int]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if body, ok := pages[atoiOr(page)]; ok {
			w.Header().Set("ETag", fmt.Sprintf(`"page-%s"`, page))
			w.Write([]byte(body))
			return
		}
		w.Write([]byte(`{"products": []}`))
	}))
}

func atoiOr(s string) int {
	n := 0
	fmt.Sscanf(s, "%d", &n)
	return n
}

func TestCatalogWalksUntilEmptyPage(t *testing.T) {
	srv := catalogServer(t, map[int]string{
		1: shopifyPage(250, 1),
		2: shopifyPage(250, 251),
	})
	defer srv.Close()

	c := newTestClient()
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformShopify, BaseURL: srv.URL}
	state := &model.SourceState{Domain: src.Domain}

	result, err := c.Catalog(context.Background(), src, state)
	require.NoError(t, err)

	require.Len(t, result.Pages, 2)
	assert.Equal(t, 1, result.Pages[0].PageNum)
	assert.Len(t, result.Pages[0].Products, 250)
	assert.Len(t, result.Pages[1].Products, 250)
	assert.Zero(t, result.NotModified)

	// Validators were captured per page URL, including the empty page 3.
	assert.Len(t, state.Validators, 3)
}

func TestCatalogStopsAfterShortPage(t *testing.T) {
	srv := catalogServer(t, map[int]string{
		1: shopifyPage(250, 1),
		2: shopifyPage(3, 251),
	})
	defer srv.Close()

	c := newTestClient()
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformShopify, BaseURL: srv.URL}
	state := &model.SourceState{Domain: src.Domain}

	result, err := c.Catalog(context.Background(), src, state)
	require.NoError(t, err)

	require.Len(t, result.Pages, 2)
	assert.Len(t, result.Pages[1].Products, 3)

	// The short page is the last page; page 3 was never requested.
	assert.Len(t, state.Validators, 2)
}

func TestCatalogCountsNotModifiedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		page := r.URL.Query().Get("page")
		w.Header().Set("ETag", `"page-`+page+`"`)
		if page == "1" {
			w.Write([]byte(`{"products": [{"id": 1}]}`))
			return
		}
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	c := newTestClient()
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformShopify, BaseURL: srv.URL}
	state := &model.SourceState{Domain: src.Domain}

	first, err := c.Catalog(context.Background(), src, state)
	require.NoError(t, err)
	require.Len(t, first.Pages, 1)

	// Replay with a validator in place: page 1 comes back 304, which says
	// nothing about its length, so the walk continues and terminates on
	// the unknown empty page 2.
	second, err := c.Catalog(context.Background(), src, state)
	require.NoError(t, err)
	assert.Empty(t, second.Pages)
	assert.Equal(t, 1, second.NotModified)
}

func TestCatalogRoutesOversizedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.Write([]byte(strings.Repeat("x", 8192)))
			return
		}
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	c := newCeilingClient(1024)
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformShopify, BaseURL: srv.URL}
	state := &model.SourceState{Domain: src.Domain}

	result, err := c.Catalog(context.Background(), src, state)
	require.NoError(t, err)

	// The oversized page is carried for archival, never parsed; the walk
	// keeps going and stops on the empty page 2.
	assert.Empty(t, result.Pages)
	require.Len(t, result.Oversized, 1)
	assert.True(t, result.Oversized[0].Oversized)
	assert.NotEmpty(t, result.Oversized[0].Body)
}

func TestCatalogNonJSONPageIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>so sorry, maintenance</html>`))
	}))
	defer srv.Close()

	c := newTestClient()
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformShopify, BaseURL: srv.URL}
	state := &model.SourceState{Domain: src.Domain}

	_, err := c.Catalog(context.Background(), src, state)
	require.Error(t, err)
}
