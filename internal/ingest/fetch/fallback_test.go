package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/resilience"
)

const listingHTML = `<html><body>
<a href="/shop/house-blend">House Blend</a>
<a href="/shop/el-vergel">El Vergel</a>
<a href="/shop/house-blend#reviews">reviews</a>
<a href="/shop/house-blend?variant=1">variant link</a>
<a href="/about">About us</a>
<a href="https://othersite.example/shop/not-ours">elsewhere</a>
<a href="mailto:hi@roaster.example">mail</a>
</body></html>`

const productHTML = `<html><head>
<meta property="og:title" content="House Blend 250g">
<meta property="og:description" content="Chocolatey everyday coffee.">
<meta property="og:image" content="https://roaster.example/img/blend.jpg">
<meta property="product:price:amount" content="14.00">
<meta property="product:price:currency" content="EUR">
</head><body><h1>ignored</h1></body></html>`

func fallbackSource(baseURL string) model.Source {
	return model.Source{
		Domain:          "roaster.example",
		Platform:        model.PlatformGeneric,
		FallbackEnabled: true,
		ListingURL:      baseURL + "/shop",
	}
}

func TestDiscoverFindsProductLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	f := NewFallbackCrawler(newTestClient())
	links, _, err := f.Discover(context.Background(), fallbackSource(srv.URL), resilience.NewBudget(10))
	require.NoError(t, err)

	// Fragment and query variants collapse into one link; off-host and
	// non-product paths are dropped.
	assert.Equal(t, []string{
		srv.URL + "/shop/house-blend",
		srv.URL + "/shop/el-vergel",
	}, links)
}

func TestDiscoverSpendsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	f := NewFallbackCrawler(newTestClient())
	budget := resilience.NewBudget(1)

	_, _, err := f.Discover(context.Background(), fallbackSource(srv.URL), budget)
	require.NoError(t, err)

	_, _, err = f.Discover(context.Background(), fallbackSource(srv.URL), budget)
	require.ErrorIs(t, err, resilience.ErrBudgetExhausted)
}

func TestDiscoverRequiresListingURL(t *testing.T) {
	f := NewFallbackCrawler(newTestClient())
	src := model.Source{Domain: "roaster.example", Platform: model.PlatformGeneric}
	_, _, err := f.Discover(context.Background(), src, resilience.NewBudget(10))
	require.Error(t, err)
}

func TestExtractBuildsProductFromMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(productHTML))
	}))
	defer srv.Close()

	f := NewFallbackCrawler(newTestClient())
	productURL := srv.URL + "/shop/house-blend"
	payload, outcome, err := f.Extract(context.Background(), fallbackSource(srv.URL), productURL, resilience.NewBudget(10))
	require.NoError(t, err)
	require.NotNil(t, outcome)

	var p FallbackProduct
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, "House Blend 250g", p.Title)
	assert.Equal(t, "house-blend", p.Handle)
	assert.Equal(t, "Chocolatey everyday coffee.", p.BodyHTML)
	assert.Equal(t, []string{"https://roaster.example/img/blend.jpg"}, p.Images)
	assert.Equal(t, "14.00", p.PriceText)
	assert.Equal(t, "EUR", p.Currency)
	assert.True(t, p.Available)
}

func TestExtractFallsBackToPageMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><h1>El Vergel</h1><main>A washed Colombian lot.</main><span class="price">$18.00</span></body></html>`))
	}))
	defer srv.Close()

	f := NewFallbackCrawler(newTestClient())
	payload, _, err := f.Extract(context.Background(), fallbackSource(srv.URL), srv.URL+"/shop/el-vergel", resilience.NewBudget(10))
	require.NoError(t, err)

	var p FallbackProduct
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, "El Vergel", p.Title)
	assert.Contains(t, p.BodyHTML, "washed Colombian")
	assert.Equal(t, "$18.00", p.PriceText)
}
