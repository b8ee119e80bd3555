package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anontyro/items-tracker/internal/normalize"
)

const (
	testBaseURL = "https://api.example.com"
	batchURL    = testBaseURL + "/v1/price-history/batch"
	imagesURL   = testBaseURL + "/v1/images/from-scrape"
	runsURL     = testBaseURL + "/v1/admin/scrape-runs"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	client := New(testBaseURL, "test-key", opts...)
	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func makeSnapshots(n int) []PriceSnapshot {
	snapshots := make([]PriceSnapshot, 0, n)
	for i := 0; i < n; i++ {
		snapshots = append(snapshots, PriceSnapshot{
			ProductName: fmt.Sprintf("Game %d", i),
			ProductType: "board-game",
			SourceName:  "Test Site",
			SourceURL:   fmt.Sprintf("https://shop.example.com/games/g%d", i),
			Price:       float64(i) + 0.99,
			ScrapedAt:   "2026-08-29T10:00:00Z",
			Raw:         RawSnapshotMeta{SiteID: "test-site"},
		})
	}
	return snapshots
}

func TestSendPriceSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("splits into chunks and aggregates responses", func(t *testing.T) {
		client := newTestClient(t, WithChunkSize(50))

		var chunkSizes []int
		httpmock.RegisterResponder(http.MethodPost, batchURL,
			func(req *http.Request) (*http.Response, error) {
				var body batchRequest
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					return nil, err
				}
				chunkSizes = append(chunkSizes, len(body.Snapshots))

				n := len(body.Snapshots)
				return httpmock.NewJsonResponse(http.StatusOK, map[string]int{
					"accepted":       n,
					"failed":         0,
					"newProducts":    1,
					"totalSnapshots": n,
				})
			})

		summary, err := client.SendPriceSnapshots(ctx, makeSnapshots(120))
		require.NoError(t, err)

		assert.Equal(t, []int{50, 50, 20}, chunkSizes)
		assert.Equal(t, 120, summary.TotalSnapshots)
		assert.Equal(t, 120, summary.Accepted)
		assert.Equal(t, 0, summary.Failed)
		assert.Equal(t, 3, summary.NewProducts)
	})

	t.Run("missing response counts fall back to chunk size", func(t *testing.T) {
		client := newTestClient(t)
		httpmock.RegisterResponder(http.MethodPost, batchURL,
			httpmock.NewStringResponder(http.StatusOK, `{}`))

		summary, err := client.SendPriceSnapshots(ctx, makeSnapshots(10))
		require.NoError(t, err)
		assert.Equal(t, 10, summary.TotalSnapshots)
		assert.Equal(t, 10, summary.Accepted)
		assert.Equal(t, 0, summary.Failed)
	})

	t.Run("chunk failure aborts the whole send", func(t *testing.T) {
		client := newTestClient(t, WithChunkSize(10))

		calls := 0
		httpmock.RegisterResponder(http.MethodPost, batchURL,
			func(req *http.Request) (*http.Response, error) {
				calls++
				if calls == 2 {
					return httpmock.NewStringResponse(http.StatusServiceUnavailable, "overloaded"), nil
				}
				return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
			})

		_, err := client.SendPriceSnapshots(ctx, makeSnapshots(30))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Equal(t, 2, calls)
	})

	t.Run("sends api key and content type headers", func(t *testing.T) {
		client := newTestClient(t)

		var gotKey, gotContentType string
		httpmock.RegisterResponder(http.MethodPost, batchURL,
			func(req *http.Request) (*http.Response, error) {
				gotKey = req.Header.Get("x-api-key")
				gotContentType = req.Header.Get("Content-Type")
				return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
			})

		_, err := client.SendPriceSnapshots(ctx, makeSnapshots(1))
		require.NoError(t, err)
		assert.Equal(t, "test-key", gotKey)
		assert.Equal(t, "application/json", gotContentType)
	})

	t.Run("empty batch sends nothing", func(t *testing.T) {
		client := newTestClient(t)

		summary, err := client.SendPriceSnapshots(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, summary.TotalSnapshots)
		assert.Zero(t, httpmock.GetTotalCallCount())
	})
}

func TestSendImages(t *testing.T) {
	ctx := context.Background()

	t.Run("one request per unique pair", func(t *testing.T) {
		client := newTestClient(t)

		var got []imageRequest
		httpmock.RegisterResponder(http.MethodPost, imagesURL,
			func(req *http.Request) (*http.Response, error) {
				var body imageRequest
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					return nil, err
				}
				got = append(got, body)
				return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
			})

		client.SendImages(ctx, []ImagePair{
			{SourceURL: "https://shop.example.com/games/catan", ImageURL: "https://cdn.example.com/catan.jpg"},
			{SourceURL: "https://shop.example.com/games/catan", ImageURL: "https://cdn.example.com/catan.jpg"},
			{SourceURL: "https://shop.example.com/games/azul", ImageURL: "https://cdn.example.com/azul.jpg"},
			{SourceURL: "", ImageURL: "https://cdn.example.com/orphan.jpg"},
			{SourceURL: "https://shop.example.com/games/noimg", ImageURL: ""},
		})

		require.Len(t, got, 2)
		assert.Equal(t, "https://cdn.example.com/catan.jpg", got[0].RemoteImageURL)
		assert.Equal(t, "https://shop.example.com/games/azul", got[1].SourceURL)
	})

	t.Run("failures are swallowed", func(t *testing.T) {
		client := newTestClient(t)
		httpmock.RegisterResponder(http.MethodPost, imagesURL,
			httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

		// Must not panic or abort; errors are logged only.
		client.SendImages(ctx, []ImagePair{
			{SourceURL: "https://shop.example.com/games/catan", ImageURL: "https://cdn.example.com/catan.jpg"},
			{SourceURL: "https://shop.example.com/games/azul", ImageURL: "https://cdn.example.com/azul.jpg"},
		})

		assert.Equal(t, 2, httpmock.GetTotalCallCount())
	})
}

func TestSendRunStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the run report", func(t *testing.T) {
		client := newTestClient(t)

		var got RunStatus
		httpmock.RegisterResponder(http.MethodPost, runsURL,
			func(req *http.Request) (*http.Response, error) {
				if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
					return nil, err
				}
				return httpmock.NewStringResponse(http.StatusCreated, `{}`), nil
			})

		err := client.SendRunStatus(ctx, RunStatus{
			SiteID:     "test-site",
			Status:     "SUCCESS",
			StartedAt:  "2026-08-29T10:00:00Z",
			FinishedAt: "2026-08-29T10:05:00Z",
			ItemCount:  42,
			RunID:      "test-site-abc",
		})
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", got.Status)
		assert.Equal(t, 42, got.ItemCount)
	})

	t.Run("non-2xx surfaces as error", func(t *testing.T) {
		client := newTestClient(t)
		httpmock.RegisterResponder(http.MethodPost, runsURL,
			httpmock.NewStringResponder(http.StatusUnauthorized, "bad key"))

		err := client.SendRunStatus(ctx, RunStatus{SiteID: "test-site", Status: "FAILURE"})
		assert.Error(t, err)
	})
}

func TestToSnapshots(t *testing.T) {
	sku := "CAT-001"
	currency := "GBP"
	priceText := "£39.99"

	obs := normalize.Observation{
		ProductName:  "Catan",
		ProductType:  "board-game",
		SourceName:   "Test Site",
		SourceURL:    "https://shop.example.com/games/catan",
		SKU:          &sku,
		Price:        39.99,
		CurrencyCode: &currency,
		ScrapedAt:    "2026-08-29T10:00:00Z",
		Additional: map[string]any{
			"siteId":    "test-site",
			"priceText": &priceText,
			"imageUrl":  "https://cdn.example.com/catan.jpg",
		},
	}

	snapshots := ToSnapshots([]normalize.Observation{obs})
	require.Len(t, snapshots, 1)

	s := snapshots[0]
	assert.Equal(t, "Catan", s.ProductName)
	assert.Equal(t, "test-site", s.Raw.SiteID)
	require.NotNil(t, s.Raw.PriceText)
	assert.Equal(t, "£39.99", *s.Raw.PriceText)
	assert.Nil(t, s.Raw.RRPText)
}

func TestToSnapshots_MetadataAfterJSONRoundTrip(t *testing.T) {
	obs := normalize.Observation{
		ProductName: "Catan",
		SourceURL:   "https://shop.example.com/games/catan",
		Price:       39.99,
		Additional: map[string]any{
			"siteId":    "test-site",
			"priceText": "£39.99",
		},
	}

	// Queue payloads round-trip through JSON, so metadata values arrive as
	// plain strings rather than pointers.
	data, err := json.Marshal(normalize.Batch{Observations: []normalize.Observation{obs}})
	require.NoError(t, err)

	var decoded normalize.Batch
	require.NoError(t, json.Unmarshal(data, &decoded))

	snapshots := ToSnapshots(decoded.Observations)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "test-site", snapshots[0].Raw.SiteID)
	require.NotNil(t, snapshots[0].Raw.PriceText)
	assert.Equal(t, "£39.99", *snapshots[0].Raw.PriceText)
}

func TestImagePairs(t *testing.T) {
	observations := []normalize.Observation{
		{
			SourceURL:  "https://shop.example.com/games/catan",
			Additional: map[string]any{"imageUrl": "https://cdn.example.com/catan.jpg"},
		},
		{
			SourceURL:  "https://shop.example.com/games/azul",
			Additional: map[string]any{},
		},
		{
			SourceURL: "https://shop.example.com/games/wingspan",
		},
	}

	pairs := ImagePairs(observations)
	require.Len(t, pairs, 1)
	assert.Equal(t, "https://shop.example.com/games/catan", pairs[0].SourceURL)
	assert.Equal(t, "https://cdn.example.com/catan.jpg", pairs[0].ImageURL)
}
