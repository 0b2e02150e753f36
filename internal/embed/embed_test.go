package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, dim int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req batchEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := batchEmbedResponse{}
		for range req.Requests {
			vec := make([]float32, dim)
			vec[0] = 1
			resp.Embeddings = append(resp.Embeddings, struct {
				Values []float32 `json:"values"`
			}{Values: vec})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestEmbedBatching(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, 8, &calls)
	defer srv.Close()

	client := NewClient(Config{
		Endpoint:  srv.URL,
		Model:     "embedding-001",
		APIKey:    "test",
		Dimension: 8,
		BatchSize: 10,
	}, zerolog.Nop())

	texts := make([]string, 25)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}
	vecs, err := client.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, 25)
	assert.Equal(t, int64(3), calls.Load())
	for _, v := range vecs {
		assert.Len(t, v, 8)
	}
}

func TestEmbedEmpty(t *testing.T) {
	client := NewClient(Config{Dimension: 8}, zerolog.Nop())
	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, 4, &calls)
	defer srv.Close()

	client := NewClient(Config{
		Endpoint:  srv.URL,
		Model:     "embedding-001",
		APIKey:    "test",
		Dimension: 8,
		BatchSize: 10,
	}, zerolog.Nop())

	_, err := client.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "dimension 4, expected 8")
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{
		Endpoint:  srv.URL,
		Model:     "embedding-001",
		APIKey:    "test",
		Dimension: 8,
	}, zerolog.Nop())

	_, err := client.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "returned 500")
}
