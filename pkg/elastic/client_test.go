package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/pkg/config"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(config.SearchConfig{Addresses: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)
	return client
}

func TestClientSearchDecodesHits(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"took":4,"hits":{"total":{"value":3,"relation":"eq"},"max_score":2.5,
			"hits":[{"_id":"svc-1","_score":2.5},{"_id":"svc-2","_score":1.1},{"_id":"svc-3","_score":null,"sort":[1.25]}]}}`))
	})

	res, err := client.Search(context.Background(), "services", map[string]any{"query": map[string]any{"match_all": map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, "/services/_search", gotPath)
	assert.Contains(t, gotBody, "query")
	assert.EqualValues(t, 3, res.Total)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "svc-1", res.Hits[0].ID)
	assert.Equal(t, 2.5, res.Hits[0].Score)
	assert.Equal(t, 0.0, res.Hits[2].Score)
	require.Len(t, res.Hits[2].Sort, 1)
}

func TestClientSearchServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
	})

	_, err := client.Search(context.Background(), "services", map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrTransient))
}

func TestClientSearchBadRequestIsInternal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"parsing_exception"}`))
	})

	_, err := client.Search(context.Background(), "services", map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
	assert.Contains(t, err.Error(), "parsing_exception")
}

func TestClientIndexAndDelete(t *testing.T) {
	var calls []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"result":"not_found"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	})

	require.NoError(t, client.Index(context.Background(), "services", "svc-1", map[string]any{"name": "Library"}))
	require.NoError(t, client.Delete(context.Background(), "services", "svc-1"))
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "PUT /services/_doc/svc-1"))
	assert.Equal(t, "DELETE /services/_doc/svc-1", calls[1])
}

func TestClientEnsureIndexCreatesMissingIndex(t *testing.T) {
	var calls []string
	var created map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &created)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		}
	})

	mapping := map[string]any{"mappings": map[string]any{"properties": map[string]any{"name": map[string]any{"type": "text"}}}}
	require.NoError(t, client.EnsureIndex(context.Background(), "services", mapping))
	assert.Equal(t, []string{"HEAD /services", "PUT /services"}, calls)
	assert.Contains(t, created, "mappings")
}

func TestClientEnsureIndexSkipsExistingIndex(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.EnsureIndex(context.Background(), "events", map[string]any{}))
	assert.Equal(t, 1, calls)
}
