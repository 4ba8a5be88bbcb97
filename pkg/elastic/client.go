// Package elastic wraps the Elasticsearch client. Postgres stays the system of
// record; the indices are a derived read model rebuilt by the reindex lanes.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/noah-isme/connect-api/pkg/config"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

// Hit is one document reference returned by a search.
type Hit struct {
	ID    string
	Score float64
	Sort  []json.RawMessage
}

// Result is the decoded part of a search response the API relies on.
type Result struct {
	Total    int64
	MaxScore float64
	Took     int
	Hits     []Hit
}

// Client executes queries and document writes against Elasticsearch.
type Client struct {
	es      *elasticsearch.Client
	timeout time.Duration
}

// NewClient creates a client for the configured addresses.
func NewClient(cfg config.SearchConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: create client: %w", err)
	}
	return &Client{es: es, timeout: cfg.Timeout}, nil
}

// Search runs body against index and decodes ids, scores and total.
func (c *Client) Search(ctx context.Context, index string, body map[string]any) (*Result, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("elastic: encode query: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, transportError(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "query")
	}

	var payload searchResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("elastic: decode response: %w", err)
	}
	return payload.result(), nil
}

// Index upserts doc under id. Using the entity id as document id keeps
// repeated reindex jobs idempotent.
func (c *Client) Index(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("elastic: encode document: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Index(
		index,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return transportError(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}
	return nil
}

// Delete removes a document. Missing documents are not an error.
func (c *Client) Delete(ctx context.Context, index, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Delete(index, id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return transportError(err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError(res, "delete")
	}
	return nil
}

// EnsureIndex creates index with mapping unless it already exists.
func (c *Client) EnsureIndex(ctx context.Context, index string, mapping map[string]any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return transportError(err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return responseError(res, "index exists")
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("elastic: encode mapping: %w", err)
	}
	res, err = c.es.Indices.Create(index,
		c.es.Indices.Create.WithBody(bytes.NewReader(body)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return transportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "create index")
	}
	return nil
}

// Ping checks cluster reachability for readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return transportError(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "ping")
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return appErrors.WrapAs(appErrors.ErrTransient, err, "search backend unavailable")
}

func responseError(res *esapi.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("elastic: %s error [%s]: %s", op, res.Status(), body)
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
		return appErrors.WrapAs(appErrors.ErrTransient, err, "search backend unavailable")
	}
	return appErrors.WrapAs(appErrors.ErrInternal, err, "search backend rejected request")
}

type searchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		MaxScore *float64 `json:"max_score"`
		Hits     []struct {
			ID    string            `json:"_id"`
			Score *float64          `json:"_score"`
			Sort  []json.RawMessage `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r searchResponse) result() *Result {
	out := &Result{Total: r.Hits.Total.Value, Took: r.Took, Hits: make([]Hit, 0, len(r.Hits.Hits))}
	if r.Hits.MaxScore != nil {
		out.MaxScore = *r.Hits.MaxScore
	}
	for _, h := range r.Hits.Hits {
		hit := Hit{ID: h.ID, Sort: h.Sort}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		out.Hits = append(out.Hits, hit)
	}
	return out
}
