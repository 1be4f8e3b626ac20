// Package vector provides a minimal ChromaDB HTTP client used by the app.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/pinnokio/backend/internal/rpc"
)

// Client is a minimal ChromaDB HTTP client (v1 REST API).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Chroma client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CollectionInfo describes one collection: its id and document count.
type CollectionInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// GetCollectionInfo resolves a collection by name and counts its documents.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	var col struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+name, nil, &col); err != nil {
		return nil, err
	}

	var count int
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/collections/%s/count", col.ID), nil, &count); err != nil {
		return nil, err
	}
	return &CollectionInfo{ID: col.ID, Name: col.Name, Count: count}, nil
}

// Document is one entry to add: text plus metadata, with an optional
// pre-computed embedding.
type Document struct {
	ID        string                 `json:"id"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// AddDocuments inserts documents into a collection.
func (c *Client) AddDocuments(ctx context.Context, collectionName string, docs []Document) error {
	if len(docs) == 0 {
		return rpc.Errorf(rpc.KindBadRequest, "no documents to add")
	}

	info, err := c.GetCollectionInfo(ctx, collectionName)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(docs))
	texts := make([]string, 0, len(docs))
	metas := make([]map[string]interface{}, 0, len(docs))
	var embeddings [][]float32
	for _, d := range docs {
		ids = append(ids, d.ID)
		texts = append(texts, d.Text)
		metas = append(metas, d.Metadata)
		if d.Embedding != nil {
			embeddings = append(embeddings, d.Embedding)
		}
	}
	body := map[string]interface{}{
		"ids":       ids,
		"documents": texts,
		"metadatas": metas,
	}
	// Only pass embeddings when every document carries one; a partial set
	// would misalign the arrays.
	if len(embeddings) == len(docs) {
		body["embeddings"] = embeddings
	}

	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/collections/%s/add", info.ID), body, nil)
}

// QueryResult is one matched document with its distance.
type QueryResult struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Distance float64                `json:"distance"`
}

// QueryDocuments runs a text query and returns the top-k matches.
func (c *Client) QueryDocuments(ctx context.Context, collectionName, queryText string, topK int, where map[string]interface{}) ([]QueryResult, error) {
	info, err := c.GetCollectionInfo(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	body := map[string]interface{}{
		"query_texts": []string{queryText},
		"n_results":   topK,
		"include":     []string{"documents", "metadatas", "distances"},
	}
	if len(where) > 0 {
		body["where"] = where
	}

	var out struct {
		IDs       [][]string                 `json:"ids"`
		Documents [][]string                 `json:"documents"`
		Metadatas [][]map[string]interface{} `json:"metadatas"`
		Distances [][]float64                `json:"distances"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/collections/%s/query", info.ID), body, &out); err != nil {
		return nil, err
	}
	if len(out.IDs) == 0 {
		return nil, nil
	}

	results := make([]QueryResult, 0, len(out.IDs[0]))
	for i, id := range out.IDs[0] {
		r := QueryResult{ID: id}
		if len(out.Documents) > 0 && i < len(out.Documents[0]) {
			r.Text = out.Documents[0][i]
		}
		if len(out.Metadatas) > 0 && i < len(out.Metadatas[0]) {
			r.Metadata = out.Metadatas[0][i]
		}
		if len(out.Distances) > 0 && i < len(out.Distances[0]) {
			r.Distance = out.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// CollectionAnalysis summarizes a collection: size and metadata key spread.
type CollectionAnalysis struct {
	Name         string         `json:"name"`
	Count        int            `json:"count"`
	MetadataKeys map[string]int `json:"metadata_keys"`
	SampleSize   int            `json:"sample_size"`
}

// AnalyzeCollection samples documents and tallies which metadata keys occur.
func (c *Client) AnalyzeCollection(ctx context.Context, collectionName string, sampleSize int) (*CollectionAnalysis, error) {
	info, err := c.GetCollectionInfo(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	if sampleSize <= 0 {
		sampleSize = 100
	}

	body := map[string]interface{}{
		"limit":   sampleSize,
		"include": []string{"metadatas"},
	}
	var out struct {
		Metadatas []map[string]interface{} `json:"metadatas"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/collections/%s/get", info.ID), body, &out); err != nil {
		return nil, err
	}

	keys := make(map[string]int)
	for _, meta := range out.Metadatas {
		for k := range meta {
			keys[k]++
		}
	}
	return &CollectionAnalysis{
		Name:         info.Name,
		Count:        info.Count,
		MetadataKeys: keys,
		SampleSize:   len(out.Metadatas),
	}, nil
}

// ListCollections returns the collection names, sorted.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var cols []struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections", nil, &cols); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for _, col := range cols {
		names = append(names, col.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rpc.Errorf(rpc.KindTransport, "chroma: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return rpc.Errorf(rpc.KindNotFound, "chroma: %s not found", path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return rpc.Errorf(rpc.KindTransport, "chroma %s status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rpc.Errorf(rpc.KindInternal, "chroma: malformed response: %v", err)
	}
	return nil
}
