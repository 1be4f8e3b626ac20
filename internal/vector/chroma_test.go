package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinnokio/backend/internal/rpc"
)

// chromaStub is a minimal fake of the Chroma v1 REST surface. Handlers are
// keyed by "METHOD path"; unknown routes answer 404 like the real server.
type chromaStub struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	requests []string
}

func newChromaStub(t *testing.T) (*chromaStub, *Client) {
	t.Helper()
	stub := &chromaStub{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		stub.requests = append(stub.requests, key)
		if h, ok := stub.handlers[key]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return stub, New(srv.URL)
}

func (s *chromaStub) respond(key string, v interface{}) {
	s.handlers[key] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

// collection wires the name-resolve and count endpoints for one collection.
func (s *chromaStub) collection(name, id string, count int) {
	s.respond("GET /api/v1/collections/"+name, map[string]string{"id": id, "name": name})
	s.respond("GET /api/v1/collections/"+id+"/count", count)
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

// ============================================================================
// COLLECTION INFO
// ============================================================================

func TestGetCollectionInfoResolvesThenCounts(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 42)

	info, err := c.GetCollectionInfo(context.Background(), "invoices")
	require.NoError(t, err)
	assert.Equal(t, "col-1", info.ID)
	assert.Equal(t, "invoices", info.Name)
	assert.Equal(t, 42, info.Count)
	assert.Equal(t, []string{
		"GET /api/v1/collections/invoices",
		"GET /api/v1/collections/col-1/count",
	}, stub.requests)
}

func TestGetCollectionInfoUnknownCollection(t *testing.T) {
	_, c := newChromaStub(t)

	_, err := c.GetCollectionInfo(context.Background(), "missing")
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}

// ============================================================================
// ADD
// ============================================================================

func TestAddDocumentsPayloadShape(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 0)

	var got map[string]interface{}
	stub.handlers["POST /api/v1/collections/col-1/add"] = func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		w.WriteHeader(http.StatusCreated)
	}

	err := c.AddDocuments(context.Background(), "invoices", []Document{
		{ID: "d1", Text: "invoice 2026-001", Metadata: map[string]interface{}{"year": 2026}},
		{ID: "d2", Text: "invoice 2026-002"},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"d1", "d2"}, got["ids"])
	assert.Equal(t, []interface{}{"invoice 2026-001", "invoice 2026-002"}, got["documents"])
	assert.Len(t, got["metadatas"], 2)
	assert.NotContains(t, got, "embeddings", "partial embeddings must not be sent")
}

func TestAddDocumentsSendsEmbeddingsOnlyWhenComplete(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 0)

	var got map[string]interface{}
	stub.handlers["POST /api/v1/collections/col-1/add"] = func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
	}

	err := c.AddDocuments(context.Background(), "invoices", []Document{
		{ID: "d1", Text: "a", Embedding: []float32{0.1, 0.2}},
		{ID: "d2", Text: "b", Embedding: []float32{0.3, 0.4}},
	})
	require.NoError(t, err)
	require.Contains(t, got, "embeddings")
	assert.Len(t, got["embeddings"], 2)
}

func TestAddDocumentsEmptyInputRejected(t *testing.T) {
	stub, c := newChromaStub(t)

	err := c.AddDocuments(context.Background(), "invoices", nil)
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindBadRequest, e.Kind)
	assert.Empty(t, stub.requests, "validation happens before any HTTP call")
}

// ============================================================================
// QUERY
// ============================================================================

func TestQueryDocumentsUnwrapsNestedArrays(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 2)

	var got map[string]interface{}
	stub.handlers["POST /api/v1/collections/col-1/query"] = func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		// Chroma nests every result array one level per query text.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ids":       [][]string{{"d1", "d2"}},
			"documents": [][]string{{"first", "second"}},
			"metadatas": [][]map[string]interface{}{{{"year": 2026.0}, nil}},
			"distances": [][]float64{{0.12, 0.34}},
		})
	}

	results, err := c.QueryDocuments(context.Background(), "invoices", "unpaid invoices", 2, map[string]interface{}{"year": 2026})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"unpaid invoices"}, got["query_texts"])
	assert.Equal(t, 2.0, got["n_results"])
	assert.Contains(t, got, "where")

	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].ID)
	assert.Equal(t, "first", results[0].Text)
	assert.Equal(t, 2026.0, results[0].Metadata["year"])
	assert.InDelta(t, 0.12, results[0].Distance, 1e-9)
	assert.Equal(t, "d2", results[1].ID)
}

func TestQueryDocumentsDefaultsTopK(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 0)

	var got map[string]interface{}
	stub.handlers["POST /api/v1/collections/col-1/query"] = func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ids": [][]string{}})
	}

	results, err := c.QueryDocuments(context.Background(), "invoices", "anything", 0, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Equal(t, 10.0, got["n_results"])
	assert.NotContains(t, got, "where")
}

// ============================================================================
// ANALYZE / LIST
// ============================================================================

func TestAnalyzeCollectionTalliesMetadataKeys(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.collection("invoices", "col-1", 120)

	stub.handlers["POST /api/v1/collections/col-1/get"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, 3.0, body["limit"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"metadatas": []map[string]interface{}{
				{"year": 2026, "vendor": "acme"},
				{"year": 2025},
				{"vendor": "globex"},
			},
		})
	}

	analysis, err := c.AnalyzeCollection(context.Background(), "invoices", 3)
	require.NoError(t, err)
	assert.Equal(t, "invoices", analysis.Name)
	assert.Equal(t, 120, analysis.Count)
	assert.Equal(t, 3, analysis.SampleSize)
	assert.Equal(t, map[string]int{"year": 2, "vendor": 2}, analysis.MetadataKeys)
}

func TestListCollectionsSorted(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.respond("GET /api/v1/collections", []map[string]string{
		{"name": "payslips"},
		{"name": "invoices"},
	})

	names, err := c.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices", "payslips"}, names)
}

// ============================================================================
// ERROR CLASSIFICATION
// ============================================================================

func TestServerErrorIsTransport(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.handlers["GET /api/v1/collections"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}

	_, err := c.ListCollections(context.Background())
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindTransport, e.Kind)
}

func TestUnreachableServerIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := New(srv.URL)
	srv.Close()

	_, err := c.ListCollections(context.Background())
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindTransport, e.Kind)
}

func TestMalformedResponseIsInternal(t *testing.T) {
	stub, c := newChromaStub(t)
	stub.handlers["GET /api/v1/collections"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}

	_, err := c.ListCollections(context.Background())
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindInternal, e.Kind)
}
