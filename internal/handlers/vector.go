package handlers

import (
	"context"

	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/vector"
)

// VectorStore is the Chroma surface the handler uses.
type VectorStore interface {
	GetCollectionInfo(ctx context.Context, name string) (*vector.CollectionInfo, error)
	AddDocuments(ctx context.Context, collectionName string, docs []vector.Document) error
	QueryDocuments(ctx context.Context, collectionName, queryText string, topK int, where map[string]interface{}) ([]vector.QueryResult, error)
	AnalyzeCollection(ctx context.Context, collectionName string, sampleSize int) (*vector.CollectionAnalysis, error)
}

// VectorHandler is the VECTOR namespace.
type VectorHandler struct {
	store VectorStore
}

// NewVectorHandler wires the namespace.
func NewVectorHandler(store VectorStore) *VectorHandler {
	return &VectorHandler{store: store}
}

// Methods returns the RPC method table.
func (h *VectorHandler) Methods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"get_collection_info": h.getCollectionInfo,
		"add_documents":       h.addDocuments,
		"query_documents":     h.queryDocuments,
		"analyze_collection":  h.analyzeCollection,
	}
}

func (h *VectorHandler) getCollectionInfo(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	name, err := requireStr(params, "collection")
	if err != nil {
		return nil, err
	}
	return h.store.GetCollectionInfo(ctx, name)
}

func (h *VectorHandler) addDocuments(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	name, err := requireStr(params, "collection")
	if err != nil {
		return nil, err
	}
	raw, ok := params["documents"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, rpc.Errorf(rpc.KindBadRequest, "missing or empty documents")
	}

	docs := make([]vector.Document, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, rpc.Errorf(rpc.KindBadRequest, "document %d is not an object", i)
		}
		doc := vector.Document{
			ID:       strParam(m, "id"),
			Text:     strParam(m, "text"),
			Metadata: mapParam(m, "metadata"),
		}
		if doc.ID == "" || doc.Text == "" {
			return nil, rpc.Errorf(rpc.KindBadRequest, "document %d needs id and text", i)
		}
		docs = append(docs, doc)
	}

	if err := h.store.AddDocuments(ctx, name, docs); err != nil {
		return nil, err
	}
	return map[string]interface{}{"added": len(docs)}, nil
}

func (h *VectorHandler) queryDocuments(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	name, err := requireStr(params, "collection")
	if err != nil {
		return nil, err
	}
	query, err := requireStr(params, "query")
	if err != nil {
		return nil, err
	}
	topK, _ := intParam(params, "top_k")

	results, err := h.store.QueryDocuments(ctx, name, query, topK, mapParam(params, "where"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

func (h *VectorHandler) analyzeCollection(ctx context.Context, _ rpc.Caller, params map[string]interface{}) (interface{}, error) {
	name, err := requireStr(params, "collection")
	if err != nil {
		return nil, err
	}
	sample, _ := intParam(params, "sample_size")
	return h.store.AnalyzeCollection(ctx, name, sample)
}
