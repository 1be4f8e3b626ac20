package mandate

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements MetadataStore against Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// GetDoc fetches a document by slash-separated path. A missing document is
// (nil, nil), not an error — resolution falls through to the next source.
func (s *FirestoreStore) GetDoc(ctx context.Context, path string) (map[string]interface{}, error) {
	snap, err := s.client.Doc(path).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore get %s: %w", path, err)
	}
	return snap.Data(), nil
}
