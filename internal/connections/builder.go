package connections

import (
	"context"
	"fmt"

	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// NewBuilder returns the production Builder: materialize credentials through
// the mandate resolver, dial the downstream, and probe before handing the
// client to the cache. A failed probe surfaces with its OAuth / permission /
// transport class so the frontend can pick between silent retry, re-consent,
// and a user-visible error.
func NewBuilder(resolver *mandate.Resolver) Builder {
	return func(ctx context.Context, userID, tenantID string, kind mandate.Kind) (Client, error) {
		creds, err := resolver.Credentials(ctx, userID, tenantID, kind)
		if err != nil {
			return nil, err
		}

		var client Client
		switch kind {
		case mandate.KindERPOdoo:
			client, err = DialOdoo(ctx, creds)
		case mandate.KindDriveOAuth:
			client, err = DialDrive(ctx, creds)
		default:
			return nil, rpc.Errorf(rpc.KindBadRequest, "unknown connection kind %q", kind)
		}
		if err != nil {
			return nil, err
		}

		if err := client.Probe(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("connectivity probe (%s): %w", kind, err)
		}
		return client, nil
	}
}
