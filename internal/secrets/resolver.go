// Package secrets resolves API secrets and service credentials from Google
// Secret Manager. The Secret Manager client is constructed once per process;
// secret values themselves are not cached here — callers decide.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pinnokio/backend/internal/config"
	"github.com/pinnokio/backend/internal/rpc"
)

// Resolver answers Get(name) calls against Secret Manager using whichever
// service identity the environment provides.
type Resolver struct {
	client    *secretmanager.Client
	projectID string
}

// NewResolver locates a usable service identity and builds the process-wide
// Secret Manager client. Preference order: inline JSON service account,
// inline base64 variant, ambient default credentials, then a bootstrap secret
// fetched with ambient credentials.
func NewResolver(ctx context.Context, cfg config.GoogleConfig) (*Resolver, error) {
	if cfg.ProjectID == "" {
		return nil, rpc.Errorf(rpc.KindNotConfigured, "GOOGLE_PROJECT_ID is not set")
	}

	saJSON, source, err := resolveIdentity(cfg)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if saJSON != nil {
		opts = append(opts, option.WithCredentialsJSON(saJSON))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, rpc.Errorf(rpc.KindNotConfigured, "secret manager client: %v", err)
	}

	r := &Resolver{client: client, projectID: cfg.ProjectID}

	// Bootstrap path: no inline identity, but a secret name that holds one.
	// Fetch it with ambient credentials and rebuild the client.
	if saJSON == nil && cfg.ServiceAccountSecret != "" {
		blob, err := r.Get(ctx, cfg.ServiceAccountSecret)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("bootstrap service account secret: %w", err)
		}
		bootstrapped, err := secretmanager.NewClient(ctx, option.WithCredentialsJSON([]byte(blob)))
		if err != nil {
			client.Close()
			return nil, rpc.Errorf(rpc.KindNotConfigured, "secret manager client (bootstrapped): %v", err)
		}
		client.Close()
		r.client = bootstrapped
		source = "bootstrap secret " + cfg.ServiceAccountSecret
	}

	slog.Info("[Secrets] Resolver ready", "project", cfg.ProjectID, "identity", source)
	return r, nil
}

// resolveIdentity returns the service-account JSON to use, or nil for ambient
// default credentials.
func resolveIdentity(cfg config.GoogleConfig) ([]byte, string, error) {
	if cfg.ServiceAccountJSON != "" {
		if !json.Valid([]byte(cfg.ServiceAccountJSON)) {
			return nil, "", rpc.Errorf(rpc.KindNotConfigured, "GOOGLE_SERVICE_ACCOUNT_JSON is not valid JSON")
		}
		return []byte(cfg.ServiceAccountJSON), "inline json", nil
	}
	if cfg.ServiceAccountB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.ServiceAccountB64)
		if err != nil {
			return nil, "", rpc.Errorf(rpc.KindNotConfigured, "GOOGLE_SERVICE_ACCOUNT_B64 does not decode: %v", err)
		}
		return raw, "inline base64", nil
	}
	return nil, "ambient default credentials", nil
}

// Get fetches the latest version of a secret and returns its payload as a
// string. The name may be bare (resolved under the configured project) or a
// full projects/…/secrets/…/versions/… resource path.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	resource := name
	if !strings.HasPrefix(name, "projects/") {
		resource = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, name)
	}

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resource,
	})
	if err != nil {
		return "", classify(name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

// AWSCredentials holds the optional AWS bundle kept as a single secret.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
}

// AWSCredentials fetches and parses the AWS credentials bundle named by
// AWS_SECRET_NAME.
func (r *Resolver) AWSCredentials(ctx context.Context, secretName string) (*AWSCredentials, error) {
	if secretName == "" {
		return nil, rpc.Errorf(rpc.KindNotConfigured, "AWS_SECRET_NAME is not set")
	}
	raw, err := r.Get(ctx, secretName)
	if err != nil {
		return nil, err
	}
	var creds AWSCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, rpc.Errorf(rpc.KindInternal, "aws credentials bundle %s is malformed: %v", secretName, err)
	}
	return &creds, nil
}

// Close releases the Secret Manager client.
func (r *Resolver) Close() error {
	return r.client.Close()
}

// classify maps a Secret Manager gRPC error onto the wire taxonomy.
func classify(name string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return rpc.Errorf(rpc.KindNotFound, "secret %q does not exist", name)
	case codes.PermissionDenied, codes.Unauthenticated:
		return rpc.Errorf(rpc.KindPermissionDenied, "access to secret %q denied", name)
	case codes.DeadlineExceeded:
		return rpc.Errorf(rpc.KindTimeout, "secret %q fetch timed out", name)
	default:
		return rpc.Errorf(rpc.KindTransport, "secret %q fetch failed: %v", name, err)
	}
}
