package connections

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// ArchivedFolderPrefix marks Drive folders that were archived by the
// frontend. Treated as an opaque string prefix.
const ArchivedFolderPrefix = "ARCHIVED_PINNOKIO_"

// googleTokenURL is Google's OAuth2 token endpoint; the bundle carries a
// refresh token, so no auth-code flow happens here.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// oauthDeadRe matches the vendor error strings that mean the OAuth grant is
// unrecoverable without user re-consent.
var oauthDeadRe = regexp.MustCompile(`(?i)invalid_grant|unauthorized|token has been (expired|revoked)`)

// DriveDocument is the wire shape for one Drive file.
type DriveDocument struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Status   string `json:"status,omitempty"`
	Modified string `json:"modified,omitempty"`
	Folder   string `json:"folder,omitempty"`
}

// DriveClient wraps an authenticated Drive service for one user mandate.
type DriveClient struct {
	svc        *drive.Service
	rootFolder string
}

// DialDrive builds a Drive client from an OAuth credentials bundle (client
// id/secret plus the materialized refresh token).
func DialDrive(ctx context.Context, creds *mandate.CredentialsBundle) (*DriveClient, error) {
	conf := &oauth2.Config{
		ClientID:     creds.Extra["client_id"],
		ClientSecret: creds.Extra["client_secret"],
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		Scopes:       []string{drive.DriveReadonlyScope},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.Secret})

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, ClassifyDriveErr(err)
	}
	return &DriveClient{svc: svc, rootFolder: creds.Extra["root_folder_id"]}, nil
}

// Probe is an authenticated no-op metadata fetch.
func (d *DriveClient) Probe(ctx context.Context) error {
	_, err := d.svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return ClassifyDriveErr(err)
	}
	return nil
}

// Close is a no-op; the Drive service holds no sockets beyond the shared
// HTTP transport.
func (d *DriveClient) Close() error { return nil }

// ListDocuments returns the files under the mandate's root folder, skipping
// archived folders. The status used for frontend bucketing rides in the
// file's appProperties.
func (d *DriveClient) ListDocuments(ctx context.Context) ([]DriveDocument, error) {
	q := "trashed = false and mimeType != 'application/vnd.google-apps.folder'"
	if d.rootFolder != "" {
		q = "'" + d.rootFolder + "' in parents and " + q
	}

	var docs []DriveDocument
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, mimeType, modifiedTime, appProperties, parents)").
			PageSize(200).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, ClassifyDriveErr(err)
		}
		for _, f := range page.Files {
			if strings.HasPrefix(f.Name, ArchivedFolderPrefix) {
				continue
			}
			doc := DriveDocument{
				ID:       f.Id,
				Name:     f.Name,
				MimeType: f.MimeType,
				Modified: f.ModifiedTime,
			}
			if f.AppProperties != nil {
				doc.Status = f.AppProperties["status"]
			}
			if len(f.Parents) > 0 {
				doc.Folder = f.Parents[0]
			}
			docs = append(docs, doc)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return docs, nil
}

var _ Client = (*DriveClient)(nil)

// ClassifyDriveErr maps Drive/OAuth failures onto the taxonomy. String
// matching on vendor messages is confined to this boundary adapter; higher
// layers only see the kind.
func ClassifyDriveErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := rpc.AsError(err); ok {
		return e
	}

	if IsOAuthDead(err.Error()) {
		return rpc.Errorf(rpc.KindOAuthReauthRequired, "drive oauth grant is dead: %v", err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 401:
			return rpc.Errorf(rpc.KindOAuthReauthRequired, "drive: %s", gerr.Message)
		case 403:
			return rpc.Errorf(rpc.KindPermissionDenied, "drive: %s", gerr.Message)
		case 404:
			return rpc.Errorf(rpc.KindNotFound, "drive: %s", gerr.Message)
		}
	}
	return rpc.Errorf(rpc.KindTransport, "drive: %v", err)
}

// IsOAuthDead reports whether a vendor error message means the OAuth token
// is expired, revoked, or otherwise needs re-consent.
func IsOAuthDead(msg string) bool {
	return oauthDeadRe.MatchString(msg)
}
