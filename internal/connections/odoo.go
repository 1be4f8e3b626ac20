package connections

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/rpc"
)

// OdooClient is an authenticated Odoo XML-RPC client bound to one database.
type OdooClient struct {
	url      string
	db       string
	username string
	password string
	uid      int64

	common *xmlrpc.Client
	object *xmlrpc.Client
}

// DialOdoo authenticates against the Odoo common endpoint and returns a
// client ready for execute_kw calls. A zero uid means the credentials were
// rejected.
func DialOdoo(ctx context.Context, creds *mandate.CredentialsBundle) (*OdooClient, error) {
	transport := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
	}

	common, err := xmlrpc.NewClient(strings.TrimRight(creds.URL, "/")+"/xmlrpc/2/common", transport)
	if err != nil {
		return nil, rpc.Errorf(rpc.KindTransport, "odoo common endpoint: %v", err)
	}
	object, err := xmlrpc.NewClient(strings.TrimRight(creds.URL, "/")+"/xmlrpc/2/object", transport)
	if err != nil {
		common.Close()
		return nil, rpc.Errorf(rpc.KindTransport, "odoo object endpoint: %v", err)
	}

	c := &OdooClient{
		url:      creds.URL,
		db:       creds.Database,
		username: creds.Username,
		password: creds.Secret,
		common:   common,
		object:   object,
	}

	var uid interface{}
	err = c.call(ctx, common, "authenticate", []interface{}{
		c.db, c.username, c.password, map[string]interface{}{},
	}, &uid)
	if err != nil {
		c.Close()
		return nil, classifyOdooErr(err)
	}

	switch v := uid.(type) {
	case int64:
		c.uid = v
	case int:
		c.uid = int64(v)
	}
	if c.uid == 0 {
		c.Close()
		return nil, rpc.Errorf(rpc.KindPermissionDenied, "odoo rejected credentials for %s on %s", c.username, c.db)
	}
	return c, nil
}

// ExecuteKw runs model.method with positional args and keyword args.
func (c *OdooClient) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kw map[string]interface{}, result interface{}) error {
	if kw == nil {
		kw = map[string]interface{}{}
	}
	err := c.call(ctx, c.object, "execute_kw", []interface{}{
		c.db, c.uid, c.password, model, method, args, kw,
	}, result)
	if err != nil {
		return classifyOdooErr(err)
	}
	return nil
}

// SearchRead is the common read path: domain filter + field list.
func (c *OdooClient) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit int) ([]map[string]interface{}, error) {
	kw := map[string]interface{}{"fields": fields}
	if limit > 0 {
		kw["limit"] = limit
	}
	var rows []map[string]interface{}
	if err := c.ExecuteKw(ctx, model, "search_read", []interface{}{domain}, kw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Write updates one or more records on a model.
func (c *OdooClient) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error) {
	var ok bool
	if err := c.ExecuteKw(ctx, model, "write", []interface{}{ids, values}, nil, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Probe performs the cheap authenticated read used by the connection cache:
// a single-row journal lookup.
func (c *OdooClient) Probe(ctx context.Context) error {
	_, err := c.SearchRead(ctx, "account.journal", []interface{}{}, []string{"id"}, 1)
	return err
}

// Close releases both endpoint connections.
func (c *OdooClient) Close() error {
	var first error
	if c.common != nil {
		if err := c.common.Close(); err != nil {
			first = err
		}
	}
	if c.object != nil {
		if err := c.object.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// call runs an XML-RPC call on its own goroutine so the caller's context is
// honored. The transport call itself cannot be interrupted mid-flight; an
// abandoned call completes in the background.
func (c *OdooClient) call(ctx context.Context, client *xmlrpc.Client, method string, args []interface{}, result interface{}) error {
	done := make(chan error, 1)
	go func() {
		done <- client.Call(method, args, result)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyOdooErr maps XML-RPC faults and transport failures onto the
// taxonomy. Odoo reports auth problems as faults whose text carries
// "Access Denied"/"AccessDenied".
func classifyOdooErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := rpc.AsError(err); ok {
		return e
	}

	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		text := fault.String
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "access denied"), strings.Contains(lower, "accessdenied"):
			return rpc.Errorf(rpc.KindPermissionDenied, "odoo: %s", text)
		case strings.Contains(lower, "access error"), strings.Contains(lower, "accesserror"):
			return rpc.Errorf(rpc.KindPermissionDenied, "odoo: %s", text)
		default:
			return rpc.Errorf(rpc.KindInternal, "odoo fault %d: %s", fault.Code, text)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpc.Errorf(rpc.KindTimeout, "odoo call timed out")
	}
	return rpc.Errorf(rpc.KindTransport, "odoo: %v", err)
}

var _ Client = (*OdooClient)(nil)

func (c *OdooClient) String() string {
	return fmt.Sprintf("odoo[%s/%s uid=%d]", c.url, c.db, c.uid)
}
