package odoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/rpc"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// Config holds the connection settings
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
	// LegacyFields reads allocations through the older column names
	// (endereco, coddv, desc, validade) still used by some installations.
	LegacyFields bool
	// Transport overrides http.DefaultTransport, mainly for tests.
	Transport http.RoundTripper
}

// Client represents an Odoo XML-RPC client
type Client struct {
	URL       string
	Database  string
	Username  string
	Password  string
	CommonURL string
	ObjectURL string
	Timeout   time.Duration

	legacy    bool
	transport http.RoundTripper

	mu  sync.Mutex
	uid int
}

// NewClient creates a new Odoo client
func NewClient(cfg Config) *Client {
	url := strings.TrimRight(cfg.URL, "/")
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL:       url,
		Database:  cfg.Database,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CommonURL: fmt.Sprintf("%s/xmlrpc/2/common", url),
		ObjectURL: fmt.Sprintf("%s/xmlrpc/2/object", url),
		Timeout:   timeout,
		legacy:    cfg.LegacyFields,
		transport: transport,
	}
}

var faultRx = regexp.MustCompile(`Fault\(-?\d+\): (.*)`)

// ctxTransport binds every request of one call to the caller's context.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// call performs one XML-RPC call bounded by ctx and the client timeout.
func (c *Client) call(ctx context.Context, endpoint, method string, args []interface{}, reply interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	client, err := xmlrpc.NewClient(endpoint, &ctxTransport{ctx: ctx, base: c.transport})
	if err != nil {
		return fmt.Errorf("failed to create XML-RPC client: %w", err)
	}
	defer client.Close()

	err = client.Call(method, args, reply)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Authenticate authenticates with Odoo and returns the user ID
func (c *Client) Authenticate(ctx context.Context) (int, error) {
	args := []interface{}{c.Database, c.Username, c.Password, make([]interface{}, 0)}
	var uid int
	if err := c.call(ctx, c.CommonURL, "authenticate", args, &uid); err != nil {
		return 0, classify(fmt.Errorf("authentication failed: %w", err), "authenticate")
	}
	if uid == 0 {
		return 0, apperr.New(apperr.RemoteFailure, "authentication rejected for %s", c.Username)
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	return uid, nil
}

func (c *Client) session(ctx context.Context) (int, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}
	return c.Authenticate(ctx)
}

// ExecuteKw calls model.method through execute_kw.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, reply interface{}) error {
	uid, err := c.session(ctx)
	if err != nil {
		return err
	}

	callArgs := []interface{}{c.Database, uid, c.Password, model, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}
	if err := c.call(ctx, c.ObjectURL, "execute_kw", callArgs, reply); err != nil {
		return classify(fmt.Errorf("failed to execute %s.%s: %w", model, method, err), method)
	}
	return nil
}

// SearchRead performs a generic search_read operation
// result: pointer to slice of structs with json tags
func (c *Client) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit, offset int, result interface{}) error {
	kwargs := map[string]interface{}{
		"fields": fields,
		"limit":  limit,
		"offset": offset,
		"order":  "id asc",
		// inactive rows must be visible so the cache can refuse them
		"context": map[string]interface{}{"active_test": false},
	}

	// First, get raw result
	var rawResult []map[string]interface{}
	if err := c.ExecuteKw(ctx, model, "search_read", []interface{}{domain}, kwargs, &rawResult); err != nil {
		return err
	}

	// Convert raw maps to target struct via JSON
	jsonData, err := json.Marshal(rawResult)
	if err != nil {
		return fmt.Errorf("failed to marshal raw result: %w", err)
	}
	if err := json.Unmarshal(jsonData, result); err != nil {
		return fmt.Errorf("failed to unmarshal into target: %w", err)
	}
	return nil
}

// classify turns an XML-RPC fault into RemoteRejected. Server methods raise
// faults as "<code>: <message>" where code is a validation kind.
func classify(err error, op string) error {
	var fault xmlrpc.FaultError
	var faultPtr *xmlrpc.FaultError
	var serverErr rpc.ServerError
	switch {
	case errors.As(err, &fault):
	case errors.As(err, &faultPtr) && faultPtr != nil:
		fault = *faultPtr
	case errors.As(err, &serverErr):
		// net/rpc may flatten the fault into its message
		m := faultRx.FindStringSubmatch(string(serverErr))
		if m == nil {
			return remote.Classify(err, op)
		}
		fault.String = m[1]
	default:
		return remote.Classify(err, op)
	}

	code, msg, found := strings.Cut(fault.String, ":")
	if !found {
		return remote.Reject(apperr.Kind(""), "%s: %s", op, strings.TrimSpace(fault.String))
	}
	return remote.Reject(apperr.Kind(strings.TrimSpace(code)), "%s: %s", op, strings.TrimSpace(msg))
}
