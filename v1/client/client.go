// Package client talks to the HTTP gateway of a kustodio node.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/gateway"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
)

// DefaultServer is the gateway address used when none is configured.
const DefaultServer = "http://127.0.0.1:8080"

// Client is a gateway client. It is safe for concurrent use.
type Client struct {
	http *http.Client
	base string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client for the gateway at server.
func New(server string, opts ...Option) *Client {
	if server == "" {
		server = DefaultServer
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	c := &Client{http: http.DefaultClient, base: strings.TrimRight(server, "/")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a failed gateway response. It unwraps to the matching
// kustodio sentinel error when the response code has one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("gateway: %s", e.Message)
}

// Unwrap returns the sentinel error for e.Code, if any.
func (e *APIError) Unwrap() error {
	return gateway.ErrorFromCode(e.Code)
}

// Create registers name as an unlocked lock.
func (c *Client) Create(ctx context.Context, name string) error {
	return c.mutate(ctx, http.MethodPost, name, "")
}

// Remove deletes name.
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.mutate(ctx, http.MethodDelete, name, "")
}

// Lock acquires name.
func (c *Client) Lock(ctx context.Context, name string) error {
	return c.mutate(ctx, http.MethodPost, name, "lock")
}

// Unlock releases name.
func (c *Client) Unlock(ctx context.Context, name string) error {
	return c.mutate(ctx, http.MethodPost, name, "unlock")
}

// State returns the state of name.
func (c *Client) State(ctx context.Context, name string) (gateway.LockState, error) {
	var out gateway.LockState
	err := c.do(ctx, http.MethodGet, lockPath(name, ""), &out)
	return out, err
}

// List returns every lock known to the server, sorted by name.
func (c *Client) List(ctx context.Context) ([]gateway.LockState, error) {
	var out gateway.LockList
	if err := c.do(ctx, http.MethodGet, "/v1/locks", &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// Peers returns the server's view of the cluster.
func (c *Client) Peers(ctx context.Context) ([]gateway.PeerInfo, error) {
	var out gateway.PeerList
	if err := c.do(ctx, http.MethodGet, "/v1/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Watch streams registry events until ctx is done or the server closes the
// stream. fn is called once per event; returning an error stops the watch
// and is returned. Reaching the end of the stream returns nil.
func (c *Client) Watch(ctx context.Context, capacity int, fn func(handler.Event) error) error {
	path := "/v1/watch"
	if capacity > 0 {
		path += fmt.Sprintf("?capacity=%d", capacity)
	}
	body, err := c.stream(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer body.Close()

	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev handler.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return fmt.Errorf("%w: watch event: %v", kerrors.ErrMalformed, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func lockPath(name, verb string) string {
	p := "/v1/locks/" + url.PathEscape(name)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func (c *Client) mutate(ctx context.Context, method, name, verb string) error {
	if name == "" {
		return fmt.Errorf("%w: empty lock name", kerrors.ErrMalformed)
	}
	return c.do(ctx, method, lockPath(name, verb), nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	body, err := c.stream(ctx, method, path)
	if err != nil {
		return err
	}
	defer body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}
	return json.NewDecoder(body).Decode(out)
}

// stream sends the request and returns the body of a successful response.
func (c *Client) stream(ctx context.Context, method, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}
	var er gateway.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er); err == nil {
		apiErr.Code, apiErr.Message = er.Code, er.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}

// IsNotFound reports whether err means the lock does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, kerrors.ErrNotFound)
}
