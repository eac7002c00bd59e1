// Package upstream forwards GraphQL operations to the origin server over
// HTTP.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/exchange"
	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/reqid"
)

// StatusError is returned when the origin answered without a GraphQL
// response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.Status, e.Body)
}

// Client is an exchange.Forwarder for an HTTP GraphQL endpoint.
type Client struct {
	url     string
	http    *http.Client
	headers http.Header
	maxBody int64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }
func WithMaxBodyBytes(n int64) Option      { return func(cl *Client) { cl.maxBody = n } }

// WithHeader adds a header to every forwarded request.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.headers.Add(key, value) }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: http.Header{},
		maxBody: 32 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type headersKey struct{}

// WithHeaders returns a copy of ctx carrying headers of the incoming request
// that are to be sent to the origin.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

type payload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

type response struct {
	Data       map[string]any `json:"data"`
	Errors     gqlerror.List  `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Forward posts req to the origin. Transport failures and gateway errors
// are wrapped with exchange.ErrUnreachable.
func (c *Client) Forward(ctx context.Context, req exchange.Request) (res *exchange.Response, err error) {
	opType := ""
	if doc, perr := language.ParseQuery(req.Query); perr == nil {
		opType = language.OperationType(doc, req.OperationName)
	}
	status := 0
	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{URL: c.url, OperationName: req.OperationName, OperationType: opType})
	defer func() {
		eventbus.Publish(ctx, events.UpstreamFinish{
			URL:           c.url,
			OperationName: req.OperationName,
			OperationType: opType,
			Status:        status,
			Err:           err,
			Duration:      time.Since(start),
		})
	}()

	body, err := json.Marshal(payload{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Extensions:    req.Extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if h, ok := ctx.Value(headersKey{}).(http.Header); ok {
		for k, v := range h {
			httpReq.Header[k] = v
		}
	}
	for k, v := range c.headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	if rid, ok := reqid.FromContext(ctx); ok {
		httpReq.Header.Set(reqid.Header, rid)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", exchange.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", exchange.ErrUnreachable, err)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil || (out.Data == nil && len(out.Errors) == 0) {
		serr := &StatusError{Status: status, Body: string(bytes.TrimSpace(raw))}
		switch status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w: %w", exchange.ErrUnreachable, serr)
		}
		return nil, serr
	}
	return &exchange.Response{Data: out.Data, Errors: out.Errors, Extensions: out.Extensions}, nil
}

var _ exchange.Forwarder = (*Client)(nil)
