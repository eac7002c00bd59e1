// Package server serves a GraphQL endpoint that answers from the cache and
// forwards to the origin through an exchange.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/exchange"
	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/reqid"
	"github.com/hanpama/graphcache/internal/upstream"
)

// PolicyHeader selects the request policy of every operation in a request.
// A requestPolicy extension on an operation takes precedence.
const PolicyHeader = "X-Cache-Policy"

// Handler is an http.Handler that serves a GraphQL endpoint.
// It parses requests, runs them through the exchange, and formats responses
// per GraphQL spec.
type Handler struct {
	ex  *exchange.Exchange
	opt Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// ForwardHeaders lists HTTP headers passed on to the origin.
	// Header names are case-insensitive. Default is none.
	ForwardHeaders []string

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithForwardHeaders(headers ...string) Option {
	return func(o *Options) { o.ForwardHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// New creates a GraphQL HTTP handler on top of ex.
func New(ex *exchange.Exchange, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, GraphiQL: true}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{ex: ex, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.WithID(ctx, r.Header.Get(reqid.Header))
	w.Header().Set(reqid.Header, rid)
	status := http.StatusOK
	operations := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{
			Request:    r,
			Status:     status,
			Operations: operations,
			Duration:   time.Since(start),
		})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(&gqlerror.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	if len(h.opt.ForwardHeaders) > 0 {
		forwarded := http.Header{}
		for _, hdr := range h.opt.ForwardHeaders {
			if v := r.Header.Values(hdr); len(v) > 0 {
				forwarded[http.CanonicalHeaderKey(hdr)] = v
			}
		}
		ctx = upstream.WithHeaders(ctx, forwarded)
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	policy := r.Header.Get(PolicyHeader)
	if r.Method == http.MethodGet {
		// Mutations are refused over GET.
		for _, q := range append(batch, req) {
			if isMutation(q) {
				status = http.StatusMethodNotAllowed
				writeJSON(w, status, errorResponse(&gqlerror.Error{Message: "mutations are not allowed over GET"}), h.opt.Pretty)
				return
			}
		}
	}

	if batch != nil {
		operations = len(batch)
		op := make([]any, len(batch))
		for i := range batch {
			op[i], _ = h.executeOne(ctx, batch[i], policy)
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	operations = 1
	var res specResult
	res, status = h.executeOne(ctx, req, policy)
	writeJSON(w, status, res, h.opt.Pretty)
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest, policyName string) (specResult, int) {
	if p, ok := req.Extensions["requestPolicy"].(string); ok {
		policyName = p
	}
	policy, err := exchange.ParsePolicy(policyName)
	if err != nil {
		return errorResponse(&gqlerror.Error{Message: err.Error()}), http.StatusBadRequest
	}

	opType := ""
	if doc, err := language.ParseQuery(req.Query); err == nil {
		opType = language.OperationType(doc, req.OperationName)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	result, err := h.ex.Execute(ctx, exchange.Request{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Extensions:    req.Extensions,
		Policy:        policy,
	})

	var errs []error
	out, status := specResult{}, http.StatusOK
	switch {
	case err != nil:
		errs = []error{err}
		out, status = failure(err)
	default:
		for _, e := range result.Errors {
			errs = append(errs, e)
		}
		out = toSpecResult(result)
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Stale:         result != nil && result.Stale,
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return out, status
}

// failure turns an exchange error into a response. Syntax errors keep
// their locations; an unreachable origin is a bad gateway.
func failure(err error) (specResult, int) {
	var gerr *gqlerror.Error
	if errors.As(err, &gerr) {
		return errorResponse(gerr), http.StatusOK
	}
	status := http.StatusOK
	if errors.Is(err, exchange.ErrUnreachable) {
		status = http.StatusBadGateway
	}
	return errorResponse(&gqlerror.Error{Message: err.Error()}), status
}

func isMutation(req GraphQLRequest) bool {
	if req.Query == "" {
		return false
	}
	doc, err := language.ParseQuery(req.Query)
	return err == nil && language.OperationType(doc, req.OperationName) == string(language.Mutation)
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *gqlerror.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &gqlerror.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &gqlerror.Error{Message: "invalid 'variables' JSON"}
			}
		}
		var ext map[string]any
		if v := r.URL.Query().Get("extensions"); v != "" {
			if err := json.Unmarshal([]byte(v), &ext); err != nil {
				return GraphQLRequest{}, nil, &gqlerror.Error{Message: "invalid 'extensions' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op, Extensions: ext}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return GraphQLRequest{}, nil, &gqlerror.Error{Message: "failed to read body"}
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return GraphQLRequest{}, nil, &gqlerror.Error{Message: errBodyTooLargeMessage}
		}

		// Try array (batch)
		var arr []GraphQLRequest
		if len(body) > 0 && body[0] == '[' {
			if err := json.Unmarshal(body, &arr); err != nil {
				return GraphQLRequest{}, nil, &gqlerror.Error{Message: "invalid JSON"}
			}
			if len(arr) == 0 {
				return GraphQLRequest{}, nil, &gqlerror.Error{Message: "empty batch"}
			}
			return GraphQLRequest{}, arr, nil
		}
		// Single
		var req GraphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return GraphQLRequest{}, nil, &gqlerror.Error{Message: "invalid JSON"}
		}
		if req.Query == "" {
			return GraphQLRequest{}, nil, &gqlerror.Error{Message: "missing 'query'"}
		}
		return req, nil, nil
	}

	return GraphQLRequest{}, nil, &gqlerror.Error{Message: "unsupported Content-Type"}
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data       any            `json:"data"`
	Errors     []specError    `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func errorResponse(err *gqlerror.Error) specResult {
	return specResult{Data: nil, Errors: []specError{toSpecError(err)}}
}

func toSpecError(e *gqlerror.Error) specError {
	se := specError{Message: e.Message, Extensions: e.Extensions}
	for _, loc := range e.Locations {
		se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
	}
	// Path
	if len(e.Path) > 0 {
		se.Path = make([]any, len(e.Path))
		for j, pe := range e.Path {
			switch v := pe.(type) {
			case ast.PathName:
				se.Path[j] = string(v)
			case ast.PathIndex:
				se.Path[j] = int(v)
			}
		}
	}
	return se
}

func toSpecResult(res *exchange.Result) specResult {
	out := specResult{Data: res.Data, Extensions: res.Extensions}
	if res.Stale || res.Queued {
		out.Extensions = cacheExtensions(out.Extensions, res)
	}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]specError, len(res.Errors))
	for i, e := range res.Errors {
		out.Errors[i] = toSpecError(e)
	}
	// Per spec, when errors present, data may still be partially present; we preserve it.
	return out
}

// cacheExtensions reports stale and queued results under the "cache"
// extension without touching the origin's extensions.
func cacheExtensions(ext map[string]any, res *exchange.Result) map[string]any {
	out := make(map[string]any, len(ext)+1)
	for k, v := range ext {
		out[k] = v
	}
	info := map[string]any{"stale": res.Stale}
	if res.Queued {
		info["queued"] = true
	}
	out["cache"] = info
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	parts := strings.Split(accept, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}
