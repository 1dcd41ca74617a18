// Package router dispatches chat calls across pools of upstream LLM
// backends, handling round-robin and model-affinity node selection,
// per-node retry with exponential backoff, and fallback to the main pool.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/proxy"

	"ghost/internal/llm"
	"ghost/internal/observability"
)

// Class identifies a pool of upstream nodes serving a particular role in
// the reasoning loop.
type Class string

const (
	ClassMain     Class = "main"
	ClassPlanner  Class = "planner"
	ClassWorker   Class = "worker"
	ClassVision   Class = "vision"
	ClassCoding   Class = "coding"
)

// CallKind distinguishes the retry backoff cap: chat calls (summarization
// included) get a longer ceiling than the tighter embeddings calls.
type CallKind int

const (
	CallKindChat CallKind = iota
	CallKindEmbedding
)

// ErrorKind classifies a router failure per the runtime's error taxonomy.
type ErrorKind int

const (
	ErrorTransient ErrorKind = iota
	ErrorContextOverflow
	ErrorUpstreamUnavailable
)

// Error wraps an upstream failure with its taxonomy classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Node is one configured upstream backend within a pool.
type Node struct {
	BaseURL    string
	APIKey     string
	ModelLabel string
	Backend    string // "openai" | "anthropic" | "gemini"
	Provider   llm.Provider
}

type pool struct {
	nodes []Node
	next  uint64 // round-robin cursor, advanced atomically
}

// Router holds one pool per call class and the shared retry/proxy policy.
type Router struct {
	pools     map[Class]*pool
	proxyAddr string
	mu        sync.RWMutex
}

// Config seeds a Router's pools at construction time.
type Config struct {
	Pools     map[Class][]Node
	ProxyAddr string // SOCKS5 address; empty disables anonymization routing
}

// New builds a Router over cfg's pools and records cfg.ProxyAddr. It does
// not touch the nodes' HTTP transports: proxying is applied when each
// node's client is built with HTTPClientFor, which skips loopback BaseURLs
// (local self-hosted backends are never anonymized).
func New(cfg Config) *Router {
	r := &Router{pools: make(map[Class]*pool), proxyAddr: cfg.ProxyAddr}
	for class, nodes := range cfg.Pools {
		r.pools[class] = &pool{nodes: nodes}
	}
	return r
}

// HTTPClientFor builds the http.Client a Node's provider adapter should use:
// otelhttp-instrumented, and SOCKS5-proxied when the node is not loopback
// and a proxy address is configured.
func HTTPClientFor(baseURL, proxyAddr string) (*http.Client, error) {
	base := &http.Client{Timeout: 120 * time.Second}
	if proxyAddr != "" && !isLoopback(baseURL) {
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		base.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	}
	return observability.NewHTTPClient(base), nil
}

func isLoopback(rawURL string) bool {
	u := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	host := u
	if strings.HasPrefix(u, "[") {
		if end := strings.Index(u, "]"); end != -1 {
			host = u[1:end]
		}
	} else if idx := strings.IndexAny(u, "/:"); idx != -1 {
		host = u[:idx]
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// pick selects a node for the call: a case-insensitive substring match on
// modelHint if provided, otherwise the pool's round-robin cursor.
func (p *pool) pick(modelHint string) (Node, int, bool) {
	if len(p.nodes) == 0 {
		return Node{}, -1, false
	}
	if modelHint != "" {
		hint := strings.ToLower(modelHint)
		for i, n := range p.nodes {
			if strings.Contains(strings.ToLower(n.ModelLabel), hint) {
				return n, i, true
			}
		}
	}
	idx := int(atomic.AddUint64(&p.next, 1)-1) % len(p.nodes)
	return p.nodes[idx], idx, true
}

func backoffCap(kind CallKind) time.Duration {
	if kind == CallKindEmbedding {
		return 20 * time.Second
	}
	return 30 * time.Second
}

// retryDelay implements the spec's min(2^(attempt+1), cap) seconds schedule.
func retryDelay(attempt int, cap time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt+1)) * time.Second
	if d > cap {
		return cap
	}
	return d
}

func classifyHTTPError(statusCode int, body string) *Error {
	if statusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "context") {
		return &Error{Kind: ErrorContextOverflow, Err: fmt.Errorf("upstream rejected request: %s", body)}
	}
	return &Error{Kind: ErrorTransient, Err: fmt.Errorf("upstream status %d: %s", statusCode, body)}
}

// classifyProviderError translates an adapter's *llm.APIError (an upstream
// HTTP failure classified by status code) into the router's error taxonomy,
// so a genuine context-length rejection reaches dispatchKind as
// ErrorContextOverflow instead of falling through to the generic
// node-failure/fallback path. Errors the adapter didn't classify (network
// errors, canceled contexts) pass through unchanged for isTransientNetErr.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPError(apiErr.StatusCode, apiErr.Body)
	}
	return err
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "eof", "broken pipe", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// callWithRetry runs fn against one node with the spec's exponential backoff
// schedule, retrying only transient network errors. Non-transient errors
// (including ContextOverflow) return immediately.
func callWithRetry(ctx context.Context, kind CallKind, fn func(ctx context.Context) error) error {
	cap := backoffCap(kind)
	attempt := 0
	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Kind != ErrorTransient {
			return struct{}{}, backoff.Permanent(err)
		}
		if !isTransientNetErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&fixedScheduleBackoff{cap: cap, attempt: &attempt}),
		backoff.WithMaxTries(10),
	)
	return err
}

// fixedScheduleBackoff implements backoff.BackOff using the spec's explicit
// min(2^(attempt+1), cap) schedule rather than the library's default
// jittered exponential curve.
type fixedScheduleBackoff struct {
	cap     time.Duration
	attempt *int
}

func (f *fixedScheduleBackoff) NextBackOff() time.Duration {
	return retryDelay(*f.attempt, f.cap)
}

// Chat dispatches one non-streaming chat call to class, trying each node in
// the pool before falling back to main, per §4.1.
func (r *Router) Chat(ctx context.Context, class Class, modelHint string, msgs []llm.Message, tools []llm.ToolSchema, opts llm.ChatOptions) (llm.Message, error) {
	return dispatch(r, ctx, class, modelHint, func(n Node) (llm.Message, error) {
		msg, err := n.Provider.Chat(ctx, msgs, tools, n.ModelLabel, opts)
		return msg, classifyProviderError(err)
	})
}

// Stream dispatches one streaming chat call, with the same node-exhaustion
// and fallback behavior as Chat.
func (r *Router) Stream(ctx context.Context, class Class, modelHint string, msgs []llm.Message, tools []llm.ToolSchema, opts llm.ChatOptions, h llm.StreamHandler) error {
	_, err := dispatch(r, ctx, class, modelHint, func(n Node) (struct{}, error) {
		return struct{}{}, classifyProviderError(n.Provider.ChatStream(ctx, msgs, tools, n.ModelLabel, opts, h))
	})
	return err
}

// Embed dispatches one embeddings call to class (typically ClassWorker),
// using the embeddings retry/backoff cap rather than the chat cap, with the
// same fallback-to-main behavior as Chat. Nodes whose Provider doesn't
// implement llm.Embedder are treated as a node-level failure and skipped.
func (r *Router) Embed(ctx context.Context, class Class, modelHint, text string) ([]float32, error) {
	return dispatchKind(r, ctx, class, modelHint, CallKindEmbedding, func(n Node) ([]float32, error) {
		emb, ok := n.Provider.(llm.Embedder)
		if !ok {
			return nil, fmt.Errorf("node %s does not support embeddings", n.BaseURL)
		}
		vec, err := emb.Embed(ctx, n.ModelLabel, text)
		return vec, classifyProviderError(err)
	})
}

// dispatch is a free function (not a method) because Go methods cannot
// carry their own type parameters; it walks a pool's nodes, falling back to
// the main pool on exhaustion, per §4.1.
func dispatch[T any](r *Router, ctx context.Context, class Class, modelHint string, call func(Node) (T, error)) (T, error) {
	return dispatchKind(r, ctx, class, modelHint, CallKindChat, call)
}

func dispatchKind[T any](r *Router, ctx context.Context, class Class, modelHint string, kind CallKind, call func(Node) (T, error)) (T, error) {
	var zero T
	r.mu.RLock()
	p := r.pools[class]
	r.mu.RUnlock()
	if p == nil || len(p.nodes) == 0 {
		if class == ClassMain {
			return zero, &Error{Kind: ErrorUpstreamUnavailable, Err: fmt.Errorf("no nodes configured for class %s", class)}
		}
		return dispatchKind(r, ctx, ClassMain, modelHint, kind, call)
	}

	log := observability.LoggerWithTrace(ctx)
	tried := 0
	for tried < len(p.nodes) {
		node, _, ok := p.pick(modelHint)
		if !ok {
			break
		}
		tried++
		var result T
		err := callWithRetry(ctx, kind, func(ctx context.Context) error {
			r, err := call(node)
			result = r
			return err
		})
		if err == nil {
			return result, nil
		}
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Kind == ErrorContextOverflow {
			return zero, err
		}
		log.Warn().Str("class", string(class)).Str("node", node.BaseURL).Err(err).Msg("router_node_failed")
	}

	if class != ClassMain {
		log.Warn().Str("class", string(class)).Msg("router_falling_back_to_main")
		return dispatchKind(r, ctx, ClassMain, modelHint, kind, call)
	}
	return zero, &Error{Kind: ErrorUpstreamUnavailable, Err: fmt.Errorf("exhausted all nodes in class %s", class)}
}

// PoolSize reports the configured node count for class, for health checks
// and CLI flag validation (--swarm-nodes etc.).
func (r *Router) PoolSize(class Class) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.pools[class]; p != nil {
		return len(p.nodes)
	}
	return 0
}
