// Package gateway runs the request pipeline shared by every endpoint:
// validate, resolve the model to candidate providers, try them one after
// another under the routing rules, normalize, price and log.
//
// A Gateway holds only read-only dependencies and may serve any number of
// requests concurrently. All per-request state lives in a call value.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// Credentials resolves upstream API keys and endpoint overrides.
type Credentials interface {
	GetProviderToken(provider, org string) (string, bool)
	BaseURL(provider string) string
}

// RoutingStats supplies live metrics for provider scoring.
type RoutingStats interface {
	Metrics(modelID, providerID string, static catalog.Metrics) catalog.Metrics
}

// Options configures a Gateway. Catalog, Adapters, Client, Credentials and
// Cost are required; the rest have usable defaults.
type Options struct {
	Catalog     *catalog.Catalog
	Adapters    map[catalog.Family]provider.Adapter
	Client      *provider.Client
	Credentials Credentials
	Cost        *cost.Calculator

	Stats   RoutingStats
	Sink    usagelog.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	UpstreamTimeout   time.Duration
	VideoPollInterval time.Duration
	VideoTimeout      time.Duration
}

// Gateway is the request handler core.
type Gateway struct {
	catalog  *catalog.Catalog
	adapters map[catalog.Family]provider.Adapter
	client   *provider.Client
	creds    Credentials
	cost     *cost.Calculator
	stats    RoutingStats
	sink     usagelog.Sink
	metrics  *metrics.Metrics
	log      *slog.Logger

	upstreamTimeout   time.Duration
	videoPollInterval time.Duration
	videoTimeout      time.Duration

	now func() time.Time
}

// New builds a Gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		catalog:           opts.Catalog,
		adapters:          opts.Adapters,
		client:            opts.Client,
		creds:             opts.Credentials,
		cost:              opts.Cost,
		stats:             opts.Stats,
		sink:              opts.Sink,
		metrics:           opts.Metrics,
		log:               opts.Logger,
		upstreamTimeout:   opts.UpstreamTimeout,
		videoPollInterval: opts.VideoPollInterval,
		videoTimeout:      opts.VideoTimeout,
		now:               time.Now,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.sink == nil {
		g.sink = usagelog.NewSlogSink(g.log)
	}
	if g.upstreamTimeout <= 0 {
		g.upstreamTimeout = 10 * time.Minute
	}
	if g.videoPollInterval <= 0 {
		g.videoPollInterval = 5 * time.Second
	}
	if g.videoTimeout <= 0 {
		g.videoTimeout = 10 * time.Minute
	}
	return g
}

// RequestInfo is what the HTTP layer knows about the caller.
type RequestInfo struct {
	RequestID string
	Org       string

	// Debug captures raw upstream traffic into the usage log.
	Debug bool

	// NoFallback disables retrying other providers.
	NoFallback bool
}

// Served describes who answered a request.
type Served struct {
	Provider   string
	Model      string // provider-native model name
	Deprecated bool
}

// ---------------------------------------------------------------------------
// Resolving
// ---------------------------------------------------------------------------

// needs is what a request demands of a mapping.
type needs struct {
	kind       catalog.OutputKind
	stream     bool
	vision     bool
	tools      bool
	json       bool
	reasoning  bool
	dimensions int

	// supports reports whether the adapter can serve the endpoint at all.
	supports func(provider.Adapter) bool
}

// missing names the first capability the mapping lacks, or "".
func (n needs) missing(p *catalog.Provider, m *catalog.Mapping, a provider.Adapter) string {
	switch {
	case a == nil, n.supports != nil && !n.supports(a):
		return string(n.kind) + " generation"
	case n.stream && !p.Streaming:
		return "streaming"
	case n.vision && !m.Vision:
		return "image input"
	case n.tools && !m.Tools:
		return "tools"
	case n.json && !m.JSONOutput:
		return "JSON output"
	case n.reasoning && !m.Reasoning:
		return "reasoning"
	case n.dimensions > 0 && m.MaxDimensions > 0 && n.dimensions > m.MaxDimensions:
		return "the requested dimensions"
	}
	return ""
}

// target is one concrete provider a request can be sent to.
type target struct {
	provider *catalog.Provider
	mapping  *catalog.Mapping
	adapter  provider.Adapter
	upstream provider.Upstream
}

// route is the resolved model with every usable provider, scored.
type route struct {
	model             *catalog.Model
	requestedProvider string
	deprecated        bool
	targets           map[string]*target
	scores            []routing.ProviderScore
	first             string
}

func (rt *route) has(providerID string) bool {
	_, ok := rt.targets[providerID]
	return ok
}

// splitModel separates "provider/model". The prefix only counts as a
// provider when the catalog knows it, so model ids may contain slashes.
func (g *Gateway) splitModel(s string) (modelID, providerID string) {
	if i := strings.Index(s, "/"); i > 0 {
		if _, ok := g.catalog.FindProvider(s[:i]); ok {
			return s[i+1:], s[:i]
		}
	}
	return s, ""
}

// resolve finds the model and the providers that may serve this request.
// A pinned provider must satisfy the request or it is an error; when the
// gateway chooses, unsuitable providers are skipped.
func (g *Gateway) resolve(ctx context.Context, c *call, requested string, n needs) (*route, error) {
	if requested == "" {
		return nil, validationError("model is required")
	}
	modelID, providerID := g.splitModel(requested)
	m, ok := g.catalog.FindModel(modelID)
	if !ok {
		return nil, notFound("model %q not found", modelID)
	}
	if !m.Produces(n.kind) {
		return nil, validationError("model %q does not support %s output", m.ID, n.kind)
	}

	rt := &route{
		model:             m,
		requestedProvider: providerID,
		deprecated:        m.Deprecated(g.now()),
		targets:           map[string]*target{},
	}
	c.rec.RequestedProvider = providerID
	c.rec.Deprecated = rt.deprecated
	if rt.deprecated {
		g.log.WarnContext(ctx, "model is deprecated",
			"request_id", c.info.RequestID,
			"model", m.ID,
			"deprecated_at", m.DeprecatedAt,
		)
	}

	if providerID != "" {
		mp, ok := g.catalog.FindMapping(m.ID, providerID)
		if !ok {
			return nil, notFound("provider %q does not serve model %q", providerID, m.ID)
		}
		t, err := g.target(c.info, m, mp, n)
		if err != nil {
			return nil, err
		}
		rt.targets[providerID] = t
		rt.first = providerID
		return rt, nil
	}

	var firstErr *Error
	for i := range m.Mappings {
		mp := &m.Mappings[i]
		if !routing.Eligible(mp.ProviderID) {
			continue
		}
		t, err := g.target(c.info, m, mp, n)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rt.targets[mp.ProviderID] = t
		live := mp.Metrics
		if g.stats != nil {
			live = g.stats.Metrics(m.ID, mp.ProviderID, mp.Metrics)
		}
		rt.scores = append(rt.scores, routing.ProviderScore{
			ProviderID: mp.ProviderID,
			Score:      routing.Score(live.Uptime, live.LatencyMs, live.Throughput),
		})
	}

	first, ok := routing.SelectNextProvider(rt.scores, nil, rt.has)
	if !ok {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, notFound("no provider available for model %q", m.ID)
	}
	rt.first = first
	return rt, nil
}

// target checks one mapping against the request and the configured
// credentials.
func (g *Gateway) target(info RequestInfo, m *catalog.Model, mp *catalog.Mapping, n needs) (*target, *Error) {
	p, ok := g.catalog.FindProvider(mp.ProviderID)
	if !ok {
		return nil, notFound("provider %q not found", mp.ProviderID)
	}
	a := g.adapters[p.Family]
	if what := n.missing(p, mp, a); what != "" {
		return nil, validationError("provider %q does not support %s for model %q", p.ID, what, m.ID)
	}

	baseURL := g.creds.BaseURL(p.ID)
	if baseURL == "" {
		baseURL = p.BaseURL
	}
	if baseURL == "" {
		return nil, validationError("provider %q has no endpoint configured", p.ID)
	}
	key, ok := g.creds.GetProviderToken(p.ID, info.Org)
	if !ok {
		return nil, authError("no credentials configured for provider %q", p.ID)
	}

	return &target{
		provider: p,
		mapping:  mp,
		adapter:  a,
		upstream: provider.Upstream{
			Provider:    p,
			BaseURL:     strings.TrimRight(baseURL, "/"),
			APIKey:      key,
			ModelName:   mp.ModelName,
			ImageOutput: n.kind == catalog.OutputText && m.Produces(catalog.OutputImage),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Calling
// ---------------------------------------------------------------------------

// attemptFunc makes one upstream try against t. It returns upstream
// failures as *provider.UpstreamError so they can be classified.
type attemptFunc func(ctx context.Context, t *target) error

// run tries the route's providers one at a time. After each failure the
// routing rules decide whether another provider gets a turn; when they say
// no, the last failure is returned with its real status.
func (g *Gateway) run(ctx context.Context, c *call, rt *route, try attemptFunc) (*target, error) {
	failed := map[string]bool{}
	current := rt.first

	for {
		t := rt.targets[current]
		start := time.Now()
		err := try(ctx, t)
		elapsed := time.Since(start)

		if err == nil {
			c.rec.Attempts = append(c.rec.Attempts,
				routing.Succeeded(t.provider.ID, t.mapping.ModelName, http.StatusOK, elapsed.Milliseconds()))
			g.metrics.ObserveAttempt(t.provider.ID, "success", elapsed)
			g.log.InfoContext(ctx, "upstream attempt",
				"request_id", c.info.RequestID,
				"provider", t.provider.ID,
				"model", t.mapping.ModelName,
				"status", http.StatusOK,
				"duration", elapsed,
			)
			c.served(t)
			return t, nil
		}

		status := provider.StatusOf(err)
		if status < 0 {
			// Not an upstream answer: the request could not be built.
			return t, err
		}

		attempt := routing.Failed(t.provider.ID, t.mapping.ModelName, status, elapsed.Milliseconds())
		c.rec.Attempts = append(c.rec.Attempts, attempt)
		g.metrics.ObserveAttempt(t.provider.ID, attempt.ErrorType, elapsed)
		g.log.WarnContext(ctx, "upstream attempt failed",
			"request_id", c.info.RequestID,
			"provider", t.provider.ID,
			"model", t.mapping.ModelName,
			"status", status,
			"error_type", attempt.ErrorType,
			"duration", elapsed,
			"error", err,
		)
		failed[current] = true

		// ctx is the caller's. Attempt deadlines live on contexts derived
		// inside try and surface as status 0 upstream errors.
		if ctx.Err() != nil {
			return t, clientClosed(ctx.Err())
		}

		retry := routing.ShouldRetryRequest(routing.RetryContext{
			RequestedProvider:  rt.requestedProvider,
			NoFallback:         c.info.NoFallback,
			StatusCode:         status,
			RetryCount:         len(c.rec.Attempts) - 1,
			RemainingProviders: routing.Remaining(rt.scores, failed, rt.has),
			UsedProvider:       current,
		})
		if !retry {
			return t, upstreamFailure(err)
		}
		next, ok := routing.SelectNextProvider(rt.scores, failed, rt.has)
		if !ok {
			return t, upstreamFailure(err)
		}
		current = next
	}
}

// invalidResponse marks an unparseable 2xx body as a bad gateway answer so
// it is retried like any other upstream fault.
func invalidResponse(err error) error {
	return &provider.UpstreamError{
		StatusCode: http.StatusBadGateway,
		Body:       "invalid response from provider: " + err.Error(),
		Err:        err,
	}
}

// ---------------------------------------------------------------------------
// Per-request state
// ---------------------------------------------------------------------------

// call carries one request through the pipeline and produces its usage
// log when it ends.
type call struct {
	g       *Gateway
	info    RequestInfo
	start   time.Time
	rec     *usagelog.Log
	done    func(status int)
	capture *provider.Capture
}

func (g *Gateway) begin(info RequestInfo, endpoint, model string) *call {
	now := g.now()
	return &call{
		g:     g,
		info:  info,
		start: now,
		done:  g.metrics.Track(endpoint),
		rec: &usagelog.Log{
			RequestID:      info.RequestID,
			OrganizationID: info.Org,
			Endpoint:       endpoint,
			CreatedAt:      now,
			RequestedModel: model,
			Attempts:       []routing.Attempt{},
		},
	}
}

// newCapture returns a fresh capture for an attempt in debug mode, or nil.
func (c *call) newCapture() *provider.Capture {
	if !c.info.Debug {
		return nil
	}
	c.capture = &provider.Capture{}
	return c.capture
}

func (c *call) served(t *target) {
	c.rec.UsedProvider = t.provider.ID
	c.rec.UsedModel = t.mapping.ModelName
}

func (c *call) servedBy(t *target, rt *route) Served {
	return Served{Provider: t.provider.ID, Model: t.mapping.ModelName, Deprecated: rt.deprecated}
}

// record adds priced usage to the log and the metrics.
func (c *call) record(providerID string, b cost.Breakdown) {
	c.rec.Cost = &b
	c.g.metrics.AddUsage(providerID, metrics.Tokens{
		Prompt:     b.PromptTokens,
		Completion: b.CompletionTokens,
		Cached:     b.CachedTokens,
		Reasoning:  b.ReasoningTokens,
	}, b.Total())
}

// fail ends the call with err and returns it as an *Error.
func (c *call) fail(ctx context.Context, err error) *Error {
	e := AsError(err)
	if e.Type == TypeGateway {
		c.g.log.ErrorContext(ctx, "gateway fault", "request_id", c.info.RequestID, "error", e.Err)
	}
	c.end(ctx, e.Status, e)
	return e
}

// end finalizes the usage log and hands it to the sink. Sink failures are
// logged and never affect the response.
func (c *call) end(ctx context.Context, status int, e *Error) {
	c.rec.StatusCode = status
	c.rec.DurationMs = c.g.now().Sub(c.start).Milliseconds()
	if e != nil {
		c.rec.ErrorType = e.Type
		c.rec.ErrorMessage = e.Message
	}
	if c.capture != nil {
		c.rec.UpstreamRequest = c.capture.RequestBody
		c.rec.UpstreamResponse = c.capture.ResponseBody.String()
	}
	c.done(status)

	// The client may be gone already; the log is written regardless.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.g.sink.InsertLog(sctx, c.rec); err != nil {
		c.g.log.WarnContext(ctx, "writing usage log failed", "request_id", c.info.RequestID, "error", err)
	}
}

// usageJSON renders a cost breakdown as the OpenAI usage object with the
// total cost attached.
func usageJSON(b cost.Breakdown) *provider.UsageJSON {
	u := provider.Usage{
		PromptTokens:     b.PromptTokens,
		CompletionTokens: b.CompletionTokens,
		CachedTokens:     b.CachedTokens,
		ReasoningTokens:  b.ReasoningTokens,
	}.JSON()
	u.Cost = b.TotalCost
	return u
}
