package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/telemetry"
)

// secretPrefix marks a header value resolved through the secret resolver.
const secretPrefix = "secret://"

type (
	// SecretResolver resolves secret references embedded in request headers.
	SecretResolver interface {
		// Secret returns the value for a secret name.
		Secret(name string) (string, error)
	}

	// EnvSecrets resolves secrets from APPHUB_SECRET_<NAME> environment
	// variables.
	EnvSecrets struct{}

	// InvokerOptions configures an Invoker.
	InvokerOptions struct {
		// Registry resolves service slugs. Required.
		Registry *Registry
		// Client issues the requests. Defaults to a 30s-timeout client.
		Client *http.Client
		// Secrets resolves header secret references. Defaults to EnvSecrets.
		Secrets SecretResolver
		// RequestsPerSecond paces calls per service. Zero disables pacing.
		RequestsPerSecond float64
		// Burst is the pacing burst size. Defaults to 1 when pacing is on.
		Burst int
		// Logger records invocations. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics records call timings. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Invoker issues the HTTP requests of service steps.
	Invoker struct {
		registry *Registry
		client   *http.Client
		secrets  SecretResolver
		rps      float64
		burst    int
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu       sync.Mutex
		limiters map[string]*rate.Limiter
	}

	// Request is one resolved service call.
	Request struct {
		// ServiceSlug selects the registered service.
		ServiceSlug string
		// Method and Path address the endpoint; Path is joined onto the
		// service base URL.
		Method string
		Path   string
		// Headers are sent verbatim after secret resolution.
		Headers map[string]string
		// Query is appended to the URL.
		Query map[string]string
		// Body is JSON-encoded when non-nil.
		Body any
		// RequireHealthy and AllowDegraded gate on service health.
		RequireHealthy bool
		AllowDegraded  bool
	}

	// Response is the captured result of a service call.
	Response struct {
		StatusCode int             `json:"statusCode"`
		Body       json.RawMessage `json:"body,omitempty"`
		Headers    http.Header     `json:"headers,omitempty"`
	}
)

// Secret reads APPHUB_SECRET_<NAME>, with the name upper-cased and dashes
// mapped to underscores.
func (EnvSecrets) Secret(name string) (string, error) {
	env := "APPHUB_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(env)
	if !ok {
		return "", fmt.Errorf("secret %q is not set", name)
	}
	return v, nil
}

// NewInvoker validates the options and builds an invoker.
func NewInvoker(opts InvokerOptions) (*Invoker, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("services: registry is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Secrets == nil {
		opts.Secrets = EnvSecrets{}
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Invoker{
		registry: opts.Registry,
		client:   opts.Client,
		secrets:  opts.Secrets,
		rps:      opts.RequestsPerSecond,
		burst:    opts.Burst,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Invoke checks service health, paces the call, and issues the request.
// Network errors and 5xx responses map to retryable errors; 4xx responses
// are fatal.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	svc, err := i.registry.Get(req.ServiceSlug)
	if err != nil {
		return nil, err
	}
	if err := CheckAvailable(svc, req.RequireHealthy, req.AllowDegraded); err != nil {
		return nil, err
	}
	if err := i.pace(ctx, svc.Slug); err != nil {
		return nil, err
	}
	httpReq, err := i.build(ctx, svc, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetryableExternal, err, "call %s %s", req.Method, svc.Slug)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetryableExternal, err, "read response from %s", svc.Slug)
	}
	i.metrics.RecordTimer("service_call_duration", time.Since(start), "service", svc.Slug)
	i.logger.Debug(ctx, "services.invoked", "service", svc.Slug, "method", req.Method, "status", resp.StatusCode)
	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header}
	if len(body) > 0 {
		if json.Valid(body) {
			out.Body = body
		} else {
			encoded, merr := json.Marshal(string(body))
			if merr != nil {
				return nil, fmt.Errorf("services: encode response body: %w", merr)
			}
			out.Body = encoded
		}
	}
	switch {
	case resp.StatusCode >= 500:
		return out, apperr.New(apperr.KindRetryableExternal, "service %s returned %d", svc.Slug, resp.StatusCode)
	case resp.StatusCode >= 400:
		return out, apperr.New(apperr.KindFatalInternal, "service %s returned %d", svc.Slug, resp.StatusCode)
	}
	return out, nil
}

func (i *Invoker) pace(ctx context.Context, slug string) error {
	if i.rps <= 0 {
		return nil
	}
	i.mu.Lock()
	lim, ok := i.limiters[slug]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(i.rps), i.burst)
		i.limiters[slug] = lim
	}
	i.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("services: pacing wait: %w", err)
	}
	return nil
}

func (i *Invoker) build(ctx context.Context, svc *Service, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	base, err := url.Parse(svc.BaseURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid base URL for service %q", svc.Slug)
	}
	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid request path %q", req.Path)
	}
	u := base.ResolveReference(ref)
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "encode request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("services: build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		resolved, err := i.resolveHeader(v)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(k, resolved)
	}
	return httpReq, nil
}

// resolveHeader replaces a secret:// reference with the secret value.
func (i *Invoker) resolveHeader(v string) (string, error) {
	if !strings.HasPrefix(v, secretPrefix) {
		return v, nil
	}
	name := strings.TrimPrefix(v, secretPrefix)
	secret, err := i.secrets.Secret(name)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "resolve header secret")
	}
	return secret, nil
}
