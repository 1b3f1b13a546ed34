package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/tracing"
)

const maxErrorBody = 64 << 10

type HTTPClientOptions struct {
	BaseURL        string
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	RunTimeout     time.Duration
	Metrics        *metrics.Registry
}

type HTTPClient struct {
	baseURL string
	// run includes cold-start placement and gets the longer timeout.
	run     *http.Client
	ops     *http.Client
	metrics *metrics.Registry
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("orchestrator base url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 55 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		baseURL: base,
		run:     &http.Client{Transport: transport, Timeout: opts.RunTimeout},
		ops:     &http.Client{Transport: transport, Timeout: opts.OpTimeout},
		metrics: opts.Metrics,
	}, nil
}

func (c *HTTPClient) Run(ctx context.Context, req RunRequest) (model.Container, error) {
	if req.PreferredDCs == nil {
		req.PreferredDCs = []string{}
	}
	var out runResponse
	if err := c.post(ctx, c.run, "run", req, &out); err != nil {
		return model.Container{}, err
	}
	if out.Container.ID == "" {
		return model.Container{}, &Error{Op: "run", StatusCode: http.StatusOK, Body: "response missing container id"}
	}
	return out.Container, nil
}

func (c *HTTPClient) Pause(ctx context.Context, ct model.Container) error {
	return c.post(ctx, c.ops, "pause", containerRequest{Container: refOf(ct)}, nil)
}

func (c *HTTPClient) Resume(ctx context.Context, ct model.Container, ws WsConnRef) error {
	return c.post(ctx, c.ops, "resume", resumeRequest{Container: refOf(ct), WsConn: ws}, nil)
}

func (c *HTTPClient) Stop(ctx context.Context, ct model.Container) error {
	return c.post(ctx, c.ops, "stop", containerRequest{Container: refOf(ct)}, nil)
}

func (c *HTTPClient) post(ctx context.Context, hc *http.Client, op string, body, out any) (err error) {
	ctx, span := tracing.Start(ctx, "orchestrator."+op, attribute.String("orchestrator.op", op))
	started := time.Now()
	status := "transport_error"
	defer func() {
		c.metrics.OrchestratorRequests.WithLabelValues(op, status).Inc()
		c.metrics.OrchestratorDuration.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
		tracing.End(span, err)
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apps/"+op, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
