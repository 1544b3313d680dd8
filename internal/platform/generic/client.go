// Package generic implements spec.md §4.7's GenericHttpClient: an
// operator-configured transport that expands a URL (and, for POST, a
// body) template against PushInfo fields, so sites that proxy
// notifications through their own service can be reached without a
// provider-specific client.
//
// No corpus example builds a templated generic HTTP egress client; the
// request-building/response-handling skeleton is grounded structurally
// on cmelbye-firebase-go/client.go, and text/template (stdlib) is used
// for expansion because no retrieved repo imports a templating engine.
// golang.org/x/net/http2 is reused for the protocol=HTTP2 mode, the same
// HTTP/2 configuration idiom as internal/platform/fcmv1.
package generic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/net/http2"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

// Method is the generic client's allowed HTTP verb set (spec.md §4.1:
// "Any other method value fails with InvalidArgument").
type Method string

const (
	MethodGET  Method = "GET"
	MethodPOST Method = "POST"
)

// Protocol selects the transport's HTTP version.
type Protocol string

const (
	ProtocolHTTP  Protocol = "HTTP"
	ProtocolHTTP2 Protocol = "HTTP2"
)

// ErrInvalidArgument is returned by NewClient for an unsupported Method
// or Protocol value.
var ErrInvalidArgument = errors.New("generic: invalid argument")

// NativeLookup resolves another registered client by name so the
// generic client's template can embed that provider's native payload
// (spec.md §4.7: "delegates native-request construction via the
// service's registry"). Passed explicitly at construction rather than a
// back-pointer from Client to the service, per spec.md §9's note against
// mutable back-references.
type NativeLookup func(providerName string) (pushtype.Client, bool)

// Config configures the single GenericHttpClient (spec.md §4.1
// setupGenericClient).
type Config struct {
	URLTemplate  string
	BodyTemplate string
	Method       Method
	Protocol     Protocol

	MaxQueueSize int
	MaxRetries   int
	HTTPClient   *http.Client
	Lookup       NativeLookup
}

func (c Config) withDefaults() (Config, error) {
	switch c.Method {
	case MethodGET, MethodPOST:
	default:
		return c, fmt.Errorf("%w: method %q", ErrInvalidArgument, c.Method)
	}
	switch c.Protocol {
	case ProtocolHTTP, "":
		c.Protocol = ProtocolHTTP
	case ProtocolHTTP2:
	default:
		return c, fmt.Errorf("%w: protocol %q", ErrInvalidArgument, c.Protocol)
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HTTPClient == nil {
		transport := &http.Transport{}
		if c.Protocol == ProtocolHTTP2 {
			_ = http2.ConfigureTransport(transport)
		}
		c.HTTPClient = &http.Client{Transport: transport, Timeout: 15 * time.Second}
	}
	if c.Lookup == nil {
		c.Lookup = func(string) (pushtype.Client, bool) { return nil, false }
	}
	return c, nil
}

// templateVars is the substitution set spec.md §4.7 names: "caller,
// callee, app-id, provider, token, event-id". callee/token both resolve
// to the destination device identifier; provider is the destination's
// provider tag.
type templateVars struct {
	Caller   string
	Callee   string
	Token    string
	AppID    string
	Provider string
	EventID  string
	Custom   map[string]string

	lookup NativeLookup
	ctx    context.Context
}

// Native renders another registered client's payload for embedding in
// this client's body template, e.g. {{.Native "apns"}}.
func (v templateVars) Native(providerName string) (string, error) {
	client, ok := v.lookup(providerName)
	if !ok {
		return "", fmt.Errorf("generic: no client registered for provider %q", providerName)
	}
	req, err := client.MakeRequest(v.ctx, pushtype.TypeMessage, &pushtype.PushInfo{
		AppIdentifier: v.AppID,
		CallerName:    v.Caller,
		Destinations: map[pushtype.PushType]pushtype.Destination{
			pushtype.TypeMessage: {DeviceID: v.Token, Provider: v.Provider},
		},
	})
	if err != nil {
		return "", err
	}
	return string(req.Body), nil
}

// Client is spec.md §4.7's GenericHttpClient; exactly one instance
// exists per service (spec.md §4.1 setupGenericClient).
type Client struct {
	cfg    Config
	logger *slog.Logger

	urlTmpl  *template.Template
	bodyTmpl *template.Template

	queue *pushtype.Queue
	stats *pushtype.ClientStats

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClient constructs the generic client under the well-known registry
// name "generic" (the registry key is assigned by the caller, not here).
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	urlTmpl, err := template.New("url").Parse(cfg.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("generic: parse url template: %w", err)
	}
	var bodyTmpl *template.Template
	if cfg.Method == MethodPOST {
		bodyTmpl, err = template.New("body").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("generic: parse body template: %w", err)
		}
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("component", "GenericHttpClient"),
		urlTmpl:  urlTmpl,
		bodyTmpl: bodyTmpl,
		queue:    pushtype.NewQueue(cfg.MaxQueueSize),
		stats:    pushtype.NewClientStats(),
		closeCh:  make(chan struct{}),
	}
	go c.dispatchLoop()
	return c, nil
}

func (c *Client) Name() string { return "generic" }

func (c *Client) MakeRequest(ctx context.Context, pType pushtype.PushType, pInfo *pushtype.PushInfo) (*pushtype.Request, error) {
	dest, err := pInfo.Destination(pType)
	if err != nil {
		return nil, err
	}

	vars := templateVars{
		Caller:   pInfo.CallerName,
		Callee:   dest.DeviceID,
		Token:    dest.DeviceID,
		AppID:    pInfo.AppIdentifier,
		Provider: dest.Provider,
		EventID:  pInfo.EventID,
		Custom:   pInfo.CustomData,
		lookup:   c.cfg.Lookup,
		ctx:      ctx,
	}

	var url bytes.Buffer
	if err := c.urlTmpl.Execute(&url, vars); err != nil {
		return nil, fmt.Errorf("generic: expand url template: %w", err)
	}

	var body []byte
	if c.cfg.Method == MethodPOST {
		var buf bytes.Buffer
		if err := c.bodyTmpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("generic: expand body template: %w", err)
		}
		body = buf.Bytes()
	}

	req := pushtype.NewRequest(pInfo.AppIdentifier, pInfo, pType, body)
	req.ResolvedURL = url.String()
	return req, nil
}

func (c *Client) SendPush(_ context.Context, req *pushtype.Request) error {
	if err := c.queue.Enqueue(req); err != nil {
		return err
	}
	return req.Transition(pushtype.Queued)
}

func (c *Client) IsIdle() bool { return c.queue.IsIdle() }

func (c *Client) Stats() pushtype.StatsSnapshot { return c.stats.Snapshot() }

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case req, ok := <-c.queue.Requests():
			if !ok {
				return
			}
			c.queue.MarkInFlight()
			c.deliver(req)
			c.queue.MarkDone()
		}
	}
}

func (c *Client) deliver(req *pushtype.Request) {
	if err := req.BeginDelivery(); err != nil {
		c.logger.Warn("cannot move request in-flight", "err", err)
		return
	}
	c.stats.RecordSent()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(strings.ToUpper(string(c.cfg.Method)), req.ResolvedURL, bodyReader)
	if err != nil {
		_ = req.Fail("internal_request_error")
		c.stats.RecordFailed("internal_request_error")
		return
	}
	if c.cfg.Method == MethodPOST {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		c.retryOrFail(req, "transport_error")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_ = req.Succeed()
		c.stats.RecordSucceeded()
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		c.retryOrFail(req, "server_error")
	default:
		_ = req.Fail(fmt.Sprintf("unexpected_status_%d", resp.StatusCode))
		c.stats.RecordFailed("unexpected_status")
	}
}

func (c *Client) retryOrFail(req *pushtype.Request, reason string) {
	if req.IncrementRetry() > c.cfg.MaxRetries {
		_ = req.Fail(reason + "_retries_exhausted")
		c.stats.RecordFailed(reason + "_retries_exhausted")
		return
	}
	delay := time.Duration(1<<uint(req.RetryCount)) * 200 * time.Millisecond
	c.queue.MarkInFlight()
	go func() {
		defer c.queue.MarkDone()
		time.Sleep(delay)
		if err := c.queue.Enqueue(req); err != nil {
			_ = req.Fail("requeue_failed")
			c.stats.RecordFailed("requeue_failed")
		}
	}()
}
