// Package fcmv1 implements spec.md §4.5's FirebaseV1Client: an HTTP/2
// connection to the FCM v1 endpoint per service account, attaching the
// bearer token currently published by that service account's
// TokenManager (internal/token) to every outbound request.
//
// Grounded on cmelbye-firebase-go/client.go's single-struct,
// Send-method, status-code-switch shape, adapted to the v1 endpoint and
// bearer-token auth. golang.org/x/net/http2 forces HTTP/2 over the
// transport explicitly, since the v1 endpoint is specified as HTTP/2
// (spec.md §6) and net/http's default transport only upgrades
// opportunistically via TLS ALPN.
package fcmv1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

const v1Endpoint = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

// ErrTokenUnavailable names the outcome of a send attempted while the
// service account's token is unusable and no fresh token becomes
// available before ctx expires (spec.md §4.5). deliver does not return
// this value; it fails the Request with the reason "TokenUnavailable".
var ErrTokenUnavailable = errors.New("fcmv1: token unavailable")

// TokenSource is the capability fcmv1 needs from internal/token.Manager;
// declared here rather than imported as a concrete type so the client
// package does not need to depend on the token package's construction
// details, only its Get seam (mirrors the apns package's pusher seam).
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

type v1Message struct {
	Message v1MessageBody `json:"message"`
}

type v1MessageBody struct {
	Token        string            `json:"token"`
	Notification *v1Notification   `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *v1AndroidConfig  `json:"android,omitempty"`
}

type v1Notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type v1AndroidConfig struct {
	CollapseKey string `json:"collapse_key,omitempty"`
	TTL         string `json:"ttl,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type v1ErrorEnvelope struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Config configures one FirebaseV1Client, one per service account
// registered via setupFirebaseClients (spec.md §4.1).
type Config struct {
	ProjectID    string
	MaxQueueSize int
	MaxRetries   int
	TokenTimeout time.Duration
	HTTPClient   *http.Client

	// EndpointTemplate overrides the v1 send endpoint; it must contain
	// exactly one %s for ProjectID. Tests point this at an httptest
	// server; production leaves it unset to use the real FCM v1 host.
	EndpointTemplate string
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		transport := &http.Transport{}
		_ = http2.ConfigureTransport(transport)
		c.HTTPClient = &http.Client{Transport: transport, Timeout: 15 * time.Second}
	}
	if c.EndpointTemplate == "" {
		c.EndpointTemplate = v1Endpoint
	}
	return c
}

// Client is spec.md §4.5's FirebaseV1Client.
type Client struct {
	name   string
	cfg    Config
	tokens TokenSource
	logger *slog.Logger

	queue *pushtype.Queue
	stats *pushtype.ClientStats

	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewClient(name string, cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		name:    name,
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger.With("component", "FirebaseV1Client", "app", name),
		queue:   pushtype.NewQueue(cfg.MaxQueueSize),
		stats:   pushtype.NewClientStats(),
		closeCh: make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) MakeRequest(_ context.Context, pType pushtype.PushType, pInfo *pushtype.PushInfo) (*pushtype.Request, error) {
	dest, err := pInfo.Destination(pType)
	if err != nil {
		return nil, err
	}

	body := v1Message{Message: v1MessageBody{
		Token: dest.DeviceID,
		Data:  pInfo.CustomData,
	}}
	if pInfo.CallerName != "" || pInfo.Category != "" {
		body.Message.Notification = &v1Notification{
			Title: pInfo.CallerName,
			Body:  string(pInfo.Category),
		}
	}
	if pInfo.CollapseKey != "" || pInfo.TTLSeconds > 0 {
		android := &v1AndroidConfig{CollapseKey: pInfo.CollapseKey}
		if pInfo.TTLSeconds > 0 {
			android.TTL = fmt.Sprintf("%ds", pInfo.TTLSeconds)
		}
		body.Message.Android = android
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("fcmv1: marshal payload: %w", err)
	}

	return pushtype.NewRequest(c.name, pInfo, pType, raw), nil
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

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TokenTimeout)
	defer cancel()
	bearer, err := c.tokens.Get(ctx)
	if err != nil {
		_ = req.Fail("TokenUnavailable")
		c.stats.RecordFailed("TokenUnavailable")
		return
	}

	endpoint := fmt.Sprintf(c.cfg.EndpointTemplate, c.cfg.ProjectID)
	httpReq, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		_ = req.Fail("internal_request_error")
		c.stats.RecordFailed("internal_request_error")
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		c.retryOrFail(req, "transport_error")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		_ = req.Succeed()
		c.stats.RecordSucceeded()
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		c.retryOrFail(req, "server_error")
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		_ = req.Fail("Unregistered")
		c.stats.RecordFailed("Unregistered")
	default:
		var envelope v1ErrorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		reason := envelope.Error.Status
		if reason == "" {
			reason = fmt.Sprintf("unexpected_status_%d", resp.StatusCode)
		}
		_ = req.Fail(reason)
		c.stats.RecordFailed(reason)
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
