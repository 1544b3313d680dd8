// Package fcmlegacy implements spec.md §4.4's FirebaseLegacyClient: a
// single HTTP/1.1 connection to the FCM legacy endpoint authenticated
// with a static API key, pipelining disabled.
//
// Grounded directly on cmelbye-firebase-go/client.go: the same single
// *http.Client, static "Authorization: key=<apiKey>" header, JSON POST,
// and status-code switch (400/401/5xx/200), extended here with the
// per-device results[] classification spec.md §4.4 calls for.
package fcmlegacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

// legacyEndpoint is the fixed FCM legacy send endpoint (spec.md §6).
const legacyEndpoint = "https://fcm.googleapis.com/fcm/send"

// ErrAuthenticationFailure mirrors cmelbye-firebase-go's
// ErrAuthenticationFailure: the server rejected the static API key.
var ErrAuthenticationFailure = fmt.Errorf("fcmlegacy: authentication failure")

type message struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data"`
}

type legacyResult struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

type legacyResponse struct {
	Success int            `json:"success"`
	Failure int            `json:"failure"`
	Results []legacyResult `json:"results"`
}

// ServerError represents a 5xx response from the FCM legacy endpoint;
// the shared retry policy (spec.md §4.2) treats it as transport-level
// and retryable.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("fcmlegacy: server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config configures one FirebaseLegacyClient, one per legacy-tagged
// appId:apiKey pair in firebase-projects-api-keys (spec.md §6).
type Config struct {
	APIKey       string
	MaxQueueSize int
	MaxRetries   int
	HTTPClient   *http.Client
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

// Client is spec.md §4.4's FirebaseLegacyClient. It runs one request at
// a time (pipelining disabled), FIFO, matching HTTP/1.1 ordering
// guarantees in spec.md §5.
type Client struct {
	name   string
	cfg    Config
	logger *slog.Logger

	queue *pushtype.Queue
	stats *pushtype.ClientStats

	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewClient(name string, cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("component", "FirebaseLegacyClient", "app", name),
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

	data := map[string]string{"category": string(pInfo.Category)}
	for k, v := range pInfo.CustomData {
		data[k] = v
	}
	if pInfo.CallerName != "" {
		data["caller"] = pInfo.CallerName
	}
	if pInfo.EventID != "" {
		data["event_id"] = pInfo.EventID
	}

	body, err := json.Marshal(message{To: dest.DeviceID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("fcmlegacy: marshal body: %w", err)
	}

	return pushtype.NewRequest(c.name, pInfo, pType, body), nil
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

	httpReq, err := http.NewRequest(http.MethodPost, legacyEndpoint, bytes.NewReader(req.Body))
	if err != nil {
		_ = req.Fail("internal_request_error")
		c.stats.RecordFailed("internal_request_error")
		return
	}
	httpReq.Header.Set("Authorization", "key="+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		c.retryOrFail(req, "transport_error")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("FCM legacy server error", "status", resp.StatusCode, "body", string(body))
		c.retryOrFail(req, "server_error")
	case resp.StatusCode == http.StatusUnauthorized:
		_ = req.Fail("authentication_failure")
		c.stats.RecordFailed("authentication_failure")
	case resp.StatusCode == http.StatusBadRequest:
		_ = req.Fail("invalid_request")
		c.stats.RecordFailed("invalid_request")
	case resp.StatusCode == http.StatusOK:
		c.handleOK(req, resp)
	default:
		_ = req.Fail(fmt.Sprintf("unexpected_status_%d", resp.StatusCode))
		c.stats.RecordFailed("unexpected_status")
	}
}

func (c *Client) handleOK(req *pushtype.Request, resp *http.Response) {
	var parsed legacyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		_ = req.Fail("malformed_response")
		c.stats.RecordFailed("malformed_response")
		return
	}

	if len(parsed.Results) == 0 {
		_ = req.Succeed()
		c.stats.RecordSucceeded()
		return
	}

	result := parsed.Results[0]
	switch result.Error {
	case "":
		_ = req.Succeed()
		c.stats.RecordSucceeded()
	case "NotRegistered", "InvalidRegistration":
		_ = req.Fail(result.Error)
		c.stats.RecordFailed(result.Error)
	default:
		_ = req.Fail(result.Error)
		c.stats.RecordFailed(result.Error)
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
