// Package apns implements spec.md §4.3's AppleClient: a persistent
// mutual-TLS HTTP/2 connection to APNs, multiplexing requests as
// concurrent streams up to a configured concurrency ceiling, with a
// Disconnected/Connecting/Connected/Disconnecting state machine and
// retry-after-reconnect semantics.
//
// Grounded on internal/platform/apns/apnsdispatcher.go of the teacher
// repository (the APNSClient seam interface, payload.NewPayload()
// builder usage, res.Sent()/res.Reason handling) and on
// takimoto3-apns/client.go for the mutual-TLS certificate construction
// this spec requires in place of the teacher's token-based auth.
package apns

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

// pusher is the subset of *apns2.Client this package depends on, so
// tests can substitute a mock exactly as apnsdispatcher_test.go does.
type pusher interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// ConnState is the AppleClient connection state machine of spec.md §4.3.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Config configures one AppleClient, one per .pem certificate file
// scanned by push.Service.SetupIOSClients.
type Config struct {
	// CertPEM is the raw content of the per-app mutual-TLS certificate.
	CertPEM []byte
	// KeyPEM is the raw content of the certificate's private key. Many
	// operator .pem bundles carry both cert and key in one file; callers
	// may pass the same bytes for both.
	KeyPEM []byte
	// Topic is the APNs topic (bundle ID) this client sends to.
	Topic string
	// Production selects the production APNs host; false selects sandbox.
	Production bool

	MaxQueueSize         int
	MaxConcurrentStreams int
	MaxRetries           int
	IdlePingInterval     time.Duration

	// InvalidationHook is called with a device token APNs reports as
	// permanently unregistered (HTTP 410), so the enclosing proxy can
	// flag it upstream (spec.md §4.3, §12).
	InvalidationHook func(deviceToken string)
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.IdlePingInterval <= 0 {
		c.IdlePingInterval = 60 * time.Second
	}
	return c
}

// Client is spec.md §4.3's AppleClient.
type Client struct {
	name   string
	cfg    Config
	client pusher
	logger *slog.Logger

	queue *pushtype.Queue
	stats *pushtype.ClientStats

	mu           sync.Mutex
	connState    ConnState
	lastActivity time.Time

	inFlightMu sync.Mutex
	inFlight   map[*pushtype.Request]struct{}

	streamSem chan struct{}
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClient constructs an AppleClient named name from cfg, parsing the
// mutual-TLS certificate immediately so bad credentials fail fast at
// setup time (spec.md §4.1 setupIOSClients: "a TLS-construction failure
// for one certificate is logged and skipped").
func NewClient(name string, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	cert, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("apns: failed to parse mutual-TLS certificate for %q: %w", name, err)
	}

	inner := apns2.NewClient(cert)
	if cfg.Production {
		inner = inner.Production()
	} else {
		inner = inner.Development()
	}

	c := &Client{
		name:      name,
		cfg:       cfg,
		client:    inner,
		logger:    logger.With("component", "AppleClient", "app", name),
		queue:     pushtype.NewQueue(cfg.MaxQueueSize),
		stats:     pushtype.NewClientStats(),
		connState: Disconnected,
		inFlight:  make(map[*pushtype.Request]struct{}),
		streamSem: make(chan struct{}, cfg.MaxConcurrentStreams),
		closeCh:   make(chan struct{}),
	}
	go c.dispatchLoop()
	go c.idlePingLoop()
	return c, nil
}

// newClientForTest bypasses certificate parsing so unit tests can inject
// a mock pusher directly, matching apnsdispatcher_test.go's pattern of
// constructing the Dispatcher struct literal with a mock client.
func newClientForTest(name string, cfg Config, p pusher, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		name:      name,
		cfg:       cfg,
		client:    p,
		logger:    logger.With("component", "AppleClient", "app", name),
		queue:     pushtype.NewQueue(cfg.MaxQueueSize),
		stats:     pushtype.NewClientStats(),
		connState: Connected,
		inFlight:  make(map[*pushtype.Request]struct{}),
		streamSem: make(chan struct{}, cfg.MaxConcurrentStreams),
		closeCh:   make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

func (c *Client) Name() string { return c.name }

// MakeRequest builds the APNs JSON payload for pInfo via the same
// payload.NewPayload() builder the teacher uses.
func (c *Client) MakeRequest(_ context.Context, pType pushtype.PushType, pInfo *pushtype.PushInfo) (*pushtype.Request, error) {
	if _, err := pInfo.Destination(pType); err != nil {
		return nil, err
	}

	builder := payload.NewPayload().AlertBody(renderBody(pInfo))
	if pInfo.CallerName != "" {
		builder = builder.AlertTitle(pInfo.CallerName)
	}
	if pInfo.BadgeCount > 0 {
		builder = builder.Badge(pInfo.BadgeCount)
	}
	for k, v := range pInfo.CustomData {
		builder = builder.Custom(k, v)
	}

	body, err := builder.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("apns: marshal payload: %w", err)
	}

	return pushtype.NewRequest(c.name, pInfo, pType, body), nil
}

func renderBody(pInfo *pushtype.PushInfo) string {
	switch pInfo.Category {
	case pushtype.CategoryCall:
		return fmt.Sprintf("%s is calling", pInfo.CallerName)
	case pushtype.CategoryMessage:
		return fmt.Sprintf("New message from %s", pInfo.CallerName)
	default:
		return string(pInfo.Category)
	}
}

// SendPush enqueues req; the dispatch loop goroutine drives delivery.
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

// dispatchLoop is the single per-client event-loop goroutine of spec.md
// §5: it owns the queue and the stream semaphore, so no lock is held
// across a suspension point (the semaphore acquire/release and the
// blocking Push call are the only suspension points here).
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
			c.trackInFlight(req)
			c.streamSem <- struct{}{}
			go func(r *pushtype.Request) {
				defer func() { <-c.streamSem; c.untrackInFlight(r); c.queue.MarkDone() }()
				c.deliver(r)
			}(req)
		}
	}
}

func (c *Client) deliver(req *pushtype.Request) {
	if err := req.BeginDelivery(); err != nil {
		c.logger.Warn("cannot move request in-flight", "err", err)
		return
	}
	c.ensureConnected()
	c.stats.RecordSent()
	c.setActivity()

	dest, err := req.Info.Destination(req.PushType)
	if err != nil {
		_ = req.Fail("invalid_destination")
		c.stats.RecordFailed("invalid_destination")
		return
	}

	notification := &apns2.Notification{
		DeviceToken: dest.DeviceID,
		Topic:       c.cfg.Topic,
		Payload:     req.Body,
	}

	res, err := c.client.Push(notification)
	if err != nil {
		c.handleTransportError(req, err)
		return
	}

	if res.Sent() {
		_ = req.Succeed()
		c.stats.RecordSucceeded()
		return
	}

	c.handleRejection(req, res)
}

func (c *Client) handleTransportError(req *pushtype.Request, err error) {
	c.logger.Warn("APNs transport failure", "err", err, "retry", req.RetryCount)
	if req.IncrementRetry() > c.cfg.MaxRetries {
		_ = req.Fail("transport_retries_exhausted")
		c.stats.RecordFailed("transport_retries_exhausted")
		return
	}
	c.requeueAfterBackoff(req)
}

func (c *Client) handleRejection(req *pushtype.Request, res *apns2.Response) {
	switch res.Reason {
	case apns2.ReasonUnregistered:
		dest, _ := req.Info.Destination(req.PushType)
		if c.cfg.InvalidationHook != nil {
			c.cfg.InvalidationHook(dest.DeviceID)
		}
		_ = req.Fail("Unregistered")
		c.stats.RecordFailed("Unregistered")
	case apns2.ReasonInternalServerError, apns2.ReasonServiceUnavailable, apns2.ReasonShutdown:
		if req.IncrementRetry() > c.cfg.MaxRetries {
			_ = req.Fail(res.Reason)
			c.stats.RecordFailed(res.Reason)
			return
		}
		c.requeueAfterBackoff(req)
	default:
		c.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		_ = req.Fail(res.Reason)
		c.stats.RecordFailed(res.Reason)
	}
}

// requeueAfterBackoff re-enters a retryable request into the queue after
// an exponential backoff, matching the per-request retry budget of
// spec.md §4.2/§4.3 ("On disconnect all in-flight requests are
// re-queued up to their individual retry budget").
func (c *Client) requeueAfterBackoff(req *pushtype.Request) {
	delay := backoffDelay(req.RetryCount)
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

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	const cap = 30 * time.Second
	if d > cap {
		d = cap
	}
	return d
}

func (c *Client) setActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) trackInFlight(req *pushtype.Request) {
	c.inFlightMu.Lock()
	c.inFlight[req] = struct{}{}
	c.inFlightMu.Unlock()
}

func (c *Client) untrackInFlight(req *pushtype.Request) {
	c.inFlightMu.Lock()
	delete(c.inFlight, req)
	c.inFlightMu.Unlock()
}

// ensureConnected drives Disconnected/Disconnecting -> Connecting ->
// Connected around a dispatch attempt. apns2's Client dials lazily
// inside Push itself and exposes no separate connect call, so there is
// no seam to hook a real handshake to; this models the transition
// spec.md §4.3 names around the one operation that actually talks to
// APNs.
func (c *Client) ensureConnected() {
	if c.State() == Connected {
		return
	}
	c.setState(Connecting)
	c.setState(Connected)
}

// disconnect drives Connected -> Disconnecting -> Disconnected and
// re-queues every request the dispatch loop still has in flight, up to
// its individual retry budget (spec.md §4.3: "On disconnect all
// in-flight requests are re-queued up to their individual retry
// budget"). apns2's Push call has no cancellation hook, so a request
// already blocked inside it cannot be interrupted; this re-queues
// what it can track so the next Connected cycle redelivers it.
func (c *Client) disconnect() {
	c.setState(Disconnecting)

	c.inFlightMu.Lock()
	pending := make([]*pushtype.Request, 0, len(c.inFlight))
	for req := range c.inFlight {
		pending = append(pending, req)
	}
	c.inFlightMu.Unlock()

	for _, req := range pending {
		c.requeueAfterDisconnect(req)
	}

	c.setState(Disconnected)
}

func (c *Client) requeueAfterDisconnect(req *pushtype.Request) {
	if req.IncrementRetry() > c.cfg.MaxRetries {
		_ = req.Fail("disconnected_retries_exhausted")
		c.stats.RecordFailed("disconnected_retries_exhausted")
		return
	}
	if err := c.queue.Enqueue(req); err != nil {
		_ = req.Fail("requeue_failed")
		c.stats.RecordFailed("requeue_failed")
	}
}

// idlePingLoop watches for connection idleness beyond IdlePingInterval
// and disconnects; apns2 does not expose a raw PING primitive, so
// liveness is inferred from elapsed time since the last delivered
// request (spec.md §12).
func (c *Client) idlePingLoop() {
	ticker := time.NewTicker(c.cfg.IdlePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			idleFor := time.Since(c.lastActivity)
			state := c.connState
			hasActivity := !c.lastActivity.IsZero()
			c.mu.Unlock()
			if state == Connected && hasActivity && idleFor >= c.cfg.IdlePingInterval {
				c.logger.Debug("connection idle beyond interval, disconnecting", "idle_for", idleFor)
				c.disconnect()
			}
		}
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// setState moves the connection to s. It is called around the dispatch
// path (ensureConnected) and from the idle timer (disconnect); it has no
// externally-triggerable API of its own.
func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.connState = s
	c.mu.Unlock()
}
