package apns

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) Push(n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPushInfo() *pushtype.PushInfo {
	return &pushtype.PushInfo{
		AppIdentifier: "com.test.app",
		Category:      pushtype.CategoryMessage,
		CallerName:    "Alice",
		Destinations: map[pushtype.PushType]pushtype.Destination{
			pushtype.TypeMessage: {DeviceID: "device-token-1", Provider: "apns"},
		},
	}
}

func TestClient_Dispatch_Success(t *testing.T) {
	mp := new(mockPusher)
	c := newClientForTest("app1", Config{Topic: "com.test.app"}, mp, testLogger())
	defer c.Close()

	mp.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool {
		return n.DeviceToken == "device-token-1" && n.Topic == "com.test.app"
	})).Return(&apns2.Response{StatusCode: http.StatusOK}, nil)

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)

	require.NoError(t, c.SendPush(context.Background(), req))

	require.Eventually(t, func() bool { return req.Done() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushtype.Successful, req.State())
	assert.True(t, c.IsIdle())
	assert.Equal(t, Connected, c.State())
}

func TestClient_Dispatch_Unregistered(t *testing.T) {
	mp := new(mockPusher)
	var invalidated string
	c := newClientForTest("app1", Config{
		Topic:            "com.test.app",
		InvalidationHook: func(token string) { invalidated = token },
	}, mp, testLogger())
	defer c.Close()

	mp.On("Push", mock.Anything).Return(&apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, nil)

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	require.NoError(t, c.SendPush(context.Background(), req))

	require.Eventually(t, func() bool { return req.Done() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushtype.Failed, req.State())
	assert.Equal(t, "Unregistered", req.FailReason)
	assert.Equal(t, "device-token-1", invalidated)
}

func TestClient_Disconnect_RequeuesInFlightRequest(t *testing.T) {
	mp := new(mockPusher)
	c := newClientForTest("app1", Config{Topic: "com.test.app", MaxRetries: 3}, mp, testLogger())
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	require.NoError(t, req.Transition(pushtype.Queued))
	require.NoError(t, req.BeginDelivery())
	c.trackInFlight(req)

	// Stop the dispatch loop so the re-queued request stays in the queue
	// where the test can read it back.
	require.NoError(t, c.Close())
	c.disconnect()

	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, req.RetryCount)
	assert.False(t, req.Done())

	requeued := <-c.queue.Requests()
	assert.Same(t, req, requeued)
}

func TestClient_Disconnect_FailsRequestPastRetryBudget(t *testing.T) {
	mp := new(mockPusher)
	c := newClientForTest("app1", Config{Topic: "com.test.app", MaxRetries: 1}, mp, testLogger())
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	req.RetryCount = 1
	require.NoError(t, req.Transition(pushtype.Queued))
	require.NoError(t, req.BeginDelivery())
	c.trackInFlight(req)

	c.disconnect()

	assert.Equal(t, pushtype.Failed, req.State())
	assert.Equal(t, "disconnected_retries_exhausted", req.FailReason)
}

func TestClient_MakeRequest_NoDestination(t *testing.T) {
	mp := new(mockPusher)
	c := newClientForTest("app1", Config{Topic: "t"}, mp, testLogger())
	defer c.Close()

	info := &pushtype.PushInfo{Destinations: map[pushtype.PushType]pushtype.Destination{}}
	_, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, info)
	assert.ErrorIs(t, err, pushtype.ErrNoDestination)
}
