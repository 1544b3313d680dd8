package fcmv1

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPushInfo() *pushtype.PushInfo {
	return &pushtype.PushInfo{
		AppIdentifier: "com.test.app",
		Category:      pushtype.CategoryMessage,
		CallerName:    "Alice",
		Destinations: map[pushtype.PushType]pushtype.Destination{
			pushtype.TypeMessage: {DeviceID: "fcm-token-1", Provider: "fcm-v1"},
		},
	}
}

type stubTokenSource struct {
	token string
	err   error
}

func (s stubTokenSource) Get(_ context.Context) (string, error) { return s.token, s.err }

func TestClient_MakeRequest(t *testing.T) {
	c := NewClient("app1", Config{ProjectID: "proj"}, stubTokenSource{token: "T"}, testLogger())
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)

	var decoded v1Message
	require.NoError(t, json.Unmarshal(req.Body, &decoded))
	assert.Equal(t, "fcm-token-1", decoded.Message.Token)
	assert.Equal(t, "Alice", decoded.Message.Notification.Title)
}

func TestClient_Deliver_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"projects/proj/messages/1"}`))
	}))
	defer srv.Close()

	c := NewClient("app1", Config{
		ProjectID:        "proj",
		HTTPClient:       srv.Client(),
		EndpointTemplate: srv.URL + "/v1/projects/%s/messages:send",
	}, stubTokenSource{token: "abc123"}, testLogger())
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	require.NoError(t, c.SendPush(context.Background(), req))

	require.Eventually(t, func() bool { return req.Done() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushtype.Successful, req.State())
	assert.Equal(t, "Bearer abc123", gotAuth)
}

func TestClient_Deliver_TokenUnavailable(t *testing.T) {
	c := NewClient("app1", Config{ProjectID: "proj", TokenTimeout: 50 * time.Millisecond}, stubTokenSource{err: assertErr{}}, testLogger())
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	require.NoError(t, c.SendPush(context.Background(), req))

	require.Eventually(t, func() bool { return req.Done() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushtype.Failed, req.State())
	assert.Equal(t, "TokenUnavailable", req.FailReason)
}

type assertErr struct{}

func (assertErr) Error() string { return "no token" }
