package generic

import (
	"context"
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
		CallerName:    "Alice",
		EventID:       "evt-1",
		Destinations: map[pushtype.PushType]pushtype.Destination{
			pushtype.TypeMessage: {DeviceID: "device-1", Provider: "apns"},
		},
	}
}

func TestNewClient_InvalidMethod(t *testing.T) {
	_, err := NewClient(Config{URLTemplate: "http://x", Method: "PATCH"}, testLogger())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewClient_InvalidProtocol(t *testing.T) {
	_, err := NewClient(Config{URLTemplate: "http://x", Method: MethodGET, Protocol: "QUIC"}, testLogger())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient_MakeRequest_ExpandsURLAndBody(t *testing.T) {
	c, err := NewClient(Config{
		URLTemplate:  "https://site.example/notify?app={{.AppID}}&to={{.Callee}}",
		BodyTemplate: `{"caller":"{{.Caller}}","event":"{{.EventID}}"}`,
		Method:       MethodPOST,
	}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/notify?app=com.test.app&to=device-1", req.ResolvedURL)
	assert.JSONEq(t, `{"caller":"Alice","event":"evt-1"}`, string(req.Body))
}

func TestClient_MakeRequest_NativeDelegation(t *testing.T) {
	lookup := func(name string) (pushtype.Client, bool) {
		if name != "apns" {
			return nil, false
		}
		return stubNativeClient{}, true
	}
	c, err := NewClient(Config{
		URLTemplate:  "https://site.example/notify",
		BodyTemplate: `{{.Native "apns"}}`,
		Method:       MethodPOST,
		Lookup:       lookup,
	}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	assert.Equal(t, `{"native":"payload"}`, string(req.Body))
}

type stubNativeClient struct{}

func (stubNativeClient) Name() string { return "apns" }
func (stubNativeClient) MakeRequest(_ context.Context, _ pushtype.PushType, pInfo *pushtype.PushInfo) (*pushtype.Request, error) {
	return pushtype.NewRequest(pInfo.AppIdentifier, pInfo, pushtype.TypeMessage, []byte(`{"native":"payload"}`)), nil
}
func (stubNativeClient) SendPush(_ context.Context, _ *pushtype.Request) error { return nil }
func (stubNativeClient) IsIdle() bool                                          { return true }

func TestClient_Deliver_GET_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		URLTemplate: srv.URL + "/notify?to={{.Callee}}",
		Method:      MethodGET,
		HTTPClient:  srv.Client(),
	}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	req, err := c.MakeRequest(context.Background(), pushtype.TypeMessage, testPushInfo())
	require.NoError(t, err)
	require.NoError(t, c.SendPush(context.Background(), req))

	require.Eventually(t, func() bool { return req.Done() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushtype.Successful, req.State())
}
