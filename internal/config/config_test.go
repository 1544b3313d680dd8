package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
firebase-projects-api-keys:
  - "app1:key-abc"
firebase-service-accounts:
  - "app2:/etc/push/app2.json"
firebase-default-refresh-interval: 30
firebase-token-expiration-anticipation-time: 300
transport: "udp:0.0.0.0:5070"
generic-client:
  url: "https://site.example/notify"
  method: "POST"
  protocol: "HTTP"
push-ios:
  certdir: "/etc/push/ios"
  cafile: "/etc/push/ca.pem"
`

func TestFromYAML(t *testing.T) {
	y, err := LoadYAML([]byte(sampleYAML))
	require.NoError(t, err)

	cfg, err := FromYAML(y)
	require.NoError(t, err)

	assert.Equal(t, []AppIDPair{{AppID: "app1", Value: "key-abc"}}, cfg.FirebaseProjectsAPIKeys)
	assert.Equal(t, []AppIDPair{{AppID: "app2", Value: "/etc/push/app2.json"}}, cfg.FirebaseServiceAccounts)
	assert.Equal(t, 30, cfg.FirebaseDefaultRefreshIntervalSec)
	assert.Equal(t, "/etc/push/ios", cfg.PushIOSCertDir)
}

// TestFromYAML_DuplicateAppID matches spec.md §8 Scenario 6:
// firebase-projects-api-keys=["app1:k"] and
// firebase-service-accounts=["app1:/path"] fails with DuplicateAppId.
func TestFromYAML_DuplicateAppID(t *testing.T) {
	y := &YamlConfig{
		FirebaseProjectsAPIKeys: []string{"app1:k"},
		FirebaseServiceAccounts: []string{"app1:/path"},
	}
	_, err := FromYAML(y)
	assert.ErrorIs(t, err, ErrDuplicateAppID)
}

func TestFromYAML_MalformedPair(t *testing.T) {
	y := &YamlConfig{FirebaseProjectsAPIKeys: []string{"no-colon-here"}}
	_, err := FromYAML(y)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PUSH_TRANSPORT", "tcp:0.0.0.0:5071")
	cfg := &Config{Transport: "udp:0.0.0.0:5070"}
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "tcp:0.0.0.0:5071", cfg.Transport)

	require.NoError(t, os.Unsetenv("PUSH_TRANSPORT"))
}
