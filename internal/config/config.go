// Package config implements the two-stage configuration loader spec.md
// §6 describes: a YamlConfig mirroring the on-disk file, then an
// environment-override pass, matching
// notificationservice/config/{yaml_config.go,config.go}'s split between
// "Stage 1" (YAML mapping) and "Stage 2" (env overrides + validation) in
// the teacher repository.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidArgument mirrors spec.md §7's taxonomy entry for malformed
// configuration values (e.g. a generic-client method outside GET/POST).
var ErrInvalidArgument = errors.New("config: invalid argument")

// ErrDuplicateAppID is returned when setupFirebaseClients would register
// the same appId under both the legacy and v1 provider sets (spec.md §8
// Scenario 6).
var ErrDuplicateAppID = errors.New("config: duplicate app id")

// AppIDPair is one "appId:value" entry from firebase-projects-api-keys or
// firebase-service-accounts.
type AppIDPair struct {
	AppID string
	Value string
}

// YamlConfig mirrors the on-disk config.yaml file (spec.md §6's key
// table).
type YamlConfig struct {
	FirebaseProjectsAPIKeys             []string `yaml:"firebase-projects-api-keys"`
	FirebaseServiceAccounts             []string `yaml:"firebase-service-accounts"`
	FirebaseDefaultRefreshInterval      int      `yaml:"firebase-default-refresh-interval"`
	FirebaseTokenExpirationAnticipation int      `yaml:"firebase-token-expiration-anticipation-time"`
	Transport                           string   `yaml:"transport"`
	GenericClient                       struct {
		URL      string `yaml:"url"`
		Method   string `yaml:"method"`
		Protocol string `yaml:"protocol"`
	} `yaml:"generic-client"`
	PushIOS struct {
		CertDir string `yaml:"certdir"`
		CAFile  string `yaml:"cafile"`
	} `yaml:"push-ios"`
}

// Config is the single, authoritative configuration for the push
// dispatch subsystem once YAML and environment overrides have both been
// applied.
type Config struct {
	FirebaseProjectsAPIKeys             []AppIDPair
	FirebaseServiceAccounts             []AppIDPair
	FirebaseDefaultRefreshIntervalSec   int
	FirebaseTokenExpirationAnticipation int
	Transport                          string

	GenericClientURL      string
	GenericClientMethod   string
	GenericClientProtocol string

	PushIOSCertDir string
	PushIOSCAFile  string
}

// LoadYAML unmarshals raw into a YamlConfig, the "Stage 1" step.
func LoadYAML(raw []byte) (*YamlConfig, error) {
	var y YamlConfig
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return &y, nil
}

// FromYAML maps a YamlConfig into the authoritative Config, parsing
// "appId:value" pairs, matching NewConfigFromYaml's "Stage 1" mapping
// role in the teacher.
func FromYAML(y *YamlConfig) (*Config, error) {
	apiKeys, err := parsePairs(y.FirebaseProjectsAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("config: firebase-projects-api-keys: %w", err)
	}
	serviceAccounts, err := parsePairs(y.FirebaseServiceAccounts)
	if err != nil {
		return nil, fmt.Errorf("config: firebase-service-accounts: %w", err)
	}

	if err := checkDuplicateAppIDs(apiKeys, serviceAccounts); err != nil {
		return nil, err
	}

	return &Config{
		FirebaseProjectsAPIKeys:             apiKeys,
		FirebaseServiceAccounts:             serviceAccounts,
		FirebaseDefaultRefreshIntervalSec:   y.FirebaseDefaultRefreshInterval,
		FirebaseTokenExpirationAnticipation: y.FirebaseTokenExpirationAnticipation,
		Transport:                           y.Transport,
		GenericClientURL:                    y.GenericClient.URL,
		GenericClientMethod:                 y.GenericClient.Method,
		GenericClientProtocol:               y.GenericClient.Protocol,
		PushIOSCertDir:                       y.PushIOS.CertDir,
		PushIOSCAFile:                        y.PushIOS.CAFile,
	}, nil
}

func parsePairs(raw []string) ([]AppIDPair, error) {
	pairs := make([]AppIDPair, 0, len(raw))
	for _, entry := range raw {
		idx := strings.Index(entry, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("%w: malformed pair %q, want appId:value", ErrInvalidArgument, entry)
		}
		pairs = append(pairs, AppIDPair{AppID: entry[:idx], Value: entry[idx+1:]})
	}
	return pairs, nil
}

// checkDuplicateAppIDs enforces spec.md §4.1's setupFirebaseClients rule:
// "it is an error (fails with DuplicateAppId) if the same appId appears
// in both sets" — checked before either set is constructed, so setup
// leaves the registry empty on failure (spec.md §8 Scenario 6).
func checkDuplicateAppIDs(legacy, v1 []AppIDPair) error {
	seen := make(map[string]struct{}, len(legacy))
	for _, p := range legacy {
		seen[p.AppID] = struct{}{}
	}
	for _, p := range v1 {
		if _, ok := seen[p.AppID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateAppID, p.AppID)
		}
	}
	return nil
}

// ApplyEnvOverrides layers environment variables on top of cfg, the
// "Stage 2" step matching UpdateConfigWithEnvOverrides in the teacher.
func ApplyEnvOverrides(cfg *Config) *Config {
	if v := os.Getenv("PUSH_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("PUSH_IOS_CERTDIR"); v != "" {
		cfg.PushIOSCertDir = v
	}
	if v := os.Getenv("PUSH_IOS_CAFILE"); v != "" {
		cfg.PushIOSCAFile = v
	}
	if v := os.Getenv("GENERIC_CLIENT_URL"); v != "" {
		cfg.GenericClientURL = v
	}
	if v := os.Getenv("FIREBASE_DEFAULT_REFRESH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FirebaseDefaultRefreshIntervalSec = n
		}
	}
	return cfg
}
