// Package push wires the provider-specific transports under
// internal/platform/* and internal/token together into the single
// registry spec.md §4.1 calls PushService.
//
// Grounded on notificationservice/service.go's assembly style — a
// constructor plus Setup* methods wiring named collaborators —
// generalized from "one FCM dispatcher + one Web dispatcher" to "an open
// registry of named clients" resolved by provider tag, app identifier,
// or a well-known fallback/generic slot (spec.md §4.1).
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/sip-push-dispatch/internal/config"
	"github.com/tinywideclouds/sip-push-dispatch/internal/platform/apns"
	"github.com/tinywideclouds/sip-push-dispatch/internal/platform/fcmlegacy"
	"github.com/tinywideclouds/sip-push-dispatch/internal/platform/fcmv1"
	"github.com/tinywideclouds/sip-push-dispatch/internal/platform/generic"
	"github.com/tinywideclouds/sip-push-dispatch/internal/token"
	"github.com/tinywideclouds/sip-push-dispatch/pkg/pushtype"
)

// fallbackName and genericName are the well-known registry slots spec.md
// §4.1 names.
const (
	fallbackName = "fallback"
	genericName  = "generic"
)

// ErrUnsupportedProvider is returned by MakeRequest when no generic,
// provider-tagged, or fallback client can build the request.
var ErrUnsupportedProvider = errors.New("push: unsupported provider")

// ErrNoClientAvailable is returned by SendPush when neither the
// app-identified client nor the fallback client is registered.
var ErrNoClientAvailable = errors.New("push: no client available")

// Service is spec.md §4.1's PushService.
type Service struct {
	mu      sync.RWMutex
	clients map[string]pushtype.Client
	logger  *slog.Logger
}

// NewService returns an empty registry; clients are added via the Setup*
// methods and SetFallbackClient.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		clients: make(map[string]pushtype.Client),
		logger:  logger.With("component", "PushService"),
	}
}

func (s *Service) register(name string, c pushtype.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[name] = c
}

// lookup satisfies generic.NativeLookup, handed to the generic client at
// construction so it can embed another provider's native payload without
// the generic client holding a back-reference to Service (spec.md §9).
func (s *Service) lookup(name string) (pushtype.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// withEventID returns pInfo unchanged if it already carries an EventID,
// otherwise a shallow copy carrying a freshly generated one, so the
// caller's PushInfo is never mutated out from under it.
func withEventID(pInfo *pushtype.PushInfo) *pushtype.PushInfo {
	if pInfo.EventID != "" {
		return pInfo
	}
	info := *pInfo
	info.EventID = uuid.New().String()
	return &info
}

// MakeRequest implements spec.md §4.1's resolution order: generic first,
// then provider tag, then fallback.
func (s *Service) MakeRequest(ctx context.Context, pType pushtype.PushType, pInfo *pushtype.PushInfo) (*pushtype.Request, error) {
	pInfo = withEventID(pInfo)

	if c, ok := s.lookup(genericName); ok {
		return c.MakeRequest(ctx, pType, pInfo)
	}

	if dest, err := pInfo.Destination(pType); err == nil {
		if c, ok := s.lookup(dest.Provider); ok {
			return c.MakeRequest(ctx, pType, pInfo)
		}
	}

	if c, ok := s.lookup(fallbackName); ok {
		return c.MakeRequest(ctx, pType, pInfo)
	}

	return nil, ErrUnsupportedProvider
}

// SendPush routes req to the client named req.AppIdentifier, falling
// back to the fallback client, per spec.md §4.1.
func (s *Service) SendPush(ctx context.Context, req *pushtype.Request) error {
	if c, ok := s.lookup(req.AppIdentifier); ok {
		return c.SendPush(ctx, req)
	}
	if c, ok := s.lookup(fallbackName); ok {
		return c.SendPush(ctx, req)
	}
	return ErrNoClientAvailable
}

// IsIdle is the conjunction of IsIdle across every registered client.
func (s *Service) IsIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if !c.IsIdle() {
			return false
		}
	}
	return true
}

// SetFallbackClient registers client under the well-known "fallback" slot.
func (s *Service) SetFallbackClient(client pushtype.Client) {
	s.register(fallbackName, client)
}

// SetupGenericClient constructs the single GenericHttpClient (spec.md
// §4.1/§4.7), registering it under the well-known "generic" slot. An
// invalid method or protocol value fails with generic.ErrInvalidArgument.
func (s *Service) SetupGenericClient(urlTemplate, bodyTemplate string, method generic.Method, protocol generic.Protocol) error {
	client, err := generic.NewClient(generic.Config{
		URLTemplate:  urlTemplate,
		BodyTemplate: bodyTemplate,
		Method:       method,
		Protocol:     protocol,
		Lookup:       s.lookup,
	}, s.logger)
	if err != nil {
		return err
	}
	s.register(genericName, client)
	return nil
}

// SetupIOSClients scans certDir non-recursively for files ending ".pem",
// constructing one AppleClient per file keyed by the filename minus
// suffix (spec.md §4.1, §6). A TLS-construction failure for one
// certificate is logged and skipped, not fatal to the others. caFile is
// accepted for configuration-surface parity with spec.md §6's
// push-ios.cafile key; apns2's cert-auth constructor verifies the APNs
// server against the platform trust store and has no seam for a custom
// CA root, so it is accepted but not used.
func (s *Service) SetupIOSClients(certDir, caFile string, production bool) error {
	entries, err := os.ReadDir(certDir)
	if err != nil {
		return fmt.Errorf("push: read iOS cert dir %q: %w", certDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".pem")

		pemBytes, err := os.ReadFile(filepath.Join(certDir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to read iOS certificate, skipping", "file", entry.Name(), "err", err)
			continue
		}

		client, err := apns.NewClient(name, apns.Config{
			CertPEM:    pemBytes,
			KeyPEM:     pemBytes,
			Topic:      name,
			Production: production,
		}, s.logger)
		if err != nil {
			s.logger.Warn("failed to construct AppleClient, skipping", "file", entry.Name(), "err", err)
			continue
		}
		s.register(name, client)
	}
	return nil
}

// FirebaseSetupConfig carries the parameters SetupFirebaseClients needs
// beyond the appId pairs already parsed by internal/config.
type FirebaseSetupConfig struct {
	RefreshHelperPath  string
	AnticipationWindow time.Duration
	MinRefreshInterval time.Duration
}

// SetupFirebaseClients builds both the legacy and v1 client sets from
// cfg, matching spec.md §4.1: "it is an error (fails with DuplicateAppId)
// if the same appId appears in both sets". Both sets are fully
// constructed in local variables before anything is registered, so a
// duplicate leaves the registry untouched (spec.md §8 Scenario 6: "leaves
// the registry empty").
func (s *Service) SetupFirebaseClients(cfg *config.Config, fbCfg FirebaseSetupConfig) error {
	if err := checkDuplicateAppIDs(cfg.FirebaseProjectsAPIKeys, cfg.FirebaseServiceAccounts); err != nil {
		return err
	}

	legacyClients := make(map[string]*fcmlegacy.Client, len(cfg.FirebaseProjectsAPIKeys))
	for _, pair := range cfg.FirebaseProjectsAPIKeys {
		legacyClients[pair.AppID] = fcmlegacy.NewClient(pair.AppID, fcmlegacy.Config{APIKey: pair.Value}, s.logger)
	}

	v1Clients := make(map[string]*fcmv1.Client, len(cfg.FirebaseServiceAccounts))
	for _, pair := range cfg.FirebaseServiceAccounts {
		projectID, err := readProjectID(pair.Value)
		if err != nil {
			return fmt.Errorf("push: service account %q: %w", pair.AppID, err)
		}

		tokenMgr, err := token.NewManager(token.Config{
			ServiceAccountPath: pair.Value,
			HelperPath:         fbCfg.RefreshHelperPath,
			AnticipationWindow: fbCfg.AnticipationWindow,
			MinRefreshInterval: fbCfg.MinRefreshInterval,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("push: token manager for %q: %w", pair.AppID, err)
		}

		v1Clients[pair.AppID] = fcmv1.NewClient(pair.AppID, fcmv1.Config{ProjectID: projectID}, tokenMgr, s.logger)
	}

	for name, c := range legacyClients {
		s.register(name, c)
	}
	for name, c := range v1Clients {
		s.register(name, c)
	}
	return nil
}

func checkDuplicateAppIDs(legacy, v1 []config.AppIDPair) error {
	seen := make(map[string]struct{}, len(legacy))
	for _, p := range legacy {
		seen[p.AppID] = struct{}{}
	}
	for _, p := range v1 {
		if _, ok := seen[p.AppID]; ok {
			return fmt.Errorf("%w: %q", config.ErrDuplicateAppID, p.AppID)
		}
	}
	return nil
}

type serviceAccountFile struct {
	ProjectID string `json:"project_id"`
}

func readProjectID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read service account file: %w", err)
	}
	var parsed serviceAccountFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse service account file: %w", err)
	}
	if parsed.ProjectID == "" {
		return "", fmt.Errorf("service account file has no project_id")
	}
	return parsed.ProjectID, nil
}
