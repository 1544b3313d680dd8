// Package conference implements spec.md §4.8's ConferenceAddressAllocator:
// collision-free assignment of a group-chat SIP URI and its GRUU binding.
//
// No corpus example implements a SIP registrar protocol, so this package
// is grounded on spec.md §4.8/§9 directly rather than on any one
// example's code. The Registrar dependency is kept deliberately thin
// (Query, Bind only), per §9's note that the allocator should depend on
// a Registrar interface, not a concrete storage client. The allocator is
// a plain function-shaped type with no goroutine outliving a single
// Allocate call, per §9's "promise-like handle, not cyclic shared
// ownership" note — so it carries none of the event-loop machinery the
// push clients use.
package conference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrBindFailed is returned when binding the candidate URI produces a
// record with no contacts (spec.md §4.8, §7).
var ErrBindFailed = errors.New("conference: bind failed")

// ErrNoGruu is returned when the bound record's latest contact carries
// no public GRUU.
var ErrNoGruu = errors.New("conference: no public GRUU in bound contact")

// ErrAddressExhaustion is returned when MaxCollisionIterations consecutive
// collisions occur before a free address is found. spec.md §9 leaves the
// collision-retry depth as an open question ("unbounded in principle");
// this rewrite resolves it by capping iterations rather than looping
// forever on a systematically misbehaving registrar.
var ErrAddressExhaustion = errors.New("conference: address space exhausted")

// Contact is one registered binding: its transport address and, for the
// latest contact created by a bind, an optional public GRUU.
type Contact struct {
	Address    string
	PublicGRUU string
}

// Record is what the registrar returns for a URI query: empty (Contacts
// is nil or len 0) means "unoccupied".
type Record struct {
	Contacts []Contact
}

func (r Record) empty() bool { return len(r.Contacts) == 0 }

// latest returns the most recently added contact, which by convention is
// the last element (spec.md §4.8: "the latest extended contact's public
// GRUU").
func (r Record) latest() (Contact, bool) {
	if r.empty() {
		return Contact{}, false
	}
	return r.Contacts[len(r.Contacts)-1], true
}

// Registrar is the thin storage seam the allocator depends on: query a
// URI's current binding, and bind a URI to a device over a transport.
type Registrar interface {
	Query(ctx context.Context, uri string) (Record, error)
	Bind(ctx context.Context, uri string, deviceUUID string, transport string) (Record, error)
}

// Config configures one Allocate call.
type Config struct {
	Transport              string
	FixedPrefix            string
	MaxCollisionIterations int
}

func (c Config) withDefaults() Config {
	if c.MaxCollisionIterations <= 0 {
		c.MaxCollisionIterations = 64
	}
	if c.FixedPrefix == "" {
		c.FixedPrefix = "chatroom-"
	}
	return c
}

// Allocate runs the Fetching -> Binding state machine of spec.md §4.8
// against candidateURI, returning the published conference GRUU. A
// transport error at any phase is returned directly, and the caller is
// responsible for nullifying the chat room's conference address
// (spec.md §4.8: "clear the chat-room's conference address").
func Allocate(ctx context.Context, reg Registrar, candidateURI string, deviceUUID string, cfg Config) (string, error) {
	cfg = cfg.withDefaults()
	uri := candidateURI

	for i := 0; i < cfg.MaxCollisionIterations; i++ {
		record, err := reg.Query(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("conference: query %q: %w", uri, err)
		}
		if record.empty() {
			return bind(ctx, reg, uri, deviceUUID, cfg.Transport)
		}
		uri = rerollURI(uri, cfg.FixedPrefix)
	}
	return "", ErrAddressExhaustion
}

// bind performs the Binding phase: bind the URI, then extract the latest
// contact's public GRUU.
func bind(ctx context.Context, reg Registrar, uri string, deviceUUID string, transport string) (string, error) {
	record, err := reg.Bind(ctx, uri, deviceUUID, transport)
	if err != nil {
		return "", fmt.Errorf("conference: bind %q: %w", uri, err)
	}
	if record.empty() {
		return "", ErrBindFailed
	}
	contact, ok := record.latest()
	if !ok || contact.PublicGRUU == "" {
		return "", ErrNoGruu
	}
	return contact.PublicGRUU, nil
}

// rerollURI replaces the URI's user part with a fresh 128-bit collision
// token, per spec.md §4.8's collision branch.
func rerollURI(uri string, fixedPrefix string) string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	user := fixedPrefix + token

	if at := strings.Index(uri, "@"); at >= 0 {
		scheme := ""
		rest := uri
		if colon := strings.Index(uri, ":"); colon >= 0 && colon < at {
			scheme = uri[:colon+1]
			rest = uri[colon+1:]
			at = strings.Index(rest, "@")
		}
		return scheme + user + rest[at:]
	}
	return uri + ";user=" + user
}
