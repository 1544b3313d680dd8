package conference

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistrar struct {
	queryResponses []Record
	queryCalls     int
	bindResponse   Record
	bindErr        error
	queriedURIs    []string
}

func (s *stubRegistrar) Query(_ context.Context, uri string) (Record, error) {
	s.queriedURIs = append(s.queriedURIs, uri)
	r := s.queryResponses[s.queryCalls]
	s.queryCalls++
	return r, nil
}

func (s *stubRegistrar) Bind(_ context.Context, uri string, deviceUUID string, transport string) (Record, error) {
	return s.bindResponse, s.bindErr
}

// TestAllocate_NoCollision matches spec.md §8 scenario flavor: the first
// query is empty, binding succeeds, and the GRUU from the latest contact
// is published.
func TestAllocate_NoCollision(t *testing.T) {
	reg := &stubRegistrar{
		queryResponses: []Record{{}},
		bindResponse: Record{Contacts: []Contact{
			{Address: "sip:dev@1.2.3.4", PublicGRUU: "sip:conf1@example.com;gr=abc"},
		}},
	}

	gruu, err := Allocate(context.Background(), reg, "sip:conf1@example.com", "device-uuid", Config{Transport: "udp"})
	require.NoError(t, err)
	assert.Equal(t, "sip:conf1@example.com;gr=abc", gruu)
	assert.Equal(t, 1, reg.queryCalls)
}

// TestAllocate_Collision matches spec.md §8 Scenario 5: registrar stub
// returns a non-empty record for the first URI and empty for the
// second; allocator emits exactly two fetches.
func TestAllocate_Collision(t *testing.T) {
	reg := &stubRegistrar{
		queryResponses: []Record{
			{Contacts: []Contact{{Address: "sip:someone@1.2.3.4"}}},
			{},
		},
		bindResponse: Record{Contacts: []Contact{
			{Address: "sip:dev@1.2.3.4", PublicGRUU: "sip:conf2@example.com;gr=xyz"},
		}},
	}

	gruu, err := Allocate(context.Background(), reg, "sip:conf1@example.com", "device-uuid", Config{Transport: "udp"})
	require.NoError(t, err)
	assert.Equal(t, "sip:conf2@example.com;gr=xyz", gruu)
	assert.Equal(t, 2, reg.queryCalls)
	assert.True(t, strings.HasPrefix(reg.queriedURIs[1], "sip:chatroom-"))
}

func TestAllocate_BindFailed(t *testing.T) {
	reg := &stubRegistrar{
		queryResponses: []Record{{}},
		bindResponse:   Record{},
	}
	_, err := Allocate(context.Background(), reg, "sip:conf1@example.com", "device-uuid", Config{Transport: "udp"})
	assert.ErrorIs(t, err, ErrBindFailed)
}

func TestAllocate_NoGruu(t *testing.T) {
	reg := &stubRegistrar{
		queryResponses: []Record{{}},
		bindResponse: Record{Contacts: []Contact{
			{Address: "sip:dev@1.2.3.4"},
		}},
	}
	_, err := Allocate(context.Background(), reg, "sip:conf1@example.com", "device-uuid", Config{Transport: "udp"})
	assert.ErrorIs(t, err, ErrNoGruu)
}

func TestAllocate_AddressExhaustion(t *testing.T) {
	responses := make([]Record, 3)
	for i := range responses {
		responses[i] = Record{Contacts: []Contact{{Address: "sip:someone@1.2.3.4"}}}
	}
	reg := &stubRegistrar{queryResponses: responses}

	_, err := Allocate(context.Background(), reg, "sip:conf1@example.com", "device-uuid", Config{
		Transport:              "udp",
		MaxCollisionIterations: 3,
	})
	assert.ErrorIs(t, err, ErrAddressExhaustion)
	assert.Equal(t, 3, reg.queryCalls)
}
