// Package security stores the credentials clients authenticate with.
//
// The server core does not verify credentials itself; the transport looks
// them up here by endpoint or by PSK identity during the handshake.
package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Security errors.
var (
	ErrNotFound         = errors.New("security info not found")
	ErrInvalidInfo      = errors.New("invalid security info")
	ErrIdentityConflict = errors.New("psk identity already used by another endpoint")
)

// Info is the credential material of one client endpoint.
// Exactly one of PSK, RPK or X509 is used.
type Info struct {
	Endpoint    string `cbor:"1,keyasint"`
	PSKIdentity string `cbor:"2,keyasint,omitempty"`
	PSK         []byte `cbor:"3,keyasint,omitempty"`
	RPK         []byte `cbor:"4,keyasint,omitempty"`
	X509        bool   `cbor:"5,keyasint,omitempty"`
}

// Validate checks that exactly one credential kind is set.
func (i Info) Validate() error {
	if i.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidInfo)
	}
	kinds := 0
	if i.PSKIdentity != "" || len(i.PSK) > 0 {
		if i.PSKIdentity == "" || len(i.PSK) == 0 {
			return fmt.Errorf("%w: psk needs both identity and key", ErrInvalidInfo)
		}
		kinds++
	}
	if len(i.RPK) > 0 {
		kinds++
	}
	if i.X509 {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: exactly one credential kind must be set", ErrInvalidInfo)
	}
	return nil
}

// Equal reports whether two infos hold the same credentials.
func (i Info) Equal(o Info) bool {
	return i.Endpoint == o.Endpoint && i.PSKIdentity == o.PSKIdentity &&
		bytes.Equal(i.PSK, o.PSK) && bytes.Equal(i.RPK, o.RPK) && i.X509 == o.X509
}

func (i Info) clone() Info {
	i.PSK = bytes.Clone(i.PSK)
	i.RPK = bytes.Clone(i.RPK)
	return i
}

// Store looks up and manages security infos.
type Store interface {
	Get(ctx context.Context, endpoint string) (Info, error)
	GetByIdentity(ctx context.Context, pskIdentity string) (Info, error)
	Put(ctx context.Context, info Info) (previous *Info, err error)
	Remove(ctx context.Context, endpoint string) (Info, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byEndpoint map[string]Info
	byIdentity map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEndpoint: make(map[string]Info),
		byIdentity: make(map[string]string),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, endpoint string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.byEndpoint[endpoint]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info.clone(), nil
}

// GetByIdentity implements Store.
func (s *MemoryStore) GetByIdentity(_ context.Context, pskIdentity string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.byIdentity[pskIdentity]
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.byEndpoint[ep].clone(), nil
}

// Put implements Store. A PSK identity can belong to one endpoint only.
func (s *MemoryStore) Put(_ context.Context, info Info) (*Info, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info.PSKIdentity != "" {
		if ep, ok := s.byIdentity[info.PSKIdentity]; ok && ep != info.Endpoint {
			return nil, ErrIdentityConflict
		}
	}

	var previous *Info
	if old, ok := s.byEndpoint[info.Endpoint]; ok {
		p := old.clone()
		previous = &p
		if old.PSKIdentity != "" {
			delete(s.byIdentity, old.PSKIdentity)
		}
	}
	s.byEndpoint[info.Endpoint] = info.clone()
	if info.PSKIdentity != "" {
		s.byIdentity[info.PSKIdentity] = info.Endpoint
	}
	return previous, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, endpoint string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byEndpoint[endpoint]
	if !ok {
		return Info{}, ErrNotFound
	}
	delete(s.byEndpoint, endpoint)
	if info.PSKIdentity != "" {
		delete(s.byIdentity, info.PSKIdentity)
	}
	return info, nil
}

var _ Store = (*MemoryStore)(nil)
