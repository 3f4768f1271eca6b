package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
	"github.com/lwm2m-go/lwm2m-server/pkg/observation"
	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
)

// SnapshotVersion is the current version of the snapshot file format.
const SnapshotVersion = 1

// Snapshot is the on-disk state of a single server node.
type Snapshot struct {
	// Version is the snapshot format version.
	Version int `cbor:"1,keyasint"`

	// SavedAt is when the snapshot was last written.
	SavedAt time.Time `cbor:"2,keyasint"`

	// Registrations keyed by registration id.
	Registrations map[string]*registration.Registration `cbor:"3,keyasint,omitempty"`

	// Observations grouped by registration id.
	Observations map[string][]observation.Observation `cbor:"4,keyasint,omitempty"`
}

// FileStore keeps registrations and observations in a single CBOR snapshot
// file, rewritten on every change. It suits single-node deployments that do
// not want a database.
type FileStore struct {
	mu       sync.Mutex
	path     string
	snapshot *Snapshot
}

// NewFileStore creates a file store. The file is read lazily.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot from disk.
// Returns nil, nil if the file doesn't exist.
func (s *FileStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Clear removes the snapshot file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = nil
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveRegistration implements registration.Backend.
func (s *FileStore) SaveRegistration(_ context.Context, reg *registration.Registration) error {
	return s.update(func(snap *Snapshot) {
		snap.Registrations[reg.ID] = reg.Clone()
	})
}

// DeleteRegistration implements registration.Backend.
func (s *FileStore) DeleteRegistration(_ context.Context, id string) error {
	return s.update(func(snap *Snapshot) {
		delete(snap.Registrations, id)
	})
}

// LoadRegistrations implements registration.Backend.
func (s *FileStore) LoadRegistrations(context.Context) ([]*registration.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.currentLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*registration.Registration, 0, len(snap.Registrations))
	for _, reg := range snap.Registrations {
		out = append(out, reg.Clone())
	}
	return out, nil
}

// SaveObservation implements observation.Backend.
func (s *FileStore) SaveObservation(_ context.Context, obs observation.Observation) error {
	return s.update(func(snap *Snapshot) {
		list := snap.Observations[obs.RegistrationID]
		for i := range list {
			if list[i].Path == obs.Path {
				list[i] = obs
				return
			}
		}
		snap.Observations[obs.RegistrationID] = append(list, obs)
	})
}

// DeleteObservation implements observation.Backend.
func (s *FileStore) DeleteObservation(_ context.Context, regID string, path lwm2m.Path) error {
	return s.update(func(snap *Snapshot) {
		list := snap.Observations[regID]
		for i := range list {
			if list[i].Path == path {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(snap.Observations, regID)
		} else {
			snap.Observations[regID] = list
		}
	})
}

// DeleteObservations implements observation.Backend.
func (s *FileStore) DeleteObservations(_ context.Context, regID string) error {
	return s.update(func(snap *Snapshot) {
		delete(snap.Observations, regID)
	})
}

// LoadObservations implements observation.Backend.
func (s *FileStore) LoadObservations(context.Context) ([]observation.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.currentLocked()
	if err != nil {
		return nil, err
	}
	var out []observation.Observation
	for _, list := range snap.Observations {
		out = append(out, list...)
	}
	return out, nil
}

func (s *FileStore) update(fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.currentLocked()
	if err != nil {
		return err
	}
	fn(snap)
	return s.writeLocked(snap)
}

// currentLocked returns the cached snapshot, reading it on first use.
func (s *FileStore) currentLocked() (*Snapshot, error) {
	if s.snapshot != nil {
		return s.snapshot, nil
	}
	snap, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &Snapshot{Version: SnapshotVersion}
	}
	if snap.Registrations == nil {
		snap.Registrations = make(map[string]*registration.Registration)
	}
	if snap.Observations == nil {
		snap.Observations = make(map[string][]observation.Observation)
	}
	s.snapshot = snap
	return snap, nil
}

func (s *FileStore) readLocked() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	if err := decMode.Unmarshal(data, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *FileStore) writeLocked(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	snap.Version = SnapshotVersion
	snap.SavedAt = time.Now()

	data, err := encMode.Marshal(snap)
	if err != nil {
		return err
	}

	// Write to a temp file and rename so a crash never leaves a torn snapshot.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

var (
	_ registration.Backend = (*FileStore)(nil)
	_ observation.Backend  = (*FileStore)(nil)
)
