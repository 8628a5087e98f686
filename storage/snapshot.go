package storage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// snapshotVersion is bumped whenever the keyed layout below changes
// incompatibly; OpenSnapshot wipes the store on any mismatch rather than trying to
// migrate it.
const snapshotVersion = "1"

const (
	keyRegistry = "registry"
)

// Manifest is the small human-checkable YAML sidecar describing what a
// snapshot store holds, written alongside the leveldb keyed store itself.
type Manifest struct {
	Version    string    `yaml:"version"`
	Timestamp  time.Time `yaml:"timestamp"`
	NodeCount  int       `yaml:"node_count"`
	VoteCount  int       `yaml:"vote_count"`
	CacheCount int       `yaml:"cache_count"`
}

// Snapshot pairs a keyed leveldb store with its manifest file: a single
// durable store plus a small manifest recording enough to sanity-check it
// without reading the whole thing back.
type Snapshot struct {
	db           Database
	manifestPath string
}

// OpenSnapshot opens (or creates) the leveldb store at dbPath and loads the
// manifest at manifestPath. If the manifest's version does not match the
// current snapshotVersion, the store is wiped and a fresh one created rather
// than risking a stale or incompatible layout.
func OpenSnapshot(dbPath, manifestPath string) (*Snapshot, error) {
	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if manifest != nil && manifest.Version != snapshotVersion {
		if err := os.RemoveAll(dbPath); err != nil {
			return nil, fmt.Errorf("storage: wipe stale snapshot: %w", err)
		}
		if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: remove stale manifest: %w", err)
		}
	}

	db, err := NewLevelDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Snapshot{db: db, manifestPath: manifestPath}, nil
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("storage: parse manifest: %w", err)
	}
	return &m, nil
}

// RegistrySnapshotter is the minimal surface Save needs from a registry,
// narrowed to an interface so storage doesn't need to import registry
// directly and tests can supply a stub.
type RegistrySnapshotter interface {
	Len() int
	MarshalSnapshot() ([]byte, error)
}

// Save writes reg's serialized state under the registry key and refreshes
// the manifest with current counts and the wall-clock time.
func (s *Snapshot) Save(reg RegistrySnapshotter, voteCount, cacheCount int, now time.Time) error {
	data, err := reg.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("storage: marshal registry: %w", err)
	}
	if err := s.db.Put([]byte(keyRegistry), data); err != nil {
		return fmt.Errorf("storage: put registry: %w", err)
	}

	m := Manifest{
		Version:    snapshotVersion,
		Timestamp:  now,
		NodeCount:  reg.Len(),
		VoteCount:  voteCount,
		CacheCount: cacheCount,
	}
	out, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}
	return os.WriteFile(s.manifestPath, out, 0o600)
}

// LoadRegistryInto reads the stored registry bytes back, if any, and hands
// them to unmarshal (typically registry.Registry.UnmarshalSnapshot). It
// returns false with no error if the store has nothing saved yet.
func (s *Snapshot) LoadRegistryInto(unmarshal func([]byte) error) (bool, error) {
	data, err := s.db.Get([]byte(keyRegistry))
	if err != nil {
		return false, nil
	}
	if err := unmarshal(data); err != nil {
		return false, fmt.Errorf("storage: unmarshal registry: %w", err)
	}
	return true, nil
}

// Close releases the underlying database handle.
func (s *Snapshot) Close() {
	s.db.Close()
}
