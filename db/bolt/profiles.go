package bolt

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"feedback.evalgo.org/escalation"
)

const profilesBucket = "escalation_profiles"

// CurrentProfile is the profile the daemon loads on start and saves after
// every configuration change.
const CurrentProfile = "current"

// ProfileInfo describes a stored profile without its layers.
type ProfileInfo struct {
	Name    string    `json:"name"`
	SavedAt time.Time `json:"saved_at"`
}

// Records are YAML so thresholds keep their full duration; the JSON form of
// a snapshot is in whole milliseconds.
type profileRecord struct {
	SavedAt  time.Time           `yaml:"saved_at"`
	Snapshot escalation.Snapshot `yaml:"snapshot"`
}

// ConfigStore keeps named escalation snapshots.
type ConfigStore struct {
	db  *DB
	now func() time.Time
}

// OpenConfigStore opens the database at path and prepares the profile bucket.
func OpenConfigStore(path string) (*ConfigStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateBucket(profilesBucket); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ConfigStore{db: db, now: time.Now}, nil
}

// SaveSnapshot stores snap under name, replacing any previous version.
func (s *ConfigStore) SaveSnapshot(name string, snap escalation.Snapshot) error {
	if name == "" {
		return errors.New("profile name is required")
	}
	rec := profileRecord{SavedAt: s.now().UTC(), Snapshot: snap}
	if err := s.db.PutYAML(profilesBucket, name, rec); err != nil {
		return fmt.Errorf("failed to save profile %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot stored under name. The error wraps
// ErrNotFound when there is none.
func (s *ConfigStore) LoadSnapshot(name string) (escalation.Snapshot, error) {
	var rec profileRecord
	if err := s.db.GetYAML(profilesBucket, name, &rec); err != nil {
		return escalation.Snapshot{}, fmt.Errorf("failed to load profile %s: %w", name, err)
	}
	return rec.Snapshot, nil
}

// ListProfiles returns every stored profile ordered by name.
func (s *ConfigStore) ListProfiles() ([]ProfileInfo, error) {
	profiles := []ProfileInfo{}
	err := s.db.ForEach(profilesBucket, func(k, v []byte) error {
		var rec profileRecord
		if err := yaml.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to decode profile %s: %w", k, err)
		}
		profiles = append(profiles, ProfileInfo{Name: string(k), SavedAt: rec.SavedAt})
		return nil
	})
	return profiles, err
}

// DeleteProfile removes name and reports whether it existed.
func (s *ConfigStore) DeleteProfile(name string) (bool, error) {
	return s.db.Delete(profilesBucket, name)
}

// Restore imports the profile into store. A missing profile leaves store
// untouched and returns false.
func (s *ConfigStore) Restore(name string, store *escalation.Store) (bool, error) {
	snap, err := s.LoadSnapshot(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := store.Import(snap); err != nil {
		return false, fmt.Errorf("profile %s: %w", name, err)
	}
	return true, nil
}

// Persist saves store under name after every change to it. The returned
// function stops persisting.
func (s *ConfigStore) Persist(name string, store *escalation.Store, onError func(error)) func() {
	return store.OnChange(func() {
		if err := s.SaveSnapshot(name, store.Export()); err != nil && onError != nil {
			onError(err)
		}
	})
}

// Close closes the database.
func (s *ConfigStore) Close() error {
	return s.db.Close()
}
