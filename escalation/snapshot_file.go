package escalation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarshalSnapshot encodes snap as JSON when format is "json" and as YAML
// otherwise.
func MarshalSnapshot(snap Snapshot, format string) ([]byte, error) {
	if strings.EqualFold(format, "json") {
		return json.MarshalIndent(snap, "", "  ")
	}
	return yaml.Marshal(snap)
}

// UnmarshalSnapshot decodes data produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte, format string) (Snapshot, error) {
	var snap Snapshot
	var err error
	if strings.EqualFold(format, "json") {
		err = json.Unmarshal(data, &snap)
	} else {
		err = yaml.Unmarshal(data, &snap)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode escalation snapshot: %w", err)
	}
	return snap, nil
}

// WriteSnapshotFile writes snap to path; the extension picks the format.
func WriteSnapshotFile(path string, snap Snapshot) error {
	data, err := MarshalSnapshot(snap, formatFor(path))
	if err != nil {
		return fmt.Errorf("failed to encode escalation snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadSnapshotFile reads a snapshot written by WriteSnapshotFile.
func ReadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return UnmarshalSnapshot(data, formatFor(path))
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}
