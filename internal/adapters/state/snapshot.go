package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// snapshotVersion is bumped whenever the envelope layout changes.
const snapshotVersion = 1

// ErrNoSnapshot is returned when no snapshot has been exported yet.
var ErrNoSnapshot = errors.New("no snapshot exported")

// snapshotEnvelope wraps the snapshot with integrity metadata.
type snapshotEnvelope struct {
	Version    int             `json:"version"`
	Checksum   string          `json:"checksum"`
	ExportedAt time.Time       `json:"exported_at"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// SnapshotFile exports coordinator snapshots to a JSON file so that other
// processes can inspect them. Writes are atomic.
type SnapshotFile struct {
	path string
	mu   sync.Mutex
	last string
}

// NewSnapshotFile creates an exporter writing to path.
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Path returns the export path.
func (f *SnapshotFile) Path() string {
	return f.path
}

// Write exports snap. It reports false when the content is unchanged since
// the previous write and the file was left alone.
func (f *SnapshotFile) Write(snap core.Snapshot) (bool, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("marshaling snapshot: %w", err)
	}
	hash := sha256.Sum256(body)
	checksum := hex.EncodeToString(hash[:])

	f.mu.Lock()
	defer f.mu.Unlock()
	if checksum == f.last {
		return false, nil
	}

	data, err := json.MarshalIndent(snapshotEnvelope{
		Version:    snapshotVersion,
		Checksum:   checksum,
		ExportedAt: time.Now().UTC(),
		Snapshot:   body,
	}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshaling envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return false, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := atomicWriteFile(f.path, data, 0o644); err != nil {
		return false, fmt.Errorf("writing snapshot file: %w", err)
	}
	f.last = checksum
	return true, nil
}

// ReadSnapshotFile loads and verifies an exported snapshot.
func ReadSnapshotFile(path string) (core.Snapshot, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.Snapshot{}, time.Time{}, ErrNoSnapshot
		}
		return core.Snapshot{}, time.Time{}, fmt.Errorf("reading snapshot file: %w", err)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.Snapshot{}, time.Time{}, fmt.Errorf("parsing snapshot file: %w", err)
	}
	if env.Version != snapshotVersion {
		return core.Snapshot{}, time.Time{}, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}

	// The envelope is indented on disk; the checksum covers the compact form.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Snapshot); err != nil {
		return core.Snapshot{}, time.Time{}, fmt.Errorf("parsing snapshot: %w", err)
	}
	hash := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(hash[:]) != env.Checksum {
		return core.Snapshot{}, time.Time{}, fmt.Errorf("snapshot checksum mismatch in %s", path)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return core.Snapshot{}, time.Time{}, fmt.Errorf("parsing snapshot: %w", err)
	}
	return snap, env.ExportedAt, nil
}

// WriteFileAtomic writes data to path without ever exposing a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return atomicWriteFile(path, data, perm)
}
